package orgsession

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Config holds the collaborators and tuning of a Manager.
type Config struct {
	// Identity layer
	Resolver  MetadataResolver
	Exchanger TokenExchanger
	Registrar DeviceRegistrar // consumer identity only
	Ambient   AmbientIdentity // integrated scheme only

	// Transport
	Connector Connector

	// RenewalWindow is how long before expiry a token is renewed
	// (default: 15m).
	RenewalWindow time.Duration

	// TokenCache persists the session token across restarts (optional).
	TokenCache *TokenCache

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time

	// Logger receives session lifecycle events (default: logrus standard logger).
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.RenewalWindow <= 0 {
		c.RenewalWindow = DefaultRenewalWindow
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.Logger = defaultLogger(c.Logger)
	return c
}

// Manager owns one authenticated session against an organization service
// and issues CallHandles bound to it. It is safe for concurrent use.
type Manager struct {
	cfg  Config
	meta *ServiceMetadata
	auth *Authenticator
	log  logrus.FieldLogger

	tokens   *tokenStore
	creds    atomic.Pointer[Credentials] // credentials last used
	renewals singleflight.Group
	closed   atomic.Bool
}

// New resolves the authentication scheme of the service at serviceURL and
// authenticates with creds. A nil creds selects the ambient identity, which
// only the integrated scheme accepts. No Manager is returned unless the
// initial authentication succeeds.
func New(ctx context.Context, serviceURL string, creds *Credentials, cfg Config) (*Manager, error) {
	m, err := newManager(ctx, serviceURL, cfg)
	if err != nil {
		return nil, err
	}

	if creds == nil {
		creds = &Credentials{Scheme: SchemeIntegratedWindows}
	}
	if err := creds.Validate(); err != nil {
		return nil, WrapError(m.meta.Scheme, "credentials", serviceURL, err)
	}
	if creds.Scheme != m.meta.Scheme {
		return nil, WrapError(m.meta.Scheme, "credentials", serviceURL,
			fmt.Errorf("%w: credentials are for %s but the service requires %s", ErrConstruction, creds.Scheme, m.meta.Scheme))
	}

	if err := m.authenticate(ctx, creds); err != nil {
		return nil, err
	}
	return m, nil
}

// NewWithPassword is New with credentials shaped for whatever scheme the
// service requires. domain applies to the integrated scheme, homeRealm to
// the federated schemes.
func NewWithPassword(ctx context.Context, serviceURL, username, password, domain string, homeRealm *url.URL, cfg Config) (*Manager, error) {
	m, err := newManager(ctx, serviceURL, cfg)
	if err != nil {
		return nil, err
	}

	creds, err := NewCredentials(m.meta.Scheme, username, password, domain, homeRealm)
	if err != nil {
		return nil, WrapError(m.meta.Scheme, "credentials", serviceURL, err)
	}
	if err := m.authenticate(ctx, creds); err != nil {
		return nil, err
	}
	return m, nil
}

func newManager(ctx context.Context, serviceURL string, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	address, err := ValidateServiceURL(serviceURL)
	if err != nil {
		return nil, err
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: no metadata resolver configured", ErrConstruction)
	}

	meta, err := cfg.Resolver.ResolveServiceMetadata(ctx, address)
	if err != nil {
		return nil, WrapError(SchemeUnknown, "resolve", serviceURL, err)
	}
	if meta == nil {
		return nil, WrapError(SchemeUnknown, "resolve", serviceURL,
			fmt.Errorf("%w: resolver returned no metadata", ErrConstruction))
	}
	if meta.Address == nil {
		meta.Address = address
	}
	if _, err := lookupHandleFactory(meta.Scheme); err != nil {
		return nil, WrapError(meta.Scheme, "resolve", serviceURL, err)
	}

	log := cfg.Logger.WithFields(logrus.Fields{
		FieldScheme:  meta.Scheme,
		FieldService: address.String(),
	})
	return &Manager{
		cfg:    cfg,
		meta:   meta,
		auth:   NewAuthenticator(cfg.Exchanger, cfg.Registrar, log),
		log:    log,
		tokens: newTokenStore(cfg.RenewalWindow),
	}, nil
}

// authenticate performs the initial exchange and stores the session.
func (m *Manager) authenticate(ctx context.Context, creds *Credentials) error {
	creds = creds.Clone()
	m.creds.Store(creds)

	if !m.meta.Scheme.RequiresToken() {
		if m.cfg.Ambient == nil {
			return WrapError(m.meta.Scheme, "authenticate", addressOf(m.meta),
				fmt.Errorf("%w: no ambient identity provider configured", ErrConstruction))
		}
		m.log.Debug("integrated session established")
		return nil
	}

	if tok := m.loadCachedToken(creds); tok != nil {
		m.tokens.Store(tok)
		m.log.WithField(FieldExpires, tok.ExpiresAt).Debug("resumed cached security token")
		return nil
	}

	tok, used, err := m.auth.Authenticate(ctx, m.meta, creds)
	if err != nil {
		return WrapError(m.meta.Scheme, "authenticate", addressOf(m.meta), err)
	}
	m.creds.Store(used)
	m.tokens.Store(tok)
	m.saveCachedToken(tok, used)
	m.log.WithField(FieldExpires, tok.ExpiresAt).Debug("session authenticated")
	return nil
}

// ServiceURL returns the service address.
func (m *Manager) ServiceURL() *url.URL {
	return cloneURL(m.meta.Address)
}

// Scheme returns the scheme resolved from service metadata.
func (m *Manager) Scheme() Scheme {
	return m.meta.Scheme
}

// IsOnline reports whether the service is cloud-hosted.
func (m *Manager) IsOnline() bool {
	return m.meta.Scheme.IsOnline()
}

// Token returns the current session token, or nil.
func (m *Manager) Token() *Token {
	t := m.tokens.Load()
	if t == nil {
		return nil
	}
	return NewToken(t.Response, t.ExpiresAt)
}

// TokenState reports the session token state at the current time.
func (m *Manager) TokenState() TokenState {
	return m.tokens.State(m.cfg.Clock())
}

// GetCallHandle returns a new CallHandle bound to the current session. The
// session token is renewed first if it is absent or inside the renewal
// window. Each concurrent unit of work should take its own handle.
func (m *Manager) GetCallHandle(ctx context.Context) (*CallHandle, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if _, err := lookupHandleFactory(m.meta.Scheme); err != nil {
		return nil, WrapError(m.meta.Scheme, "handle", addressOf(m.meta), err)
	}
	if err := m.renewIfNeeded(ctx); err != nil {
		return nil, err
	}

	return newCallHandle(handleBinding{
		meta:      m.meta,
		creds:     m.creds.Load(),
		token:     m.tokens.Load(),
		renew:     m.renewForHandle,
		ambient:   m.cfg.Ambient,
		connector: m.cfg.Connector,
		clock:     m.cfg.Clock,
		window:    m.cfg.RenewalWindow,
		log:       m.log,
	})
}

// renewal is the outcome of one renewal flight.
type renewal struct {
	token *Token
	creds *Credentials
}

// renewIfNeeded replaces the session token when it is absent or inside the
// renewal window. Concurrent callers share a single renewal.
func (m *Manager) renewIfNeeded(ctx context.Context) error {
	if !m.meta.Scheme.RequiresToken() {
		return nil
	}
	if !m.tokens.NeedsRenewal(m.cfg.Clock()) {
		return nil
	}
	_, err := m.sharedRenewal(ctx)
	return err
}

// renewForHandle is the renewal path of the session's call handles.
func (m *Manager) renewForHandle(ctx context.Context) (*Token, *Credentials, error) {
	r, err := m.sharedRenewal(ctx)
	if err != nil {
		return nil, nil, err
	}
	return r.token, r.creds, nil
}

// sharedRenewal starts or joins the session's renewal flight. At most one
// exchange is in flight per session, whichever of the manager or its handles
// asked for it. A flight that finds the session token already usable hands
// that token out without exchanging.
func (m *Manager) sharedRenewal(ctx context.Context) (renewal, error) {
	// The shared renewal must not be cut short by one waiter's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := m.renewals.DoChan("token", func() (any, error) {
		if m.closed.Load() {
			return renewal{}, ErrClosed
		}
		if !m.tokens.NeedsRenewal(m.cfg.Clock()) {
			if tok := m.tokens.Load(); tok != nil {
				return renewal{token: tok, creds: m.creds.Load()}, nil
			}
		}
		return m.renew(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return renewal{}, res.Err
		}
		return res.Val.(renewal), nil
	case <-ctx.Done():
		return renewal{}, ctx.Err()
	}
}

// renew performs one exchange and swaps the stored token. On failure the
// token is dropped so the next request starts from Absent. A manager closed
// while the exchange ran keeps no token.
func (m *Manager) renew(ctx context.Context) (renewal, error) {
	prev := m.tokens.Load()
	m.log.WithField(FieldExpires, expiresOf(prev)).Debug("renewing security token")

	tok, used, err := m.auth.Authenticate(ctx, m.meta, m.creds.Load())
	if err != nil {
		m.tokens.Clear()
		return renewal{}, WrapError(m.meta.Scheme, "renew", addressOf(m.meta), authFailure(err))
	}
	if m.closed.Load() {
		return renewal{}, ErrClosed
	}
	m.creds.Store(used)
	m.tokens.Store(tok)
	// Close may have run between the check and the store.
	if m.closed.Load() {
		m.tokens.Clear()
		return renewal{}, ErrClosed
	}
	m.saveCachedToken(tok, used)
	m.log.WithField(FieldExpires, tok.ExpiresAt).Debug("security token renewed")
	return renewal{token: tok, creds: used}, nil
}

// Close drops the session token. Handles already issued keep working until
// their tokens enter the renewal window; renewal then fails with ErrClosed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.tokens.Clear()
	return nil
}

func (m *Manager) loadCachedToken(creds *Credentials) *Token {
	if m.cfg.TokenCache == nil {
		return nil
	}
	cached, err := m.cfg.TokenCache.loadAt(m.cfg.Clock())
	if err != nil {
		m.log.WithError(err).Debug("token cache unreadable, authenticating")
		return nil
	}
	if cached == nil || !cached.Matches(addressOf(m.meta), m.meta.Scheme, creds.UserName.Username) {
		return nil
	}
	tok := cached.Token()
	if !tok.Usable(m.cfg.Clock(), m.cfg.RenewalWindow) {
		return nil
	}
	return tok
}

func (m *Manager) saveCachedToken(tok *Token, creds *Credentials) {
	if m.cfg.TokenCache == nil {
		return
	}
	if err := m.cfg.TokenCache.Save(tok, addressOf(m.meta), m.meta.Scheme, creds.UserName.Username); err != nil {
		m.log.WithError(err).Warn("could not persist security token")
	}
}

func expiresOf(t *Token) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.ExpiresAt
}

// IsAuthenticationFailure reports whether err is an authentication failure.
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailure)
}
