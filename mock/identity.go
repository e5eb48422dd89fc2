package mock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blackwell-systems/orgsession"
)

// DefaultTokenLifetime is the lifetime of issued tokens unless
// Identity.Lifetime is set.
const DefaultTokenLifetime = 8 * time.Hour

// AmbientPrincipal is the identity asserted for a nil network credential.
const AmbientPrincipal = `CORP\svc-process`

// Identity is an in-memory identity layer: metadata resolver, token issuer,
// device registrar and ambient identity provider in one.
type Identity struct {
	// Scheme published by ResolveServiceMetadata.
	Scheme orgsession.Scheme
	// IssuerEndpoints published by ResolveServiceMetadata.
	IssuerEndpoints map[string]*url.URL
	// Users maps usernames to passwords. Nil accepts any non-empty pair.
	Users map[string]string
	// Lifetime of issued tokens (default: DefaultTokenLifetime).
	Lifetime time.Duration
	// Clock used for token expiry (default: time.Now).
	Clock func() time.Time
	// ExchangeDelay is added to every exchange.
	ExchangeDelay time.Duration

	// Behavior control for testing
	ResolveError  error
	ExchangeError error // returned verbatim
	RegisterError error
	AssertError   error

	unreachable atomic.Bool

	resolves      atomic.Int64
	exchanges     atomic.Int64
	inFlight      atomic.Int64
	maxInFlight   atomic.Int64
	registrations atomic.Int64
	assertions    atomic.Int64

	mu        sync.Mutex
	issued    map[string]time.Time
	devices   map[string]*orgsession.DeviceCredential
	exchanged []*orgsession.Credentials
	endpoints []string
	asserted  []*orgsession.NetworkCredential
}

// NewIdentity creates an identity layer publishing scheme.
func NewIdentity(scheme orgsession.Scheme) *Identity {
	return &Identity{
		Scheme:  scheme,
		issued:  make(map[string]time.Time),
		devices: make(map[string]*orgsession.DeviceCredential),
	}
}

func (i *Identity) now() time.Time {
	if i.Clock != nil {
		return i.Clock()
	}
	return time.Now()
}

// SetUnreachable makes exchanges fail with orgsession.ErrTransport.
func (i *Identity) SetUnreachable(v bool) {
	i.unreachable.Store(v)
}

// Resolves returns the number of metadata resolutions.
func (i *Identity) Resolves() int64 { return i.resolves.Load() }

// Exchanges returns the number of exchange attempts.
func (i *Identity) Exchanges() int64 { return i.exchanges.Load() }

// MaxInFlight returns the largest number of exchanges that ran at once.
func (i *Identity) MaxInFlight() int64 { return i.maxInFlight.Load() }

// Registrations returns the number of device registrations.
func (i *Identity) Registrations() int64 { return i.registrations.Load() }

// Assertions returns the number of ambient identity assertions.
func (i *Identity) Assertions() int64 { return i.assertions.Load() }

// ExchangedCredentials returns copies of the credentials presented to
// ExchangeCredentialsForToken, in order.
func (i *Identity) ExchangedCredentials() []*orgsession.Credentials {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*orgsession.Credentials, len(i.exchanged))
	copy(out, i.exchanged)
	return out
}

// ExchangeEndpoints returns the issuer endpoints exchanges were sent to, in
// order.
func (i *Identity) ExchangeEndpoints() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.endpoints))
	copy(out, i.endpoints)
	return out
}

// AssertedCredentials returns the network credentials presented to
// AssertIdentity, in order. Nil entries are ambient assertions.
func (i *Identity) AssertedCredentials() []*orgsession.NetworkCredential {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*orgsession.NetworkCredential, len(i.asserted))
	copy(out, i.asserted)
	return out
}

// ResolveServiceMetadata implements orgsession.MetadataResolver.
func (i *Identity) ResolveServiceMetadata(ctx context.Context, address *url.URL) (*orgsession.ServiceMetadata, error) {
	i.resolves.Add(1)
	if i.ResolveError != nil {
		return nil, i.ResolveError
	}
	return &orgsession.ServiceMetadata{
		Address:         address,
		Scheme:          i.Scheme,
		IssuerEndpoints: i.IssuerEndpoints,
	}, nil
}

// ExchangeCredentialsForToken implements orgsession.TokenExchanger.
func (i *Identity) ExchangeCredentialsForToken(ctx context.Context, endpoint *url.URL, creds *orgsession.Credentials) (*orgsession.Token, error) {
	n := i.exchanges.Add(1)

	cur := i.inFlight.Add(1)
	defer i.inFlight.Add(-1)
	for {
		peak := i.maxInFlight.Load()
		if cur <= peak || i.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	i.mu.Lock()
	i.exchanged = append(i.exchanged, creds.Clone())
	if endpoint != nil {
		i.endpoints = append(i.endpoints, endpoint.String())
	} else {
		i.endpoints = append(i.endpoints, "")
	}
	i.mu.Unlock()

	if i.ExchangeDelay > 0 {
		t := time.NewTimer(i.ExchangeDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %w", orgsession.ErrTransport, ctx.Err())
		}
	}

	if i.unreachable.Load() {
		return nil, fmt.Errorf("%w: issuer %s unreachable", orgsession.ErrTransport, endpoint)
	}
	if i.ExchangeError != nil {
		return nil, i.ExchangeError
	}
	if creds == nil || !creds.Scheme.RequiresToken() {
		return nil, errors.New("exchange requires token scheme credentials")
	}
	if creds.Windows != nil {
		return nil, errors.New("network credential presented to token issuer")
	}
	if creds.Scheme == orgsession.SchemeConsumerIdentity && creds.Supporting == nil {
		return nil, fmt.Errorf("%w: device credential required", orgsession.ErrAuthenticationFailure)
	}
	if !i.accepts(creds.UserName.Username, creds.UserName.Password) {
		return nil, fmt.Errorf("%w: invalid username or password", orgsession.ErrAuthenticationFailure)
	}

	lifetime := i.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	response := fmt.Sprintf("mock-token-%d-%s", n, creds.UserName.Username)
	expires := i.now().Add(lifetime)

	i.mu.Lock()
	i.issued[response] = expires
	i.mu.Unlock()

	return orgsession.NewToken([]byte(response), expires), nil
}

func (i *Identity) accepts(username, password string) bool {
	if username == "" || password == "" {
		return false
	}
	if i.Users == nil {
		return true
	}
	want, ok := i.Users[username]
	return ok && want == password
}

// LoadOrRegisterDevice implements orgsession.DeviceRegistrar. Registrations
// are keyed by endpoint.
func (i *Identity) LoadOrRegisterDevice(ctx context.Context, endpoint *url.URL) (*orgsession.DeviceCredential, error) {
	if i.RegisterError != nil {
		return nil, i.RegisterError
	}
	key := ""
	if endpoint != nil {
		key = endpoint.String()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if d, ok := i.devices[key]; ok {
		out := *d
		return &out, nil
	}
	i.registrations.Add(1)
	d := &orgsession.DeviceCredential{
		DeviceID: "11" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		Secret:   uuid.NewString(),
	}
	i.devices[key] = d
	out := *d
	return &out, nil
}

// AssertIdentity implements orgsession.AmbientIdentity.
func (i *Identity) AssertIdentity(ctx context.Context, windows *orgsession.NetworkCredential) (*orgsession.Assertion, error) {
	i.assertions.Add(1)

	i.mu.Lock()
	if windows != nil {
		w := *windows
		i.asserted = append(i.asserted, &w)
	} else {
		i.asserted = append(i.asserted, nil)
	}
	i.mu.Unlock()

	if i.AssertError != nil {
		return nil, i.AssertError
	}

	principal := AmbientPrincipal
	if windows != nil {
		if !i.accepts(windows.Username, windows.Password) {
			return nil, fmt.Errorf("%w: invalid network credential", orgsession.ErrAuthenticationFailure)
		}
		principal = windows.Domain + `\` + windows.Username
	}
	return &orgsession.Assertion{
		Principal: principal,
		Header:    "Negotiate " + base64.StdEncoding.EncodeToString([]byte(principal)),
	}, nil
}

// Authorize checks call metadata: bearer tokens must have been issued here
// and not be expired; Negotiate assertions are accepted.
func (i *Identity) Authorize(md map[string]string) error {
	auth := md[orgsession.MetadataAuthorization]
	switch {
	case strings.HasPrefix(auth, "Negotiate "):
		return nil
	case strings.HasPrefix(auth, "Bearer "):
		tok := strings.TrimPrefix(auth, "Bearer ")
		i.mu.Lock()
		expires, ok := i.issued[tok]
		i.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: unknown token", orgsession.ErrAuthenticationFailure)
		}
		if !i.now().Before(expires) {
			return fmt.Errorf("%w: token expired", orgsession.ErrAuthenticationFailure)
		}
		return nil
	default:
		return fmt.Errorf("%w: no authorization presented", orgsession.ErrAuthenticationFailure)
	}
}

// Compile-time interface checks
var (
	_ orgsession.MetadataResolver = (*Identity)(nil)
	_ orgsession.TokenExchanger   = (*Identity)(nil)
	_ orgsession.DeviceRegistrar  = (*Identity)(nil)
	_ orgsession.AmbientIdentity  = (*Identity)(nil)
)
