// Package msal exchanges username/password credentials for tokens using the
// Microsoft Authentication Library public client.
//
// The issuer endpoint chosen by the authenticator is used as the MSAL
// authority, so a federated home realm or the "Username" issuer published in
// the service metadata both work unchanged. One public client is kept per
// authority so its token cache is shared between renewals.
package msal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	msalerrors "github.com/AzureAD/microsoft-authentication-library-for-go/apps/errors"
	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/public"
	"github.com/sirupsen/logrus"

	"github.com/blackwell-systems/orgsession"
)

// DefaultScope is requested when Options.Scopes is empty.
const DefaultScope = "https://admin.services.crm.dynamics.com/user_impersonation"

// TokenClient acquires a token with a username and password.
type TokenClient interface {
	AcquireTokenByUsernamePassword(ctx context.Context, scopes []string, username, password string) (accessToken string, expiresOn time.Time, err error)
}

// ClientFunc builds a TokenClient for an authority.
type ClientFunc func(clientID, authority string) (TokenClient, error)

// Options configures an Exchanger.
type Options struct {
	ClientID  string // required
	Scopes    []string
	NewClient ClientFunc // defaults to an MSAL public client
	Logger    logrus.FieldLogger
}

// Exchanger implements orgsession.TokenExchanger.
type Exchanger struct {
	clientID  string
	scopes    []string
	newClient ClientFunc
	log       logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]TokenClient
}

var _ orgsession.TokenExchanger = (*Exchanger)(nil)

// New returns an Exchanger.
func New(opts Options) (*Exchanger, error) {
	if opts.ClientID == "" {
		return nil, fmt.Errorf("%w: msal client id is required", orgsession.ErrConstruction)
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	newClient := opts.NewClient
	if newClient == nil {
		newClient = NewPublicClient
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Exchanger{
		clientID:  opts.ClientID,
		scopes:    append([]string(nil), scopes...),
		newClient: newClient,
		log:       log,
		clients:   make(map[string]TokenClient),
	}, nil
}

// ExchangeCredentialsForToken acquires a token at endpoint for the
// credentials' username channel.
func (e *Exchanger) ExchangeCredentialsForToken(ctx context.Context, endpoint *url.URL, creds *orgsession.Credentials) (*orgsession.Token, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("%w: no issuer endpoint", orgsession.ErrConstruction)
	}
	if creds == nil || creds.UserName.Username == "" {
		return nil, fmt.Errorf("%w: username is required", orgsession.ErrAuthenticationFailure)
	}

	client, err := e.client(endpoint.String())
	if err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{
		orgsession.FieldScheme: creds.Scheme,
		"authority":            endpoint.String(),
	})
	if creds.Supporting != nil {
		log = log.WithField(orgsession.FieldDevice, creds.Supporting.DeviceID)
	}
	log.Debug("acquiring token")

	access, expires, err := client.AcquireTokenByUsernamePassword(ctx, e.scopes, creds.UserName.Username, creds.UserName.Password)
	if err != nil {
		return nil, classify(err)
	}
	if access == "" {
		return nil, fmt.Errorf("%w: issuer returned an empty token", orgsession.ErrAuthenticationFailure)
	}
	log.WithField(orgsession.FieldExpires, expires).Debug("token acquired")
	return orgsession.NewToken([]byte(access), expires), nil
}

func (e *Exchanger) client(authority string) (TokenClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[authority]; ok {
		return c, nil
	}
	c, err := e.newClient(e.clientID, authority)
	if err != nil {
		return nil, fmt.Errorf("%w: msal client for %s: %w", orgsession.ErrConstruction, authority, err)
	}
	e.clients[authority] = c
	return c, nil
}

// classify maps an MSAL failure onto the orgsession error kinds. Network
// failures and server-side errors mean the issuer was unreachable; anything
// else is a rejection.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", orgsession.ErrTransport, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", orgsession.ErrTransport, err)
	}
	var callErr msalerrors.CallErr
	if errors.As(err, &callErr) && callErr.Resp != nil && callErr.Resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: issuer returned %d: %w", orgsession.ErrTransport, callErr.Resp.StatusCode, err)
	}
	return fmt.Errorf("%w: %w", orgsession.ErrAuthenticationFailure, err)
}

type publicClient struct {
	c public.Client
}

// NewPublicClient is the default ClientFunc.
func NewPublicClient(clientID, authority string) (TokenClient, error) {
	c, err := public.New(clientID, public.WithAuthority(authority))
	if err != nil {
		return nil, err
	}
	return publicClient{c: c}, nil
}

func (p publicClient) AcquireTokenByUsernamePassword(ctx context.Context, scopes []string, username, password string) (string, time.Time, error) {
	res, err := p.c.AcquireTokenByUsernamePassword(ctx, scopes, username, password)
	if err != nil {
		return "", time.Time{}, err
	}
	return res.AccessToken, res.ExpiresOn, nil
}
