// Package ambient asserts the integrated identity of the process, or of an
// explicit network credential, using Azure AD token credentials.
//
// The process identity comes from DefaultAzureCredential, which tries
// environment variables, workload and managed identity, and the Azure CLI in
// turn. An explicit network credential is asserted with a username/password
// credential whose tenant is the credential's domain.
package ambient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/sirupsen/logrus"

	"github.com/blackwell-systems/orgsession"
)

// DefaultScope is requested when Options.Scopes is empty.
const DefaultScope = "https://admin.services.crm.dynamics.com/.default"

// ProcessPrincipal names the principal of assertions made for the process
// identity.
const ProcessPrincipal = "process"

// CredentialFunc builds a token credential for an explicit network credential.
type CredentialFunc func(windows *orgsession.NetworkCredential) (azcore.TokenCredential, error)

// Options configures a Provider.
type Options struct {
	// Process is the credential used for the process identity. Defaults to
	// DefaultAzureCredential.
	Process azcore.TokenCredential
	// ClientID is the application used for explicit network credentials.
	ClientID string
	// Explicit builds credentials for explicit network credentials. Defaults
	// to a username/password credential for ClientID.
	Explicit CredentialFunc
	Scopes   []string
	Logger   logrus.FieldLogger
}

// Provider implements orgsession.AmbientIdentity.
type Provider struct {
	process  azcore.TokenCredential
	explicit CredentialFunc
	scopes   []string
	log      logrus.FieldLogger

	mu    sync.Mutex
	creds map[orgsession.NetworkCredential]azcore.TokenCredential
}

var _ orgsession.AmbientIdentity = (*Provider)(nil)

// New returns a Provider.
func New(opts Options) (*Provider, error) {
	p := &Provider{
		process:  opts.Process,
		explicit: opts.Explicit,
		scopes:   opts.Scopes,
		log:      opts.Logger,
		creds:    make(map[orgsession.NetworkCredential]azcore.TokenCredential),
	}
	if p.process == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: process identity: %w", orgsession.ErrConstruction, err)
		}
		p.process = cred
	}
	if p.explicit == nil {
		clientID := opts.ClientID
		p.explicit = func(w *orgsession.NetworkCredential) (azcore.TokenCredential, error) {
			if clientID == "" {
				return nil, errors.New("client id is required for explicit network credentials")
			}
			return azidentity.NewUsernamePasswordCredential(w.Domain, clientID, w.Username, w.Password, nil)
		}
	}
	if len(p.scopes) == 0 {
		p.scopes = []string{DefaultScope}
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	return p, nil
}

// AssertIdentity returns a bearer assertion for windows, or for the process
// identity when windows is nil. Assertions are never cached here; the
// underlying credential caches its own tokens.
func (p *Provider) AssertIdentity(ctx context.Context, windows *orgsession.NetworkCredential) (*orgsession.Assertion, error) {
	cred, principal, err := p.credential(windows)
	if err != nil {
		return nil, err
	}

	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: p.scopes})
	if err != nil {
		return nil, classify(err)
	}
	p.log.WithFields(logrus.Fields{
		"principal":             principal,
		orgsession.FieldExpires: tok.ExpiresOn,
	}).Debug("identity asserted")

	return &orgsession.Assertion{Principal: principal, Header: "Bearer " + tok.Token}, nil
}

func (p *Provider) credential(windows *orgsession.NetworkCredential) (azcore.TokenCredential, string, error) {
	if windows == nil {
		return p.process, ProcessPrincipal, nil
	}

	principal := windows.Username
	if windows.Domain != "" {
		principal = windows.Domain + `\` + windows.Username
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.creds[*windows]; ok {
		return c, principal, nil
	}
	c, err := p.explicit(windows)
	if err != nil {
		return nil, "", fmt.Errorf("%w: credential for %s: %w", orgsession.ErrConstruction, principal, err)
	}
	p.creds[*windows] = c
	return c, principal, nil
}

func classify(err error) error {
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		if authErr.RawResponse != nil && authErr.RawResponse.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", orgsession.ErrTransport, err)
		}
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", orgsession.ErrTransport, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", orgsession.ErrTransport, err)
	}
	return err
}
