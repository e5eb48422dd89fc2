package orgsession

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
)

// Authenticator performs the credential exchange for each supported scheme.
type Authenticator struct {
	exchanger TokenExchanger
	registrar DeviceRegistrar
	log       logrus.FieldLogger
}

// NewAuthenticator returns an Authenticator. registrar may be nil when the
// consumer identity scheme is not used.
func NewAuthenticator(exchanger TokenExchanger, registrar DeviceRegistrar, log logrus.FieldLogger) *Authenticator {
	return &Authenticator{
		exchanger: exchanger,
		registrar: registrar,
		log:       defaultLogger(log),
	}
}

// Authenticate obtains a token for creds. It returns (nil, nil) for the
// integrated scheme, where identity is asserted per call instead.
//
// If a device credential is registered during the exchange, the returned
// credentials carry it; otherwise creds is returned unchanged.
func (a *Authenticator) Authenticate(ctx context.Context, meta *ServiceMetadata, creds *Credentials) (*Token, *Credentials, error) {
	if meta == nil {
		return nil, creds, errors.New("service metadata is nil")
	}
	switch meta.Scheme {
	case SchemeIntegratedWindows:
		return nil, creds, nil

	case SchemeFederated, SchemeOnlineFederated:
		tok, err := a.exchange(ctx, meta, creds)
		return tok, creds, err

	case SchemeConsumerIdentity:
		if creds != nil && creds.Supporting == nil {
			device, err := a.loadOrRegisterDevice(ctx, meta)
			if err != nil {
				return nil, creds, err
			}
			creds = creds.withDevice(device)
		}
		tok, err := a.exchange(ctx, meta, creds)
		return tok, creds, err

	default:
		return nil, creds, &UnsupportedSchemeError{Scheme: meta.Scheme}
	}
}

func (a *Authenticator) exchange(ctx context.Context, meta *ServiceMetadata, creds *Credentials) (*Token, error) {
	if creds == nil {
		return nil, fmt.Errorf("%w: %s requires credentials", ErrConstruction, meta.Scheme)
	}
	if a.exchanger == nil {
		return nil, fmt.Errorf("%w: no token exchanger configured for %s", ErrConstruction, meta.Scheme)
	}

	endpoint := issuerFor(meta, creds)
	a.log.WithFields(logrus.Fields{
		FieldScheme:  meta.Scheme,
		FieldService: endpoint,
	}).Debug("requesting security token")

	tok, err := a.exchanger.ExchangeCredentialsForToken(ctx, endpoint, creds)
	if err != nil {
		return nil, authFailure(err)
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: issuer returned no token", ErrAuthenticationFailure)
	}
	return tok, nil
}

func (a *Authenticator) loadOrRegisterDevice(ctx context.Context, meta *ServiceMetadata) (*DeviceCredential, error) {
	if a.registrar == nil {
		return nil, fmt.Errorf("%w: %s requires a device registrar", ErrConstruction, meta.Scheme)
	}
	device, err := a.registrar.LoadOrRegisterDevice(ctx, meta.IssuerEndpoint(IssuerUsername))
	if err != nil {
		return nil, authFailure(fmt.Errorf("device registration: %w", err))
	}
	a.log.WithField(FieldDevice, device.DeviceID).Debug("using device credential")
	return device, nil
}

// issuerFor picks the token issuer: the home realm when one is set, else the
// username issuer published by the service, else the service itself.
func issuerFor(meta *ServiceMetadata, creds *Credentials) *url.URL {
	if creds.HomeRealm != nil {
		return creds.HomeRealm
	}
	if ep := meta.IssuerEndpoint(IssuerUsername); ep != nil {
		return ep
	}
	return meta.Address
}
