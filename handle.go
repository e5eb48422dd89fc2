package orgsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Request metadata keys presented to the transport.
const (
	MetadataAuthorization = "authorization"
	MetadataPrincipal     = "x-principal"
)

// handleBinding is everything a handle factory needs to build a CallHandle.
type handleBinding struct {
	meta      *ServiceMetadata
	creds     *Credentials
	token     *Token
	renew     renewFunc
	ambient   AmbientIdentity
	connector Connector
	clock     func() time.Time
	window    time.Duration
	log       logrus.FieldLogger
}

// renewFunc joins the session's renewal flight and returns its outcome.
type renewFunc func(ctx context.Context) (*Token, *Credentials, error)

// handleFactory builds a CallHandle for one scheme.
type handleFactory func(b handleBinding) (*CallHandle, error)

// handleFactories maps each scheme to its handle constructor.
var handleFactories = map[Scheme]handleFactory{
	SchemeIntegratedWindows: newIntegratedHandle,
	SchemeFederated:         newTokenHandle,
	SchemeOnlineFederated:   newTokenHandle,
	SchemeConsumerIdentity:  newTokenHandle,
}

// lookupHandleFactory returns the factory for scheme without side effects.
func lookupHandleFactory(scheme Scheme) (handleFactory, error) {
	f, ok := handleFactories[scheme]
	if !ok {
		return nil, &UnsupportedSchemeError{Scheme: scheme}
	}
	return f, nil
}

func newCallHandle(b handleBinding) (*CallHandle, error) {
	if b.meta == nil {
		return nil, errors.New("service metadata is nil")
	}
	f, err := lookupHandleFactory(b.meta.Scheme)
	if err != nil {
		return nil, err
	}
	return f(b)
}

func newIntegratedHandle(b handleBinding) (*CallHandle, error) {
	if b.ambient == nil {
		return nil, fmt.Errorf("%w: %s requires an ambient identity provider", ErrConstruction, b.meta.Scheme)
	}
	h := newHandle(b)
	h.token = nil
	if err := h.connect(b.connector); err != nil {
		return nil, err
	}
	return h, nil
}

func newTokenHandle(b handleBinding) (*CallHandle, error) {
	if b.token == nil {
		return nil, WrapError(b.meta.Scheme, "handle", addressOf(b.meta), fmt.Errorf("%w: no security token", ErrAuthenticationFailure))
	}
	if b.renew == nil {
		return nil, fmt.Errorf("%w: %s handle has no renewal path", ErrConstruction, b.meta.Scheme)
	}
	h := newHandle(b)
	if err := h.connect(b.connector); err != nil {
		return nil, err
	}
	return h, nil
}

func newHandle(b handleBinding) *CallHandle {
	return &CallHandle{
		meta:    b.meta,
		creds:   b.creds.Clone(),
		token:   b.token,
		renew:   b.renew,
		ambient: b.ambient,
		clock:   b.clock,
		window:  b.window,
		log:     b.log,
	}
}

// CallHandle is an RPC client bound to one authenticated session snapshot.
//
// A CallHandle must not be shared by concurrent units of work: take one
// handle per goroutine from Manager.GetCallHandle. Before each call the handle
// checks its own token and, if it is inside the renewal window, joins the
// session's single renewal flight and keeps a private copy of the result.
type CallHandle struct {
	meta    *ServiceMetadata
	renew   renewFunc
	ambient AmbientIdentity
	clock   func() time.Time
	window  time.Duration
	log     logrus.FieldLogger
	inner   OrganizationService

	mu    sync.Mutex // guards creds and token
	creds *Credentials
	token *Token
}

func (h *CallHandle) connect(c Connector) error {
	if c == nil {
		return fmt.Errorf("%w: no connector configured", ErrConstruction)
	}
	inner, err := c.Connect(h.meta, callCredentials{h})
	if err != nil {
		return fmt.Errorf("connect %s: %w", addressOf(h.meta), err)
	}
	h.inner = inner
	return nil
}

// Scheme returns the scheme the handle authenticates with.
func (h *CallHandle) Scheme() Scheme {
	return h.meta.Scheme
}

// Token returns a copy of the token the handle currently presents (nil for
// the integrated scheme).
func (h *CallHandle) Token() *Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token == nil {
		return nil
	}
	return NewToken(h.token.Response, h.token.ExpiresAt)
}

// prepareCredentials drops whichever credential channel the scheme must not
// present. Must be called with h.mu held.
func (h *CallHandle) prepareCredentials() {
	switch h.meta.Scheme {
	case SchemeIntegratedWindows:
		h.creds.UserName = UserNameCredential{}
	case SchemeFederated, SchemeOnlineFederated, SchemeConsumerIdentity:
		h.creds.Windows = nil
	}
}

// validateAuthentication runs before every call.
func (h *CallHandle) validateAuthentication(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.prepareCredentials()
	if !h.meta.Scheme.RequiresToken() {
		return nil
	}
	return h.renewTokenIfRequired(ctx)
}

// renewTokenIfRequired replaces the handle's token through the session's
// renewal flight when it is inside the renewal window. If the issuer cannot
// be reached the stale token is kept until it hard-expires. Must be called
// with h.mu held.
func (h *CallHandle) renewTokenIfRequired(ctx context.Context) error {
	now := h.clock()
	if h.token.Usable(now, h.window) {
		return nil
	}

	tok, creds, err := h.renew(ctx)
	if err == nil && tok == nil {
		err = fmt.Errorf("%w: renewal returned no token", ErrAuthenticationFailure)
	}
	if err == nil {
		h.token = tok
		h.creds = creds.Clone()
		h.prepareCredentials()
		h.log.WithFields(logrus.Fields{
			FieldScheme:  h.meta.Scheme,
			FieldExpires: tok.ExpiresAt,
		}).Debug("call handle renewed security token")
		return nil
	}

	if errors.Is(err, ErrTransport) && h.token != nil && !h.token.HardExpired(now) {
		h.log.WithFields(logrus.Fields{
			FieldScheme:  h.meta.Scheme,
			FieldExpires: h.token.ExpiresAt,
		}).WithError(err).Warn("issuer unreachable, presenting previous security token")
		return nil
	}
	var se *SessionError
	if errors.Is(err, ErrClosed) || errors.As(err, &se) {
		return err
	}
	return WrapError(h.meta.Scheme, "renew", addressOf(h.meta), authFailure(err))
}

// requestMetadata builds the metadata for one outbound call.
func (h *CallHandle) requestMetadata(ctx context.Context) (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.meta.Scheme.RequiresToken() {
		if h.token == nil {
			return nil, WrapError(h.meta.Scheme, "call", addressOf(h.meta), fmt.Errorf("%w: no security token", ErrAuthenticationFailure))
		}
		return map[string]string{MetadataAuthorization: "Bearer " + h.token.String()}, nil
	}

	// Integrated identity is asserted for this call only.
	h.prepareCredentials()
	a, err := h.ambient.AssertIdentity(ctx, h.creds.Windows)
	if err != nil {
		return nil, WrapError(h.meta.Scheme, "assert", addressOf(h.meta), authFailure(err))
	}
	return map[string]string{
		MetadataAuthorization: a.Header,
		MetadataPrincipal:     a.Principal,
	}, nil
}

// callCredentials exposes a handle to the transport without widening the
// handle's exported API.
type callCredentials struct{ h *CallHandle }

func (c callCredentials) RequestMetadata(ctx context.Context) (map[string]string, error) {
	return c.h.requestMetadata(ctx)
}

// Execute runs a service message.
func (h *CallHandle) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := h.validateAuthentication(ctx); err != nil {
		return nil, err
	}
	return h.inner.Execute(ctx, req)
}

// Retrieve returns one record.
func (h *CallHandle) Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns ColumnSet) (*Entity, error) {
	if err := h.validateAuthentication(ctx); err != nil {
		return nil, err
	}
	return h.inner.Retrieve(ctx, entityName, id, columns)
}

// RetrieveMultiple returns the records matching query.
func (h *CallHandle) RetrieveMultiple(ctx context.Context, query *Query) (*EntityCollection, error) {
	if err := h.validateAuthentication(ctx); err != nil {
		return nil, err
	}
	return h.inner.RetrieveMultiple(ctx, query)
}

// Create creates a record and returns its id.
func (h *CallHandle) Create(ctx context.Context, entity *Entity) (uuid.UUID, error) {
	if err := h.validateAuthentication(ctx); err != nil {
		return uuid.Nil, err
	}
	return h.inner.Create(ctx, entity)
}

// Update updates a record.
func (h *CallHandle) Update(ctx context.Context, entity *Entity) error {
	if err := h.validateAuthentication(ctx); err != nil {
		return err
	}
	return h.inner.Update(ctx, entity)
}

// Delete deletes a record.
func (h *CallHandle) Delete(ctx context.Context, entityName string, id uuid.UUID) error {
	if err := h.validateAuthentication(ctx); err != nil {
		return err
	}
	return h.inner.Delete(ctx, entityName, id)
}

// Associate links related records to a record.
func (h *CallHandle) Associate(ctx context.Context, entityName string, id uuid.UUID, relationship Relationship, related []EntityReference) error {
	if err := h.validateAuthentication(ctx); err != nil {
		return err
	}
	return h.inner.Associate(ctx, entityName, id, relationship, related)
}

// Disassociate removes links between a record and related records.
func (h *CallHandle) Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship Relationship, related []EntityReference) error {
	if err := h.validateAuthentication(ctx); err != nil {
		return err
	}
	return h.inner.Disassociate(ctx, entityName, id, relationship, related)
}

func addressOf(meta *ServiceMetadata) string {
	if meta == nil || meta.Address == nil {
		return ""
	}
	return meta.Address.String()
}

var _ OrganizationService = (*CallHandle)(nil)
