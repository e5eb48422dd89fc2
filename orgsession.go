// Package orgsession manages authenticated sessions against an organization
// RPC service that accepts signed, time-limited security tokens instead of
// per-call credentials.
//
// A Manager authenticates once, keeps the session token fresh and issues
// lightweight CallHandles. Each CallHandle is owned by a single goroutine; to
// run calls in parallel, take one handle per goroutine:
//
//	mgr, err := orgsession.New(ctx, "https://org.example.com/XRMServices/2011/Organization.svc",
//	    creds, orgsession.Config{
//	        Resolver:  resolver,
//	        Exchanger: exchanger, // e.g. identity/msal
//	        Connector: connector,
//	    })
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	h, err := mgr.GetCallHandle(ctx)
//	if err != nil {
//	    return err
//	}
//	f := orgsession.RetrieveMultipleAsync(ctx, h, query)
//	accounts, err := f.Await(ctx)
//
// The identity layer (metadata resolution, token exchange, device
// registration, ambient identity) and the RPC transport are supplied by the
// caller through the interfaces in this package. Implementations backed by
// MSAL, azidentity and the OS keyring live under identity/; credential
// sources backed by cloud secret stores live under credsource/.
package orgsession // import "github.com/blackwell-systems/orgsession"

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"
)

// Scheme identifies the authentication method a service endpoint requires.
type Scheme int

const (
	// SchemeUnknown is the zero value; no handle can be built for it.
	SchemeUnknown Scheme = iota
	// SchemeIntegratedWindows uses the ambient (or an explicit network)
	// identity, re-asserted on every call. No token is stored.
	SchemeIntegratedWindows
	// SchemeFederated exchanges username/password for a signed token at an
	// on-premises federation service.
	SchemeFederated
	// SchemeOnlineFederated is Federated against a cloud-hosted service.
	SchemeOnlineFederated
	// SchemeConsumerIdentity exchanges username/password plus a registered
	// device credential for a signed token.
	SchemeConsumerIdentity
)

// String returns the string representation of Scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeIntegratedWindows:
		return "IntegratedWindows"
	case SchemeFederated:
		return "Federated"
	case SchemeOnlineFederated:
		return "OnlineFederated"
	case SchemeConsumerIdentity:
		return "ConsumerIdentity"
	default:
		return "Unknown"
	}
}

// RequiresToken reports whether the scheme authenticates with a stored token.
func (s Scheme) RequiresToken() bool {
	switch s {
	case SchemeFederated, SchemeOnlineFederated, SchemeConsumerIdentity:
		return true
	default:
		return false
	}
}

// IsOnline reports whether the scheme belongs to a cloud-hosted service.
func (s Scheme) IsOnline() bool {
	return s == SchemeOnlineFederated || s == SchemeConsumerIdentity
}

// ParseScheme maps a scheme name (as produced by String) back to a Scheme.
func ParseScheme(name string) (Scheme, error) {
	switch name {
	case "IntegratedWindows", "integrated", "ActiveDirectory":
		return SchemeIntegratedWindows, nil
	case "Federated", "federated", "Federation":
		return SchemeFederated, nil
	case "OnlineFederated", "online", "OnlineFederation":
		return SchemeOnlineFederated, nil
	case "ConsumerIdentity", "consumer", "LiveId":
		return SchemeConsumerIdentity, nil
	default:
		return SchemeUnknown, &UnsupportedSchemeError{Name: name}
	}
}

// IssuerUsername is the issuer endpoint key used for username/password
// token issuance. Consumer identity device registration is scoped to it.
const IssuerUsername = "Username"

// ServiceMetadata describes a service endpoint as published by the service.
type ServiceMetadata struct {
	// Address is the organization service endpoint.
	Address *url.URL
	// Scheme is the authentication method the endpoint requires.
	Scheme Scheme
	// IssuerEndpoints maps issuer kinds (e.g. IssuerUsername) to token
	// issuer addresses.
	IssuerEndpoints map[string]*url.URL
}

// IssuerEndpoint returns the issuer endpoint for kind, or nil.
func (m *ServiceMetadata) IssuerEndpoint(kind string) *url.URL {
	if m == nil || m.IssuerEndpoints == nil {
		return nil
	}
	return m.IssuerEndpoints[kind]
}

// MetadataResolver resolves the published metadata for a service address.
type MetadataResolver interface {
	ResolveServiceMetadata(ctx context.Context, address *url.URL) (*ServiceMetadata, error)
}

// TokenExchanger exchanges credentials for a signed token at an issuer.
// Implementations return errors wrapping ErrTransport when the issuer could
// not be reached, and ErrAuthenticationFailure when it rejected the
// credentials.
type TokenExchanger interface {
	ExchangeCredentialsForToken(ctx context.Context, endpoint *url.URL, creds *Credentials) (*Token, error)
}

// DeviceRegistrar loads the device credential registered for endpoint, or
// registers a new one. A nil endpoint selects the default registration.
type DeviceRegistrar interface {
	LoadOrRegisterDevice(ctx context.Context, endpoint *url.URL) (*DeviceCredential, error)
}

// AmbientIdentity asserts the caller's integrated identity for a single call.
// A nil credential means the process identity.
type AmbientIdentity interface {
	AssertIdentity(ctx context.Context, windows *NetworkCredential) (*Assertion, error)
}

// Assertion is the outcome of an ambient identity assertion. It is valid for
// one call and never stored.
type Assertion struct {
	Principal string
	Header    string // Authorization header value presented with the call
}

// CallCredentials supplies per-call request metadata to a transport.
type CallCredentials interface {
	RequestMetadata(ctx context.Context) (map[string]string, error)
}

// Connector builds a transport-level client for a service. The returned
// service calls creds.RequestMetadata once per outbound call.
type Connector interface {
	Connect(meta *ServiceMetadata, creds CallCredentials) (OrganizationService, error)
}

// OrganizationService is the RPC surface of the organization service.
type OrganizationService interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
	Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns ColumnSet) (*Entity, error)
	RetrieveMultiple(ctx context.Context, query *Query) (*EntityCollection, error)
	Create(ctx context.Context, entity *Entity) (uuid.UUID, error)
	Update(ctx context.Context, entity *Entity) error
	Delete(ctx context.Context, entityName string, id uuid.UUID) error
	Associate(ctx context.Context, entityName string, id uuid.UUID, relationship Relationship, related []EntityReference) error
	Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship Relationship, related []EntityReference) error
}

// Entity is a record of the organization service.
type Entity struct {
	LogicalName string         `json:"logicalName"`
	ID          uuid.UUID      `json:"id"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// EntityReference points at a record.
type EntityReference struct {
	LogicalName string    `json:"logicalName"`
	ID          uuid.UUID `json:"id"`
}

// ColumnSet selects the attributes returned by a retrieve.
type ColumnSet struct {
	AllColumns bool     `json:"allColumns,omitempty"`
	Columns    []string `json:"columns,omitempty"`
}

// NewColumnSet returns a ColumnSet selecting the named columns.
func NewColumnSet(columns ...string) ColumnSet {
	return ColumnSet{Columns: columns}
}

// PagingInfo selects a page of a RetrieveMultiple result.
type PagingInfo struct {
	Count        int    `json:"count,omitempty"`
	PageNumber   int    `json:"pageNumber,omitempty"`
	PagingCookie string `json:"pagingCookie,omitempty"`
}

// Condition is an attribute equality filter.
type Condition struct {
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// Query describes a RetrieveMultiple request.
type Query struct {
	EntityName string      `json:"entityName"`
	ColumnSet  ColumnSet   `json:"columnSet"`
	Criteria   []Condition `json:"criteria,omitempty"`
	PageInfo   PagingInfo  `json:"pageInfo"`
}

// EntityCollection is the result of a RetrieveMultiple request.
type EntityCollection struct {
	EntityName   string    `json:"entityName"`
	Entities     []*Entity `json:"entities"`
	MoreRecords  bool      `json:"moreRecords"`
	PagingCookie string    `json:"pagingCookie,omitempty"`
}

// Relationship names an N:N or 1:N relationship.
type Relationship struct {
	SchemaName string `json:"schemaName"`
}

// Request is a named service message with parameters.
type Request struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Response is the result of Execute.
type Response struct {
	Name    string         `json:"name"`
	Results map[string]any `json:"results,omitempty"`
}

// WhoAmI request name and its result key.
const (
	WhoAmIRequestName = "WhoAmI"
	WhoAmIUserIDKey   = "UserId"
)

// NewWhoAmIRequest returns a request for the calling user's identity.
func NewWhoAmIRequest() *Request {
	return &Request{Name: WhoAmIRequestName}
}

// WhoAmIUserID extracts the user id from a WhoAmI response.
func WhoAmIUserID(resp *Response) (uuid.UUID, error) {
	if resp == nil || resp.Name != WhoAmIRequestName {
		return uuid.Nil, errors.New("not a WhoAmI response")
	}
	switch v := resp.Results[WhoAmIUserIDKey].(type) {
	case uuid.UUID:
		return v, nil
	case string:
		return uuid.Parse(v)
	default:
		return uuid.Nil, errors.New("WhoAmI response has no user id")
	}
}

// Common errors
var (
	// ErrAuthenticationFailure indicates a credential exchange was rejected,
	// or a token is unusable and could not be renewed.
	ErrAuthenticationFailure = errors.New("authentication failed")

	// ErrUnsupportedScheme indicates a scheme outside the four recognized ones.
	ErrUnsupportedScheme = errors.New("unsupported authentication scheme")

	// ErrTransport indicates a network or communication fault.
	ErrTransport = errors.New("transport failure")

	// ErrConstruction indicates credentials malformed for the chosen scheme.
	ErrConstruction = errors.New("invalid credentials")

	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("session manager closed")
)
