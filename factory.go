package orgsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// SourceKind identifies where service login material is stored.
type SourceKind string

const (
	// SourceStatic reads login material from SourceConfig.Options.
	SourceStatic SourceKind = "static"
	// SourcePass represents the pass (Unix password manager) source.
	SourcePass SourceKind = "pass"
	// SourceKeyring represents the OS keyring source.
	SourceKeyring SourceKind = "keyring"
	// SourceAWSSecretsManager represents the AWS Secrets Manager source.
	SourceAWSSecretsManager SourceKind = "awssecrets"
	// SourceAzureKeyVault represents the Azure Key Vault source.
	SourceAzureKeyVault SourceKind = "azurekeyvault"
	// SourceGCPSecretManager represents the GCP Secret Manager source.
	SourceGCPSecretManager SourceKind = "gcpsecrets"
)

// ErrSecretNotFound indicates the named secret does not exist in the source.
var ErrSecretNotFound = errors.New("secret not found")

// SourceConfig holds credential source configuration.
type SourceConfig struct {
	// Kind: "static", "pass", "keyring", "awssecrets", "azurekeyvault", "gcpsecrets"
	Kind SourceKind

	// Name of the secret holding the login document.
	Name string

	// Source-specific options
	Options map[string]string
}

// CredentialSource loads service login material from a secret store.
type CredentialSource interface {
	// Kind returns the source kind.
	Kind() SourceKind

	// Load fetches and decodes the login document.
	Load(ctx context.Context) (*SecretCredentials, error)

	// Close releases resources held by the source.
	Close() error
}

// SecretCredentials is the JSON login document kept in a secret store:
//
//	{"username": "...", "password": "...", "domain": "...",
//	 "home_realm": "https://...", "scheme": "Federated"}
//
// Scheme is optional; when set it must match the scheme the service resolves to.
type SecretCredentials struct {
	Scheme       string `json:"scheme,omitempty"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Domain       string `json:"domain,omitempty"`
	HomeRealm    string `json:"home_realm,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
	DeviceSecret string `json:"device_secret,omitempty"`
}

// ParseSecretCredentials decodes a login document.
func ParseSecretCredentials(data []byte) (*SecretCredentials, error) {
	var s SecretCredentials
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: login document: %w", ErrConstruction, err)
	}
	return &s, nil
}

// String describes the document with secrets redacted.
func (s *SecretCredentials) String() string {
	return fmt.Sprintf("user=%s domain=%s realm=%s scheme=%s", s.Username, s.Domain, s.HomeRealm, s.Scheme)
}

// Credentials shapes the document for scheme.
func (s *SecretCredentials) Credentials(scheme Scheme) (*Credentials, error) {
	if s.Scheme != "" {
		want, err := ParseScheme(s.Scheme)
		if err != nil {
			return nil, err
		}
		if want != scheme {
			return nil, fmt.Errorf("%w: login document is for %s but the service requires %s", ErrConstruction, want, scheme)
		}
	}

	var realm *url.URL
	if s.HomeRealm != "" {
		u, err := url.Parse(s.HomeRealm)
		if err != nil {
			return nil, fmt.Errorf("%w: home realm: %w", ErrConstruction, err)
		}
		realm = u
	}

	if scheme == SchemeConsumerIdentity && s.DeviceID != "" {
		return NewConsumerIdentityCredentials(s.Username, s.Password, &DeviceCredential{
			DeviceID: s.DeviceID,
			Secret:   s.DeviceSecret,
		})
	}
	return NewCredentials(scheme, s.Username, s.Password, s.Domain, realm)
}

// CredentialSourceFactory creates a credential source from configuration.
type CredentialSourceFactory func(cfg SourceConfig) (CredentialSource, error)

var (
	sourceFactories = make(map[SourceKind]CredentialSourceFactory)
	mu              sync.RWMutex
)

func init() {
	RegisterCredentialSource(SourceStatic, newStaticSource)
}

// RegisterCredentialSource registers a credential source factory function.
// Source implementations should call this in their init() function.
func RegisterCredentialSource(kind SourceKind, factory CredentialSourceFactory) {
	mu.Lock()
	defer mu.Unlock()
	sourceFactories[kind] = factory
}

// RegisteredCredentialSources returns the registered kinds, sorted.
func RegisteredCredentialSources() []SourceKind {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]SourceKind, 0, len(sourceFactories))
	for k := range sourceFactories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NewCredentialSource creates a credential source based on configuration.
// The source package must be imported for the source to be available.
// Example: import _ "github.com/blackwell-systems/orgsession/credsource/pass"
func NewCredentialSource(cfg SourceConfig) (CredentialSource, error) {
	if cfg.Kind == "" {
		cfg.Kind = SourceStatic
	}

	mu.RLock()
	factory, ok := sourceFactories[cfg.Kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown credential source: %s (did you import the source package?)", cfg.Kind)
	}

	return factory(cfg)
}

// NewFromSource is New with credentials loaded from src and shaped for the
// scheme the service resolves to.
func NewFromSource(ctx context.Context, serviceURL string, src CredentialSource, cfg Config) (*Manager, error) {
	m, err := newManager(ctx, serviceURL, cfg)
	if err != nil {
		return nil, err
	}

	secret, err := src.Load(ctx)
	if err != nil {
		return nil, WrapError(m.meta.Scheme, "credentials", serviceURL, fmt.Errorf("%s source: %w", src.Kind(), err))
	}
	creds, err := secret.Credentials(m.meta.Scheme)
	if err != nil {
		return nil, WrapError(m.meta.Scheme, "credentials", serviceURL, err)
	}
	if err := m.authenticate(ctx, creds); err != nil {
		return nil, err
	}
	return m, nil
}

// staticSource serves a login document built from options.
type staticSource struct {
	secret SecretCredentials
}

func newStaticSource(cfg SourceConfig) (CredentialSource, error) {
	o := cfg.Options
	return &staticSource{secret: SecretCredentials{
		Scheme:       o["scheme"],
		Username:     o["username"],
		Password:     o["password"],
		Domain:       o["domain"],
		HomeRealm:    o["home_realm"],
		DeviceID:     o["device_id"],
		DeviceSecret: o["device_secret"],
	}}, nil
}

func (s *staticSource) Kind() SourceKind { return SourceStatic }

func (s *staticSource) Load(ctx context.Context) (*SecretCredentials, error) {
	out := s.secret
	return &out, nil
}

func (s *staticSource) Close() error { return nil }
