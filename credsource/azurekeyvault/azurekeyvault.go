// Package azurekeyvault loads service login documents from Azure Key Vault.
//
// Authentication to the vault uses DefaultAzureCredential, which tries in
// order environment variables, managed identity, and Azure CLI credentials.
package azurekeyvault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/blackwell-systems/orgsession"
)

// API is the subset of the Key Vault client used by Source.
type API interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// Source implements orgsession.CredentialSource for Azure Key Vault.
type Source struct {
	name     string
	vaultURL string // e.g. "https://myvault.vault.azure.net/"
	prefix   string // secret name prefix (e.g. "orgsession-")
	version  string // empty means latest

	mu     sync.Mutex
	client API
}

// New creates a Key Vault source for the secret called name.
//
// Supported options:
//   - vault_url: Azure Key Vault URL (required, e.g., "https://myvault.vault.azure.net/")
//   - prefix: Secret name prefix (default: "orgsession-")
//   - version: Secret version (default: latest)
func New(name string, options map[string]string) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: azurekeyvault: secret name is required", orgsession.ErrConstruction)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	vaultURL := options["vault_url"]
	if vaultURL == "" {
		return nil, fmt.Errorf("%w: vault_url is required for Azure Key Vault", orgsession.ErrConstruction)
	}
	if !strings.HasPrefix(vaultURL, "https://") || !strings.HasSuffix(vaultURL, ".vault.azure.net/") {
		return nil, fmt.Errorf("%w: vault_url must be in format: https://<vault-name>.vault.azure.net/", orgsession.ErrConstruction)
	}

	prefix, ok := options["prefix"]
	if !ok {
		prefix = "orgsession-"
	}

	return &Source{
		name:     name,
		vaultURL: vaultURL,
		prefix:   prefix,
		version:  options["version"],
	}, nil
}

// NewWithClient returns a source that uses client.
func NewWithClient(name string, options map[string]string, client API) (*Source, error) {
	s, err := New(name, options)
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

// Key Vault secret names are 1-127 alphanumerics and dashes.
func validateName(name string) error {
	if len(name) > 127 {
		return fmt.Errorf("%w: azurekeyvault: %w: name too long", orgsession.ErrConstruction, orgsession.ErrInvalidName)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return fmt.Errorf("%w: azurekeyvault: %w: %q contains %q", orgsession.ErrConstruction, orgsession.ErrInvalidName, name, r)
		}
	}
	return nil
}

// Kind returns the source kind.
func (s *Source) Kind() orgsession.SourceKind { return orgsession.SourceAzureKeyVault }

// SecretName returns the full secret name with the prefix applied.
func (s *Source) SecretName() string {
	return s.prefix + s.name
}

// Load fetches and decodes the login document.
func (s *Source) Load(ctx context.Context) (*orgsession.SecretCredentials, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	resp, err := client.GetSecret(ctx, s.SecretName(), s.version, nil)
	if err != nil {
		return nil, s.handleAzureError(err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("azurekeyvault: %s has no value", s.SecretName())
	}
	return orgsession.ParseSecretCredentials([]byte(*resp.Value))
}

// Close releases resources. The Azure SDK doesn't require explicit cleanup.
func (s *Source) Close() error { return nil }

func (s *Source) getClient() (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azurekeyvault: initialize Azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(s.vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekeyvault: create client: %w", err)
	}
	s.client = client
	return s.client, nil
}

// handleAzureError maps Azure SDK errors to orgsession errors.
func (s *Source) handleAzureError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("azurekeyvault: %s: %w", s.SecretName(), orgsession.ErrSecretNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("azurekeyvault: %s: permission denied - check Azure RBAC permissions: %w", s.SecretName(), err)
		case http.StatusUnauthorized:
			return fmt.Errorf("azurekeyvault: %s: unauthenticated - check Azure AD credentials: %w", s.SecretName(), err)
		default:
			return fmt.Errorf("azurekeyvault: %s: Azure error [%d]: %w", s.SecretName(), respErr.StatusCode, err)
		}
	}
	return fmt.Errorf("azurekeyvault: %s: %w", s.SecretName(), err)
}

func init() {
	orgsession.RegisterCredentialSource(orgsession.SourceAzureKeyVault,
		func(cfg orgsession.SourceConfig) (orgsession.CredentialSource, error) {
			return New(cfg.Name, cfg.Options)
		})
}
