// Package keyring loads service login documents from the operating system
// keyring (macOS Keychain, Windows Credential Manager, Secret Service, or an
// encrypted file).
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"

	"github.com/blackwell-systems/orgsession"
)

// DefaultServiceName is the keyring service login documents are stored under.
const DefaultServiceName = "orgsession"

func init() {
	orgsession.RegisterCredentialSource(orgsession.SourceKeyring, func(cfg orgsession.SourceConfig) (orgsession.CredentialSource, error) {
		return New(cfg.Name, cfg.Options)
	})
}

// Source implements orgsession.CredentialSource over a keyring.
type Source struct {
	name string
	ring keyring.Keyring
}

// New opens the keyring and returns a source for the item called name.
//
// Supported options:
//   - service: Keyring service name (default: "orgsession")
//   - backends: Comma separated allowed backends, e.g. "keychain,file"
//   - file_dir: Directory of the file backend (default: ~/.orgsession/keyring/)
//   - file_password_env: Environment variable holding the file backend password
func New(name string, options map[string]string) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: keyring: item name is required", orgsession.ErrConstruction)
	}

	service := options["service"]
	if service == "" {
		service = DefaultServiceName
	}
	fileDir := options["file_dir"]
	if fileDir == "" {
		fileDir = "~/.orgsession/keyring/"
	}

	var allowed []keyring.BackendType
	if b := options["backends"]; b != "" {
		for _, t := range strings.Split(b, ",") {
			allowed = append(allowed, keyring.BackendType(strings.TrimSpace(t)))
		}
	}

	passwordEnv := options["file_password_env"]
	ring, err := keyring.Open(keyring.Config{
		AllowedBackends:          allowed,
		KeychainTrustApplication: true,
		ServiceName:              service,
		LibSecretCollectionName:  service,
		FileDir:                  fileDir,
		FilePasswordFunc: func(prompt string) (string, error) {
			if passwordEnv != "" {
				if pw := os.Getenv(passwordEnv); pw != "" {
					return pw, nil
				}
			}
			return "", fmt.Errorf("keyring: %s requires a password; set file_password_env", prompt)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: open: %w", err)
	}
	return NewWithKeyring(name, ring), nil
}

// NewWithKeyring returns a source reading from an open keyring.
func NewWithKeyring(name string, ring keyring.Keyring) *Source {
	return &Source{name: name, ring: ring}
}

// Kind returns the source kind.
func (s *Source) Kind() orgsession.SourceKind { return orgsession.SourceKeyring }

// Load reads and decodes the keyring item.
func (s *Source) Load(ctx context.Context) (*orgsession.SecretCredentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := s.ring.Get(s.name)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("keyring: %s: %w", s.name, orgsession.ErrSecretNotFound)
		}
		return nil, fmt.Errorf("keyring: %s: %w", s.name, err)
	}
	return orgsession.ParseSecretCredentials(item.Data)
}

// Store writes secret under the source's item name.
func (s *Source) Store(secret *orgsession.SecretCredentials) error {
	data, err := json.Marshal(secret)
	if err != nil {
		return err
	}
	return s.ring.Set(keyring.Item{
		Key:   s.name,
		Data:  data,
		Label: "orgsession login " + s.name,
	})
}

// Close is a no-op; keyrings hold no open handles.
func (s *Source) Close() error { return nil }
