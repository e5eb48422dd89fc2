// Package pass loads service login documents from the pass password manager.
//
// The entry is read with "pass show" and must hold the JSON login document.
package pass

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"github.com/blackwell-systems/orgsession"
)

func init() {
	orgsession.RegisterCredentialSource(orgsession.SourcePass, func(cfg orgsession.SourceConfig) (orgsession.CredentialSource, error) {
		return New(cfg.Name, cfg.Options)
	})
}

// Source implements orgsession.CredentialSource for pass.
type Source struct {
	name      string
	storePath string
	prefix    string
	command   string
}

// New creates a pass source for the entry called name.
//
// Supported options:
//   - store_path: Password store directory (default: ~/.password-store)
//   - prefix: Entry folder (default: "orgsession")
//   - command: pass executable (default: "pass")
func New(name string, options map[string]string) (*Source, error) {
	if err := orgsession.ValidateSecretName(name); err != nil {
		return nil, fmt.Errorf("%w: pass: %w", orgsession.ErrConstruction, err)
	}

	storePath := options["store_path"]
	if storePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		storePath = filepath.Join(home, ".password-store")
	}
	prefix, ok := options["prefix"]
	if !ok {
		prefix = "orgsession"
	}
	command := options["command"]
	if command == "" {
		command = "pass"
	}

	return &Source{
		name:      name,
		storePath: storePath,
		prefix:    prefix,
		command:   command,
	}, nil
}

// Kind returns the source kind.
func (s *Source) Kind() orgsession.SourceKind { return orgsession.SourcePass }

// EntryPath returns the entry path inside the store.
func (s *Source) EntryPath() string {
	return path.Join(s.prefix, s.name)
}

// Load runs "pass show" and decodes the entry.
func (s *Source) Load(ctx context.Context) (*orgsession.SecretCredentials, error) {
	if _, err := exec.LookPath(s.command); err != nil {
		return nil, fmt.Errorf("pass: %s not installed: %w", s.command, err)
	}

	cmd := exec.CommandContext(ctx, s.command, "show", s.EntryPath())
	cmd.Env = append(os.Environ(), "PASSWORD_STORE_DIR="+s.storePath)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, fmt.Errorf("pass: %s: %w", s.EntryPath(), orgsession.ErrSecretNotFound)
		}
		return nil, fmt.Errorf("pass: show %s: %w", s.EntryPath(), err)
	}
	return orgsession.ParseSecretCredentials(out)
}

// Close is a no-op for pass.
func (s *Source) Close() error { return nil }
