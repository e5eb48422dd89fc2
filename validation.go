package orgsession

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidName indicates an entity or secret name contains invalid characters.
var ErrInvalidName = errors.New("invalid name")

// ValidateServiceURL parses an organization service address. It must be an
// absolute http or https URL with a host.
func ValidateServiceURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: service URL cannot be empty", ErrConstruction)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: service URL: %w", ErrConstruction, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: service URL %q must use http or https", ErrConstruction, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: service URL %q has no host", ErrConstruction, raw)
	}
	return u, nil
}

// ValidateEntityName checks an entity logical name: lowercase letters,
// digits and underscores, starting with a letter.
func ValidateEntityName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: entity name cannot be empty", ErrInvalidName)
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: entity name too long (max 128 characters)", ErrInvalidName)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_'):
		default:
			return fmt.Errorf("%w: entity name %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

// ValidateSecretName checks if a secret name is safe for use in CLI commands.
// It rejects shell metacharacters, NUL and control characters.
//
// Valid characters: alphanumeric, dash, underscore, dot, slash, colon
//
// Credential sources that shell out (pass) must call this first.
func ValidateSecretName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}

	dangerousChars := `;|&$` + "`<>(){}[]!*?~#@%^\\\"'"
	for _, char := range dangerousChars {
		if strings.ContainsRune(name, char) {
			return fmt.Errorf("%w: contains forbidden character %q", ErrInvalidName, char)
		}
	}

	for _, char := range name {
		if char < 32 || char == 127 {
			return fmt.Errorf("%w: contains control character", ErrInvalidName)
		}
	}

	if len(name) > 256 {
		return fmt.Errorf("%w: name too long (max 256 characters)", ErrInvalidName)
	}

	return nil
}
