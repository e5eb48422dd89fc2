package orgsession

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TokenCache handles security token persistence to disk.
type TokenCache struct {
	path  string
	clock func() time.Time
}

// CachedToken represents a persisted security token.
type CachedToken struct {
	Response  []byte    `json:"response"`
	Created   time.Time `json:"created"`
	Expires   time.Time `json:"expires"`
	Service   string    `json:"service"`
	Scheme    string    `json:"scheme"`
	Principal string    `json:"principal,omitempty"`
}

// Matches reports whether the cached token was issued for the same service,
// scheme and principal.
func (c *CachedToken) Matches(service string, scheme Scheme, principal string) bool {
	return c.Service == service && c.Scheme == scheme.String() && c.Principal == principal
}

// Token returns the cached token value.
func (c *CachedToken) Token() *Token {
	return NewToken(c.Response, c.Expires)
}

// NewTokenCache creates a token cache.
// The parent directory is created with 0700 permissions for security.
func NewTokenCache(path string) *TokenCache {
	// Errors surface during Load() or Save()
	_ = os.MkdirAll(filepath.Dir(path), 0700)

	return &TokenCache{
		path:  path,
		clock: time.Now,
	}
}

// Path returns the cache file location.
func (c *TokenCache) Path() string {
	return c.path
}

// Load reads a cached token from disk. It returns nil, nil when there is no
// cached token or it has expired.
func (c *TokenCache) Load() (*CachedToken, error) {
	return c.loadAt(c.clock())
}

// loadAt is Load with expiry judged at now.
func (c *TokenCache) loadAt(now time.Time) (*CachedToken, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token cache: %w", err)
	}

	var cached CachedToken
	if err := json.Unmarshal(data, &cached); err != nil {
		// Invalid cache - try to remove it (ignore removal errors)
		_ = os.Remove(c.path)
		return nil, fmt.Errorf("parse token cache: %w", err)
	}

	if !now.Before(cached.Expires) {
		_ = os.Remove(c.path)
		return nil, nil
	}

	return &cached, nil
}

// Save writes a token to disk.
// The cache file is created with 0600 permissions (owner read/write only).
func (c *TokenCache) Save(tok *Token, service string, scheme Scheme, principal string) error {
	if tok == nil {
		return c.Clear()
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token cache directory: %w", err)
	}

	cached := CachedToken{
		Response:  tok.Response,
		Created:   c.clock().UTC(),
		Expires:   tok.ExpiresAt,
		Service:   service,
		Scheme:    scheme.String(),
		Principal: principal,
	}

	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	// Write to a sibling file and rename so readers never see a partial token.
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token cache: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}

	return nil
}

// Clear removes the cached token.
func (c *TokenCache) Clear() error {
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
