package orgsession

import (
	"sync/atomic"
	"time"
)

// DefaultRenewalWindow is how long before hard expiry a token is treated as
// unusable.
const DefaultRenewalWindow = 15 * time.Minute

// Token is a signed, time-limited security token. Tokens are immutable;
// renewal replaces the whole value.
type Token struct {
	Response  []byte    // opaque signed blob as issued
	ExpiresAt time.Time // UTC
}

// NewToken returns a token holding a private copy of response.
func NewToken(response []byte, expiresAt time.Time) *Token {
	r := make([]byte, len(response))
	copy(r, response)
	return &Token{Response: r, ExpiresAt: expiresAt.UTC()}
}

// Usable reports whether the token may be presented at now, given the
// renewal window.
func (t *Token) Usable(now time.Time, window time.Duration) bool {
	if t == nil {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-window))
}

// HardExpired reports whether the token is past its expiry at now.
func (t *Token) HardExpired(now time.Time) bool {
	if t == nil {
		return true
	}
	return !now.Before(t.ExpiresAt)
}

// String returns the token response as presented on the wire.
func (t *Token) String() string {
	if t == nil {
		return ""
	}
	return string(t.Response)
}

// TokenState is the observable state of a token store.
type TokenState int

const (
	// TokenAbsent means no token is held.
	TokenAbsent TokenState = iota
	// TokenValid means the held token is usable.
	TokenValid
	// TokenNearExpiry means the held token is inside the renewal window.
	TokenNearExpiry
)

// String returns the string representation of TokenState.
func (s TokenState) String() string {
	switch s {
	case TokenAbsent:
		return "Absent"
	case TokenValid:
		return "Valid"
	case TokenNearExpiry:
		return "NearExpiry"
	default:
		return "Unknown"
	}
}

// tokenStore holds the current token of a session. Reads are lock-free and
// return either the previous or the replacement token, never a mix.
type tokenStore struct {
	current atomic.Pointer[Token]
	window  time.Duration
}

func newTokenStore(window time.Duration) *tokenStore {
	if window <= 0 {
		window = DefaultRenewalWindow
	}
	return &tokenStore{window: window}
}

// Load returns the current token (nil when absent).
func (s *tokenStore) Load() *Token {
	return s.current.Load()
}

// Store replaces the current token.
func (s *tokenStore) Store(t *Token) {
	s.current.Store(t)
}

// Clear drops the current token.
func (s *tokenStore) Clear() {
	s.current.Store(nil)
}

// State classifies the current token at now.
func (s *tokenStore) State(now time.Time) TokenState {
	t := s.Load()
	switch {
	case t == nil:
		return TokenAbsent
	case t.Usable(now, s.window):
		return TokenValid
	default:
		return TokenNearExpiry
	}
}

// NeedsRenewal reports whether the token is absent or inside the window.
func (s *tokenStore) NeedsRenewal(now time.Time) bool {
	return s.State(now) != TokenValid
}
