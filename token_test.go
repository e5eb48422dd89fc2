package orgsession

import (
	"sync"
	"testing"
	"time"
)

func TestToken_Usable(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		tok         *Token
		wantUsable  bool
		wantExpired bool
	}{
		{"nil", nil, false, true},
		{"fresh", NewToken([]byte("t"), now.Add(time.Hour)), true, false},
		{"just outside window", NewToken([]byte("t"), now.Add(15*time.Minute+time.Second)), true, false},
		{"exactly at window", NewToken([]byte("t"), now.Add(15*time.Minute)), false, false},
		{"inside window", NewToken([]byte("t"), now.Add(14*time.Minute)), false, false},
		{"at expiry", NewToken([]byte("t"), now), false, true},
		{"past expiry", NewToken([]byte("t"), now.Add(-time.Minute)), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tok.Usable(now, DefaultRenewalWindow); got != tt.wantUsable {
				t.Errorf("Usable() = %v, want %v", got, tt.wantUsable)
			}
			if got := tt.tok.HardExpired(now); got != tt.wantExpired {
				t.Errorf("HardExpired() = %v, want %v", got, tt.wantExpired)
			}
		})
	}
}

func TestNewToken_Copies(t *testing.T) {
	raw := []byte("signed")
	loc := time.FixedZone("UTC+2", 2*60*60)
	tok := NewToken(raw, time.Date(2025, 1, 1, 14, 0, 0, 0, loc))

	raw[0] = 'X'
	if tok.String() != "signed" {
		t.Errorf("String() = %q, want %q", tok.String(), "signed")
	}
	if tok.ExpiresAt.Location() != time.UTC {
		t.Errorf("ExpiresAt location = %v, want UTC", tok.ExpiresAt.Location())
	}
	if tok.ExpiresAt.Hour() != 12 {
		t.Errorf("ExpiresAt hour = %d, want 12", tok.ExpiresAt.Hour())
	}
}

func TestTokenStore_State(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTokenStore(0)

	if got := s.State(now); got != TokenAbsent {
		t.Errorf("State() = %v, want %v", got, TokenAbsent)
	}
	if !s.NeedsRenewal(now) {
		t.Error("NeedsRenewal() = false for absent token")
	}

	s.Store(NewToken([]byte("a"), now.Add(20*time.Minute)))
	if got := s.State(now); got != TokenValid {
		t.Errorf("State() = %v, want %v", got, TokenValid)
	}
	if got := s.State(now.Add(6 * time.Minute)); got != TokenNearExpiry {
		t.Errorf("State(+6m) = %v, want %v", got, TokenNearExpiry)
	}

	s.Clear()
	if got := s.State(now); got != TokenAbsent {
		t.Errorf("State() after Clear = %v, want %v", got, TokenAbsent)
	}
}

func TestTokenState_String(t *testing.T) {
	tests := []struct {
		state TokenState
		want  string
	}{
		{TokenAbsent, "Absent"},
		{TokenValid, "Valid"},
		{TokenNearExpiry, "NearExpiry"},
		{TokenState(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TokenState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// Readers racing a writer must only ever see whole tokens.
func TestTokenStore_NoTornReads(t *testing.T) {
	s := newTokenStore(DefaultRenewalWindow)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tokens := make([]*Token, 50)
	valid := make(map[*Token]bool, len(tokens))
	for i := range tokens {
		tokens[i] = NewToken([]byte{byte(i), byte(i), byte(i)}, base.Add(time.Duration(i)*time.Hour))
		valid[tokens[i]] = true
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, tok := range tokens {
			s.Store(tok)
		}
	}()

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tok := s.Load()
				if tok == nil {
					continue
				}
				if !valid[tok] {
					t.Errorf("Load() returned a token that was never stored")
					return
				}
				b := tok.Response
				if b[0] != b[1] || b[1] != b[2] {
					t.Errorf("Load() returned torn response %v", b)
					return
				}
				if want := base.Add(time.Duration(b[0]) * time.Hour); !tok.ExpiresAt.Equal(want) {
					t.Errorf("Load() response %v paired with expiry %v", b, tok.ExpiresAt)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestScheme(t *testing.T) {
	tests := []struct {
		scheme       Scheme
		name         string
		requiresTok  bool
		online       bool
		parseAliases []string
	}{
		{SchemeIntegratedWindows, "IntegratedWindows", false, false, []string{"integrated", "ActiveDirectory"}},
		{SchemeFederated, "Federated", true, false, []string{"federated", "Federation"}},
		{SchemeOnlineFederated, "OnlineFederated", true, true, []string{"online", "OnlineFederation"}},
		{SchemeConsumerIdentity, "ConsumerIdentity", true, true, []string{"consumer", "LiveId"}},
		{SchemeUnknown, "Unknown", false, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scheme.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.scheme.RequiresToken(); got != tt.requiresTok {
				t.Errorf("RequiresToken() = %v, want %v", got, tt.requiresTok)
			}
			if got := tt.scheme.IsOnline(); got != tt.online {
				t.Errorf("IsOnline() = %v, want %v", got, tt.online)
			}
			if tt.scheme == SchemeUnknown {
				return
			}
			for _, name := range append([]string{tt.name}, tt.parseAliases...) {
				got, err := ParseScheme(name)
				if err != nil || got != tt.scheme {
					t.Errorf("ParseScheme(%q) = %v, %v, want %v", name, got, err, tt.scheme)
				}
			}
		})
	}

	if _, err := ParseScheme("Kerberos"); err == nil {
		t.Error("ParseScheme(Kerberos) error = nil, want error")
	}
}
