package orgsession_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blackwell-systems/orgsession"
)

func TestNew_Federated(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	m := f.newManager(t, federated(t))

	if m.Scheme() != orgsession.SchemeFederated {
		t.Errorf("Scheme() = %v, want Federated", m.Scheme())
	}
	if m.IsOnline() {
		t.Error("IsOnline() = true for on-premises federated service")
	}
	if m.ServiceURL().String() != serviceURL {
		t.Errorf("ServiceURL() = %q, want %q", m.ServiceURL(), serviceURL)
	}
	if m.TokenState() != orgsession.TokenValid {
		t.Errorf("TokenState() = %v, want Valid", m.TokenState())
	}
	if f.id.Exchanges() != 1 {
		t.Errorf("Exchanges() = %d, want 1", f.id.Exchanges())
	}

	// Token returns a copy.
	tok := m.Token()
	tok.Response[0] = 'X'
	if m.Token().String() == tok.String() {
		t.Error("Token() returned the stored token rather than a copy")
	}
}

func TestNew_FederatedRejected(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Users = map[string]string{"alice@contoso.com": "not-the-password"}

	m, err := orgsession.New(context.Background(), serviceURL, federated(t), f.config())
	if !errors.Is(err, orgsession.ErrAuthenticationFailure) {
		t.Fatalf("New() error = %v, want ErrAuthenticationFailure", err)
	}
	if m != nil {
		t.Error("New() returned a manager after failed authentication")
	}

	var se *orgsession.SessionError
	if !errors.As(err, &se) || se.Op != "authenticate" {
		t.Errorf("New() error = %#v, want SessionError with op authenticate", err)
	}
}

func TestNew_UnsupportedSchemeMakesNoExchange(t *testing.T) {
	f := newFixture(t, orgsession.Scheme(42))

	_, err := orgsession.New(context.Background(), serviceURL, federated(t), f.config())
	if !errors.Is(err, orgsession.ErrUnsupportedScheme) {
		t.Fatalf("New() error = %v, want ErrUnsupportedScheme", err)
	}
	var use *orgsession.UnsupportedSchemeError
	if !errors.As(err, &use) || use.Scheme != orgsession.Scheme(42) {
		t.Errorf("New() error = %v, want UnsupportedSchemeError naming scheme 42", err)
	}
	if f.id.Exchanges() != 0 {
		t.Errorf("Exchanges() = %d, want 0", f.id.Exchanges())
	}
	if n := len(f.conn.Calls()); n != 0 {
		t.Errorf("service calls = %d, want 0", n)
	}
}

func TestNew_ConstructionErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid service url", func(t *testing.T) {
		f := newFixture(t, orgsession.SchemeFederated)
		_, err := orgsession.New(ctx, "not a url", federated(t), f.config())
		if !errors.Is(err, orgsession.ErrConstruction) {
			t.Errorf("New() error = %v, want ErrConstruction", err)
		}
		if f.id.Resolves() != 0 {
			t.Errorf("Resolves() = %d, want 0", f.id.Resolves())
		}
	})

	t.Run("no resolver", func(t *testing.T) {
		f := newFixture(t, orgsession.SchemeFederated)
		cfg := f.config()
		cfg.Resolver = nil
		if _, err := orgsession.New(ctx, serviceURL, federated(t), cfg); !errors.Is(err, orgsession.ErrConstruction) {
			t.Errorf("New() error = %v, want ErrConstruction", err)
		}
	})

	t.Run("resolve failure", func(t *testing.T) {
		f := newFixture(t, orgsession.SchemeFederated)
		f.id.ResolveError = fmt.Errorf("%w: metadata endpoint unreachable", orgsession.ErrTransport)
		if _, err := orgsession.New(ctx, serviceURL, federated(t), f.config()); !errors.Is(err, orgsession.ErrTransport) {
			t.Errorf("New() error = %v, want ErrTransport", err)
		}
	})

	t.Run("resolver returns no metadata", func(t *testing.T) {
		f := newFixture(t, orgsession.SchemeFederated)
		cfg := f.config()
		cfg.Resolver = emptyResolver{}
		if _, err := orgsession.New(ctx, serviceURL, federated(t), cfg); !errors.Is(err, orgsession.ErrConstruction) {
			t.Errorf("New() error = %v, want ErrConstruction", err)
		}
	})

	t.Run("credentials for another scheme", func(t *testing.T) {
		f := newFixture(t, orgsession.SchemeOnlineFederated)
		if _, err := orgsession.New(ctx, serviceURL, federated(t), f.config()); !errors.Is(err, orgsession.ErrConstruction) {
			t.Errorf("New() error = %v, want ErrConstruction", err)
		}
		if f.id.Exchanges() != 0 {
			t.Errorf("Exchanges() = %d, want 0", f.id.Exchanges())
		}
	})

	t.Run("nil credentials for token scheme", func(t *testing.T) {
		f := newFixture(t, orgsession.SchemeFederated)
		if _, err := orgsession.New(ctx, serviceURL, nil, f.config()); !errors.Is(err, orgsession.ErrConstruction) {
			t.Errorf("New() error = %v, want ErrConstruction", err)
		}
	})

	t.Run("integrated without ambient provider", func(t *testing.T) {
		f := newFixture(t, orgsession.SchemeIntegratedWindows)
		cfg := f.config()
		cfg.Ambient = nil
		if _, err := orgsession.New(ctx, serviceURL, nil, cfg); !errors.Is(err, orgsession.ErrConstruction) {
			t.Errorf("New() error = %v, want ErrConstruction", err)
		}
	})
}

func TestNew_IntegratedStoresNoToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orgsession.SchemeIntegratedWindows)
	creds, err := orgsession.NewIntegratedCredentials(&orgsession.NetworkCredential{Username: "bob", Password: "pw", Domain: "CORP"})
	if err != nil {
		t.Fatal(err)
	}
	m := f.newManager(t, creds)

	if m.Token() != nil {
		t.Errorf("Token() = %v, want nil", m.Token())
	}
	if m.TokenState() != orgsession.TokenAbsent {
		t.Errorf("TokenState() = %v, want Absent", m.TokenState())
	}

	h, err := m.GetCallHandle(ctx)
	if err != nil {
		t.Fatalf("GetCallHandle() error = %v", err)
	}
	if h.Token() != nil {
		t.Errorf("handle Token() = %v, want nil", h.Token())
	}

	for i := 0; i < 3; i++ {
		if _, err := h.Execute(ctx, orgsession.NewWhoAmIRequest()); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}

	if f.id.Exchanges() != 0 {
		t.Errorf("Exchanges() = %d, want 0", f.id.Exchanges())
	}
	asserted := f.id.AssertedCredentials()
	if len(asserted) != 3 {
		t.Fatalf("AssertedCredentials() len = %d, want one per call", len(asserted))
	}
	for _, a := range asserted {
		if a == nil || a.Username != "bob" {
			t.Errorf("asserted credential = %+v, want bob", a)
		}
	}
	for _, c := range f.conn.Calls() {
		if c.Metadata[orgsession.MetadataPrincipal] != `CORP\bob` {
			t.Errorf("call principal = %q, want CORP\\bob", c.Metadata[orgsession.MetadataPrincipal])
		}
	}
}

func TestNew_NilCredentialsUseAmbientIdentity(t *testing.T) {
	f := newFixture(t, orgsession.SchemeIntegratedWindows)
	m := f.newManager(t, nil)

	h, err := m.GetCallHandle(context.Background())
	if err != nil {
		t.Fatalf("GetCallHandle() error = %v", err)
	}
	if _, err := h.Execute(context.Background(), orgsession.NewWhoAmIRequest()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	asserted := f.id.AssertedCredentials()
	if len(asserted) != 1 || asserted[0] != nil {
		t.Errorf("AssertedCredentials() = %v, want one ambient assertion", asserted)
	}
}

func TestNewWithPassword(t *testing.T) {
	ctx := context.Background()
	realm, _ := url.Parse("https://sts.contoso.com/adfs/services/trust")

	tests := []struct {
		name      string
		scheme    orgsession.Scheme
		wantToken bool
		check     func(t *testing.T, f *fixture)
	}{
		{
			name:   "integrated",
			scheme: orgsession.SchemeIntegratedWindows,
			check: func(t *testing.T, f *fixture) {
				if f.id.Exchanges() != 0 {
					t.Errorf("Exchanges() = %d, want 0", f.id.Exchanges())
				}
			},
		},
		{
			name:      "federated",
			scheme:    orgsession.SchemeFederated,
			wantToken: true,
			check: func(t *testing.T, f *fixture) {
				eps := f.id.ExchangeEndpoints()
				if len(eps) != 1 || eps[0] != realm.String() {
					t.Errorf("ExchangeEndpoints() = %v, want home realm", eps)
				}
			},
		},
		{
			name:      "online federated",
			scheme:    orgsession.SchemeOnlineFederated,
			wantToken: true,
		},
		{
			name:      "consumer identity",
			scheme:    orgsession.SchemeConsumerIdentity,
			wantToken: true,
			check: func(t *testing.T, f *fixture) {
				if f.id.Registrations() != 1 {
					t.Errorf("Registrations() = %d, want 1", f.id.Registrations())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.scheme)
			m, err := orgsession.NewWithPassword(ctx, serviceURL, "alice", "secret", "CORP", realm, f.config())
			if err != nil {
				t.Fatalf("NewWithPassword() error = %v", err)
			}
			defer func() { _ = m.Close() }()

			if (m.Token() != nil) != tt.wantToken {
				t.Errorf("Token() = %v, wantToken %v", m.Token(), tt.wantToken)
			}
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestNewFromSource(t *testing.T) {
	f := newFixture(t, orgsession.SchemeOnlineFederated)
	src, err := orgsession.NewCredentialSource(orgsession.SourceConfig{
		Kind:    orgsession.SourceStatic,
		Options: map[string]string{"username": "alice@contoso.com", "password": "secret"},
	})
	if err != nil {
		t.Fatal(err)
	}

	m, err := orgsession.NewFromSource(context.Background(), serviceURL, src, f.config())
	if err != nil {
		t.Fatalf("NewFromSource() error = %v", err)
	}
	defer func() { _ = m.Close() }()

	if !m.IsOnline() {
		t.Error("IsOnline() = false, want true")
	}
	creds := f.id.ExchangedCredentials()
	if len(creds) != 1 || creds[0].UserName.Username != "alice@contoso.com" {
		t.Errorf("ExchangedCredentials() = %v", creds)
	}
}

func TestGetCallHandle_RenewsInsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Lifetime = 20 * time.Minute
	m := f.newManager(t, federated(t))
	before := m.Token()

	f.clock.Advance(6 * time.Minute)
	if m.TokenState() != orgsession.TokenNearExpiry {
		t.Fatalf("TokenState() = %v, want NearExpiry", m.TokenState())
	}

	h, err := m.GetCallHandle(ctx)
	if err != nil {
		t.Fatalf("GetCallHandle() error = %v", err)
	}

	if f.id.Exchanges() != 2 {
		t.Errorf("Exchanges() = %d, want 2", f.id.Exchanges())
	}
	if h.Token().String() == before.String() {
		t.Error("handle was issued the token inside the renewal window")
	}
	if !h.Token().Usable(f.clock.Now(), orgsession.DefaultRenewalWindow) {
		t.Errorf("handle token expiring %v is not usable at %v", h.Token().ExpiresAt, f.clock.Now())
	}
	if m.TokenState() != orgsession.TokenValid {
		t.Errorf("TokenState() = %v, want Valid", m.TokenState())
	}
}

func TestGetCallHandle_NoRenewalOutsideWindow(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Lifetime = time.Hour
	m := f.newManager(t, federated(t))

	f.clock.Advance(44 * time.Minute)
	for i := 0; i < 5; i++ {
		if _, err := m.GetCallHandle(context.Background()); err != nil {
			t.Fatalf("GetCallHandle() error = %v", err)
		}
	}
	if f.id.Exchanges() != 1 {
		t.Errorf("Exchanges() = %d, want 1", f.id.Exchanges())
	}
}

// A 20 minute token at t=6m is inside the window; concurrent callers must
// share exactly one renewal.
func TestGetCallHandle_ConcurrentRenewalExchangesOnce(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Lifetime = 20 * time.Minute
	m := f.newManager(t, federated(t))

	f.clock.Advance(6 * time.Minute)
	f.id.ExchangeDelay = 50 * time.Millisecond

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.GetCallHandle(context.Background())
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("GetCallHandle() error = %v", err)
		}
	}
	if got := f.id.Exchanges(); got != 2 {
		t.Errorf("Exchanges() = %d, want 2 (initial + one shared renewal)", got)
	}
}

func TestGetCallHandle_NoTornTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orgsession.SchemeOnlineFederated)
	f.id.Lifetime = 20 * time.Minute
	creds, _ := orgsession.NewOnlineFederatedCredentials("alice@contoso.com", "secret", nil)
	m := f.newManager(t, creds)
	f.clock.Advance(6 * time.Minute)

	const callers = 50
	handles := make([]*orgsession.CallHandle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.GetCallHandle(ctx)
			if err != nil {
				t.Errorf("GetCallHandle() error = %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	want := m.Token()
	for i, h := range handles {
		if h == nil {
			continue
		}
		got := h.Token()
		if got.String() != want.String() || !got.ExpiresAt.Equal(want.ExpiresAt) {
			t.Errorf("handle %d token = %q expiring %v, want %q expiring %v", i, got, got.ExpiresAt, want, want.ExpiresAt)
		}
		// The issuer must recognize every presented token.
		if _, err := h.Execute(ctx, orgsession.NewWhoAmIRequest()); err != nil {
			t.Errorf("handle %d Execute() error = %v", i, err)
		}
	}
}

func TestGetCallHandle_RenewalFailureClearsToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Lifetime = 20 * time.Minute
	m := f.newManager(t, federated(t))

	f.clock.Advance(6 * time.Minute)
	f.id.ExchangeError = fmt.Errorf("%w: account locked", orgsession.ErrAuthenticationFailure)

	if _, err := m.GetCallHandle(ctx); !errors.Is(err, orgsession.ErrAuthenticationFailure) {
		t.Fatalf("GetCallHandle() error = %v, want ErrAuthenticationFailure", err)
	}
	if m.TokenState() != orgsession.TokenAbsent {
		t.Errorf("TokenState() = %v, want Absent", m.TokenState())
	}
	if m.Token() != nil {
		t.Errorf("Token() = %v, want nil", m.Token())
	}

	f.id.ExchangeError = nil
	if _, err := m.GetCallHandle(ctx); err != nil {
		t.Fatalf("GetCallHandle() after recovery error = %v", err)
	}
	if m.TokenState() != orgsession.TokenValid {
		t.Errorf("TokenState() = %v, want Valid", m.TokenState())
	}
}

func TestGetCallHandle_TransportFailureDuringRenewal(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Lifetime = 20 * time.Minute
	m := f.newManager(t, federated(t))

	f.clock.Advance(6 * time.Minute)
	f.id.SetUnreachable(true)

	_, err := m.GetCallHandle(context.Background())
	if !errors.Is(err, orgsession.ErrAuthenticationFailure) || !errors.Is(err, orgsession.ErrTransport) {
		t.Errorf("GetCallHandle() error = %v, want ErrAuthenticationFailure wrapping ErrTransport", err)
	}
}

func TestGetCallHandle_WaiterCancellation(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Lifetime = 20 * time.Minute
	m := f.newManager(t, federated(t))

	f.clock.Advance(6 * time.Minute)
	f.id.ExchangeDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := m.GetCallHandle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetCallHandle() error = %v, want context.DeadlineExceeded", err)
	}

	// The abandoned renewal still completes and is shared.
	if _, err := m.GetCallHandle(context.Background()); err != nil {
		t.Fatalf("GetCallHandle() error = %v", err)
	}
	if got := f.id.Exchanges(); got != 2 {
		t.Errorf("Exchanges() = %d, want 2", got)
	}
}

// emptyResolver answers every resolution with no metadata and no error.
type emptyResolver struct{}

func (emptyResolver) ResolveServiceMetadata(context.Context, *url.URL) (*orgsession.ServiceMetadata, error) {
	return nil, nil
}

// A renewal that finishes after Close must not leave a token behind.
func TestManager_CloseDuringRenewal(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	f.id.Lifetime = 20 * time.Minute
	m := f.newManager(t, federated(t))

	h, err := m.GetCallHandle(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(6 * time.Minute)
	f.id.ExchangeDelay = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := m.GetCallHandle(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for f.id.Exchanges() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("renewal exchange never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := <-done; !errors.Is(err, orgsession.ErrClosed) {
		t.Errorf("GetCallHandle() error = %v, want ErrClosed", err)
	}
	if m.Token() != nil {
		t.Errorf("Token() after Close = %v, want nil", m.Token())
	}
	if m.TokenState() != orgsession.TokenAbsent {
		t.Errorf("TokenState() after Close = %v, want Absent", m.TokenState())
	}

	// Handles issued earlier cannot renew once the session is closed.
	f.id.ExchangeDelay = 0
	if _, err := h.Execute(context.Background(), orgsession.NewWhoAmIRequest()); !errors.Is(err, orgsession.ErrClosed) {
		t.Errorf("Execute() error = %v, want ErrClosed", err)
	}
	if got := f.id.Exchanges(); got != 2 {
		t.Errorf("Exchanges() = %d, want 2", got)
	}
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t, orgsession.SchemeFederated)
	m, err := orgsession.New(context.Background(), serviceURL, federated(t), f.config())
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := m.GetCallHandle(context.Background()); !errors.Is(err, orgsession.ErrClosed) {
		t.Errorf("GetCallHandle() after Close error = %v, want ErrClosed", err)
	}
	if m.TokenState() != orgsession.TokenAbsent {
		t.Errorf("TokenState() after Close = %v, want Absent", m.TokenState())
	}
}

func TestManager_ConsumerIdentityRegistersOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orgsession.SchemeConsumerIdentity)
	f.id.Lifetime = 20 * time.Minute
	login, _ := url.Parse("https://login.live.com/liveidSTS.srf")
	f.id.IssuerEndpoints = map[string]*url.URL{orgsession.IssuerUsername: login}

	creds, err := orgsession.NewConsumerIdentityCredentials("user@live.com", "secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	m := f.newManager(t, creds)

	if f.id.Registrations() != 1 {
		t.Errorf("Registrations() = %d, want 1", f.id.Registrations())
	}
	exchanged := f.id.ExchangedCredentials()
	if len(exchanged) != 1 || exchanged[0].Supporting == nil {
		t.Fatalf("ExchangedCredentials() = %v, want device credential attached", exchanged)
	}
	if eps := f.id.ExchangeEndpoints(); eps[0] != login.String() {
		t.Errorf("ExchangeEndpoints()[0] = %q, want %q", eps[0], login)
	}

	f.clock.Advance(6 * time.Minute)
	if _, err := m.GetCallHandle(ctx); err != nil {
		t.Fatalf("GetCallHandle() error = %v", err)
	}
	if f.id.Registrations() != 1 {
		t.Errorf("Registrations() after renewal = %d, want 1", f.id.Registrations())
	}
	exchanged = f.id.ExchangedCredentials()
	if exchanged[1].Supporting.DeviceID != exchanged[0].Supporting.DeviceID {
		t.Errorf("renewal used device %q, want %q", exchanged[1].Supporting.DeviceID, exchanged[0].Supporting.DeviceID)
	}
}

func TestManager_TokenCacheSkipsExchange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orgsession.SchemeFederated)
	cache := orgsession.NewTokenCache(filepath.Join(t.TempDir(), "token.json"))
	cfg := f.config()
	cfg.TokenCache = cache

	first, err := orgsession.New(ctx, serviceURL, federated(t), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	firstTok := first.Token()
	_ = first.Close()

	second, err := orgsession.New(ctx, serviceURL, federated(t), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = second.Close() }()

	if f.id.Exchanges() != 1 {
		t.Errorf("Exchanges() = %d, want 1 (second session resumed from cache)", f.id.Exchanges())
	}
	if second.Token().String() != firstTok.String() {
		t.Errorf("resumed token = %q, want %q", second.Token(), firstTok)
	}

	// Another principal must not pick up the cached token.
	other, _ := orgsession.NewFederatedCredentials("bob@contoso.com", "secret", nil)
	third, err := orgsession.New(ctx, serviceURL, other, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = third.Close() }()
	if f.id.Exchanges() != 2 {
		t.Errorf("Exchanges() = %d, want 2", f.id.Exchanges())
	}
}

func TestIsAuthenticationFailure(t *testing.T) {
	if !orgsession.IsAuthenticationFailure(fmt.Errorf("wrap: %w", orgsession.ErrAuthenticationFailure)) {
		t.Error("IsAuthenticationFailure() = false for wrapped sentinel")
	}
	if orgsession.IsAuthenticationFailure(errors.New("other")) {
		t.Error("IsAuthenticationFailure() = true for unrelated error")
	}
}
