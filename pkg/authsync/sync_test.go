package authsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/protocol"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type stubProvider struct {
	status Status
	err    error
	calls  int

	logoutErr   error
	logoutCalls int
}

func (p *stubProvider) Check(context.Context) (Status, error) {
	p.calls++
	return p.status, p.err
}

func (p *stubProvider) Logout(context.Context) error {
	p.logoutCalls++
	return p.logoutErr
}

func TestCheckUsesValidCache(t *testing.T) {
	store := NewMemoryStore()
	provider := &stubProvider{}
	s := New(store, provider, nil, WithSyncLogger(quietLogger()))

	cached := Status{Authenticated: true, Expires: time.Now().Add(time.Hour)}
	if err := store.Save(context.Background(), DefaultStorageKey, cached); err != nil {
		t.Fatal(err)
	}

	got := s.Check(context.Background())
	if !got.Authenticated {
		t.Fatal("cached status lost")
	}
	if provider.calls != 0 {
		t.Fatalf("provider called %d times despite valid cache", provider.calls)
	}
}

func TestCheckExpiredCacheHitsProvider(t *testing.T) {
	store := NewMemoryStore()
	provider := &stubProvider{status: Status{Authenticated: true}}
	s := New(store, provider, nil, WithSyncLogger(quietLogger()))

	stale := Status{Authenticated: true, Expires: time.Now().Add(-time.Minute)}
	_ = store.Save(context.Background(), DefaultStorageKey, stale)

	got := s.Check(context.Background())
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}
	if !got.Authenticated {
		t.Fatal("provider result lost")
	}
	// Fresh result must be persisted.
	saved, ok, _ := store.Load(context.Background(), DefaultStorageKey)
	if !ok || saved.CheckedAt.IsZero() {
		t.Fatalf("fresh status not persisted: %+v ok=%v", saved, ok)
	}
}

func TestCheckUnauthenticatedClearsCache(t *testing.T) {
	store := NewMemoryStore()
	provider := &stubProvider{status: Status{Authenticated: false}}
	s := New(store, provider, nil, WithSyncLogger(quietLogger()))

	_ = store.Save(context.Background(), DefaultStorageKey, Status{Authenticated: true, Expires: time.Now().Add(-time.Minute)})

	if got := s.Check(context.Background()); got.Authenticated {
		t.Fatal("unauthenticated result lost")
	}
	if _, ok, _ := store.Load(context.Background(), DefaultStorageKey); ok {
		t.Fatal("stale cache entry survived an unauthenticated check")
	}
}

func TestFallbackFavorsAvailability(t *testing.T) {
	provider := &stubProvider{err: errors.New("network down")}

	s := New(NewMemoryStore(), provider, func() string { return "/dashboard" },
		WithSyncLogger(quietLogger()))
	if got := s.Check(context.Background()); !got.Authenticated {
		t.Fatal("fallback should presume a live session off the login path")
	}

	s = New(NewMemoryStore(), provider, func() string { return "/login" },
		WithSyncLogger(quietLogger()))
	if got := s.Check(context.Background()); got.Authenticated {
		t.Fatal("fallback presumed a session on the login path")
	}
}

func TestLogoutClearsCacheEvenOnRemoteFailure(t *testing.T) {
	store := NewMemoryStore()
	provider := &stubProvider{logoutErr: errors.New("remote down")}
	s := New(store, provider, nil, WithSyncLogger(quietLogger()))

	_ = store.Save(context.Background(), DefaultStorageKey, Status{Authenticated: true})
	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if provider.logoutCalls != 1 {
		t.Fatalf("remote logout calls = %d", provider.logoutCalls)
	}
	if _, ok, _ := store.Load(context.Background(), DefaultStorageKey); ok {
		t.Fatal("cache entry survived logout")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, ok, _ := store.Load(ctx, "missing"); ok {
		t.Fatal("load of missing key reported a hit")
	}

	want := Status{
		Authenticated: true,
		User:          map[string]any{"name": "ada"},
		Token:         "tok",
		Expires:       time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := store.Save(ctx, "app/session", want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := store.Load(ctx, "app/session")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !got.Authenticated || got.Token != "tok" || !got.Expires.Equal(want.Expires) {
		t.Fatalf("got %+v", got)
	}

	if err := store.Clear(ctx, "app/session"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Load(ctx, "app/session"); ok {
		t.Fatal("entry survived clear")
	}
	// Clearing again is not an error.
	if err := store.Clear(ctx, "app/session"); err != nil {
		t.Fatal(err)
	}
}

func TestOAuthProviderCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"authenticated":true,"user":{"name":"ada"},"expires":4102444800000}`))
	}))
	defer srv.Close()

	p := &OAuthProvider{Endpoint: srv.URL, Token: "tok", Log: quietLogger()}
	got, err := p.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Authenticated || got.Expires.IsZero() {
		t.Fatalf("got %+v", got)
	}

	p.Token = "wrong"
	got, err = p.Check(context.Background())
	if err != nil {
		t.Fatalf("401 must resolve, not error: %v", err)
	}
	if got.Authenticated {
		t.Fatal("401 reported authenticated")
	}
}

func TestOAuthProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &OAuthProvider{Endpoint: srv.URL, Log: quietLogger()}
	if _, err := p.Check(context.Background()); err == nil {
		t.Fatal("5xx should surface as an error so the fallback engages")
	}
}

type stubFrame struct{ status protocol.AuthStatusPayload }

func (f *stubFrame) CheckAuthStatus(context.Context) protocol.AuthStatusPayload { return f.status }

func TestFirebaseProviderNeverErrors(t *testing.T) {
	p := &FirebaseProvider{Frame: &stubFrame{status: protocol.AuthStatusPayload{Authenticated: true}}}
	got, err := p.Check(context.Background())
	if err != nil || !got.Authenticated {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestProviderFor(t *testing.T) {
	frame := &stubFrame{}
	tests := []struct {
		spec *protocol.AuthSpec
		want string
	}{
		{nil, "*authsync.FirebaseProvider"},
		{&protocol.AuthSpec{Provider: protocol.ProviderFirebase}, "*authsync.FirebaseProvider"},
		{&protocol.AuthSpec{Provider: protocol.ProviderOAuth, CheckEndpoint: "http://x"}, "*authsync.OAuthProvider"},
		{&protocol.AuthSpec{Provider: protocol.ProviderCustom, CheckEndpoint: "http://x"}, "*authsync.CustomProvider"},
		{&protocol.AuthSpec{Provider: "exotic", CheckEndpoint: "http://x"}, "*authsync.CustomProvider"},
		{&protocol.AuthSpec{Provider: "exotic"}, "*authsync.FirebaseProvider"},
	}
	for _, tt := range tests {
		p := ProviderFor(tt.spec, frame, nil, quietLogger())
		if got := typeName(p); got != tt.want {
			t.Fatalf("ProviderFor(%+v) = %s, want %s", tt.spec, got, tt.want)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *FirebaseProvider:
		return "*authsync.FirebaseProvider"
	case *OAuthProvider:
		return "*authsync.OAuthProvider"
	case *CustomProvider:
		return "*authsync.CustomProvider"
	default:
		return "unknown"
	}
}
