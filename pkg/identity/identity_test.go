package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeResultCache is an in-memory ResultCache.
type fakeResultCache struct {
	mu   sync.Mutex
	vals map[string]string
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{vals: make(map[string]string)}
}

func (f *fakeResultCache) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	return v, ok, nil
}

func (f *fakeResultCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = value
	return nil
}

// newOIDCServer stands up a discovery + JWKS endpoint pair backed by a
// fresh RSA key, the same surface go-oidc fetches from a real provider.
func newOIDCServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"issuer":                 srv.URL,
			"jwks_uri":               srv.URL + "/keys",
			"authorization_endpoint": srv.URL + "/auth",
			"token_endpoint":         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{ //nolint:errcheck
			Keys: []jose.JSONWebKey{{Key: key.Public(), KeyID: "test-key", Algorithm: "RS256", Use: "sig"}},
		})
	})
	return srv, key
}

func mintIdentityToken(t *testing.T, key *rsa.PrivateKey, issuer, audience, sub, email string, expiry time.Time) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithHeader("kid", "test-key"),
	)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	claims := jwt.Claims{
		Issuer:   issuer,
		Audience: jwt.Audience{audience},
		Subject:  sub,
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		Expiry:   jwt.NewNumericDate(expiry),
	}
	custom := struct {
		Email string `json:"email,omitempty"`
	}{Email: email}

	token, err := jwt.Signed(signer).Claims(claims).Claims(custom).Serialize()
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestVerify_AcceptsAnyListedAudience(t *testing.T) {
	srv, key := newOIDCServer(t)
	defer srv.Close()

	// The matching audience is second in the list: the iteration must keep
	// going past the first mismatch.
	v := New(srv.URL, []string{"com.app.other", "com.app.primary"}, time.Hour, time.Minute, newFakeResultCache(), discardLogger())
	token := mintIdentityToken(t, key, srv.URL, "com.app.primary", "apple|abc", "u@x.io", time.Now().Add(time.Hour))

	claims, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "apple|abc" || claims.Email != "u@x.io" {
		t.Errorf("claims = %+v, want subject apple|abc and email u@x.io", claims)
	}
}

func TestVerify_EmailOptional(t *testing.T) {
	srv, key := newOIDCServer(t)
	defer srv.Close()

	v := New(srv.URL, []string{"com.app.primary"}, time.Hour, time.Minute, nil, discardLogger())
	token := mintIdentityToken(t, key, srv.URL, "com.app.primary", "apple|abc", "", time.Now().Add(time.Hour))

	claims, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "apple|abc" || claims.Email != "" {
		t.Errorf("claims = %+v, want subject without email", claims)
	}
}

func TestVerify_RejectsUnlistedAudience(t *testing.T) {
	srv, key := newOIDCServer(t)
	defer srv.Close()

	v := New(srv.URL, []string{"com.app.primary"}, time.Hour, time.Minute, nil, discardLogger())
	token := mintIdentityToken(t, key, srv.URL, "com.evil.app", "apple|abc", "u@x.io", time.Now().Add(time.Hour))

	_, err := v.Verify(context.Background(), token)
	if err == nil || !strings.Contains(err.Error(), "not accepted") {
		t.Errorf("Verify = %v, want audience-not-accepted error", err)
	}
}

func TestVerify_ExpiredTokenShortCircuits(t *testing.T) {
	srv, key := newOIDCServer(t)
	defer srv.Close()

	v := New(srv.URL, []string{"com.app.primary"}, time.Hour, time.Minute, nil, discardLogger())
	token := mintIdentityToken(t, key, srv.URL, "com.app.primary", "apple|abc", "u@x.io", time.Now().Add(-time.Hour))

	_, err := v.Verify(context.Background(), token)
	if err == nil {
		t.Fatal("Verify of an expired token should fail")
	}
	if strings.Contains(err.Error(), "not accepted") {
		t.Errorf("expiry misreported as audience rejection: %v", err)
	}
}

func TestVerify_MissingSubRejected(t *testing.T) {
	srv, key := newOIDCServer(t)
	defer srv.Close()

	v := New(srv.URL, []string{"com.app.primary"}, time.Hour, time.Minute, nil, discardLogger())
	token := mintIdentityToken(t, key, srv.URL, "com.app.primary", "", "u@x.io", time.Now().Add(time.Hour))

	_, err := v.Verify(context.Background(), token)
	if err == nil || !strings.Contains(err.Error(), "sub") {
		t.Errorf("Verify = %v, want missing-sub error", err)
	}
}

func TestVerify_CachesSuccess(t *testing.T) {
	srv, key := newOIDCServer(t)
	defer srv.Close()

	cache := newFakeResultCache()
	v := New(srv.URL, []string{"com.app.primary"}, time.Hour, time.Minute, cache, discardLogger())
	token := mintIdentityToken(t, key, srv.URL, "com.app.primary", "apple|abc", "u@x.io", time.Now().Add(time.Hour))

	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	cached, ok := cache.vals[v.resultCacheKey(token)]
	if !ok {
		t.Fatal("successful verification was not cached")
	}
	if cached != "apple|abc\x1fu@x.io" {
		t.Errorf("cached payload = %q", cached)
	}
}

func TestVerify_CachesFailure(t *testing.T) {
	srv, key := newOIDCServer(t)
	defer srv.Close()

	cache := newFakeResultCache()
	v := New(srv.URL, []string{"com.app.primary"}, time.Hour, time.Minute, cache, discardLogger())
	token := mintIdentityToken(t, key, srv.URL, "com.evil.app", "apple|abc", "u@x.io", time.Now().Add(time.Hour))

	if _, err := v.Verify(context.Background(), token); err == nil {
		t.Fatal("Verify should fail for an unlisted audience")
	}

	cached, ok := cache.vals[v.resultCacheKey(token)]
	if !ok || !strings.HasPrefix(cached, "!") {
		t.Errorf("cached failure = (%q, %v), want a !-prefixed entry", cached, ok)
	}
}

// TestVerify_ServesCachedResult proves the cache is consulted before any
// provider work: the issuer URL points nowhere, so an uncached path would
// fail discovery.
func TestVerify_ServesCachedResult(t *testing.T) {
	cache := newFakeResultCache()
	v := New("http://127.0.0.1:1", []string{"com.app.primary"}, time.Hour, time.Minute, cache, discardLogger())

	cache.vals[v.resultCacheKey("tok-hit")] = "apple|abc\x1fu@x.io"
	claims, err := v.Verify(context.Background(), "tok-hit")
	if err != nil {
		t.Fatalf("Verify of cached success: %v", err)
	}
	if claims.Subject != "apple|abc" || claims.Email != "u@x.io" {
		t.Errorf("claims = %+v", claims)
	}

	cache.vals[v.resultCacheKey("tok-miss")] = "!verification failed before"
	_, err = v.Verify(context.Background(), "tok-miss")
	if err == nil || err.Error() != "verification failed before" {
		t.Errorf("Verify of cached failure = %v, want the cached error text", err)
	}
}

// TestProviderCache_ServesStaleOnRefreshFailure kills the provider after
// a successful discovery and forces a refresh: the stale provider must be
// served rather than an error.
func TestProviderCache_ServesStaleOnRefreshFailure(t *testing.T) {
	srv, _ := newOIDCServer(t)

	v := New(srv.URL, []string{"com.app.primary"}, time.Hour, time.Minute, nil, discardLogger())
	first, err := v.cache.get(context.Background(), discardLogger())
	if err != nil {
		t.Fatalf("initial provider fetch: %v", err)
	}

	srv.Close()
	v.cache.fetchedAt = time.Now().Add(-2 * time.Hour)

	second, err := v.cache.get(context.Background(), discardLogger())
	if err != nil {
		t.Fatalf("refresh with dead provider: %v, want stale serve", err)
	}
	if second != first {
		t.Error("expected the stale provider instance to be reused")
	}
}

func TestSplitOnce(t *testing.T) {
	cases := []struct {
		in       string
		wantSub  string
		wantRest string
	}{
		{"apple|abc\x1fuser@x.io", "apple|abc", "user@x.io"},
		{"apple|abc\x1f", "apple|abc", ""},
		{"no-separator", "no-separator", ""},
	}
	for _, c := range cases {
		got := splitOnce(c.in, '\x1f')
		if got[0] != c.wantSub || got[1] != c.wantRest {
			t.Errorf("splitOnce(%q) = %v, want [%q %q]", c.in, got, c.wantSub, c.wantRest)
		}
	}
}

func TestIsAudienceMismatch(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New(`oidc: expected audience "com.app.primary" got ["com.other"]`), true},
		{errors.New("oidc: token is expired"), false},
		{errors.New("failed to verify signature"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isAudienceMismatch(c.err); got != c.want {
			t.Errorf("isAudienceMismatch(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
