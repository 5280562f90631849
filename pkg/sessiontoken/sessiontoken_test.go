package sessiontoken

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adimov-eth/vibecheck-sub003/pkg/keyring"
)

// fakeKeyProvider is an in-memory stand-in for the Key-Ring Service.
type fakeKeyProvider struct {
	current string
	keys    map[string]*keyring.Key
}

func newFakeKeyProvider() *fakeKeyProvider {
	return &fakeKeyProvider{keys: make(map[string]*keyring.Key)}
}

func (f *fakeKeyProvider) GetCurrentSigningKeyID(ctx context.Context) (string, bool, error) {
	return f.current, f.current != "", nil
}

func (f *fakeKeyProvider) GetKeyByID(ctx context.Context, id string) (*keyring.Key, error) {
	return f.keys[id], nil
}

func (f *fakeKeyProvider) addActiveKey(id string, secret []byte) {
	f.keys[id] = &keyring.Key{ID: id, Secret: secret, Algorithm: keyring.Algorithm, Status: keyring.StatusActive}
	f.current = id
}

func TestCreateVerify_LegacySecretFallback(t *testing.T) {
	fake := newFakeKeyProvider() // no current key
	svc := New(fake, nil, "a-legacy-secret-that-is-long-enough", time.Hour)

	token, err := svc.Create(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	userID, err := svc.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != "user-1" {
		t.Errorf("Verify() userID = %q, want %q", userID, "user-1")
	}
}

func TestCreateVerify_CurrentKey(t *testing.T) {
	fake := newFakeKeyProvider()
	fake.addActiveKey("kid-1", make([]byte, 64))
	svc := New(fake, nil, "legacy-secret-value-long-enough", time.Hour)

	token, err := svc.Create(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	userID, err := svc.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != "user-2" {
		t.Errorf("Verify() userID = %q, want %q", userID, "user-2")
	}
}

// TestKeyRotationMidVerify covers a token signed under K1 that keeps
// verifying after K2 becomes current and K1 is demoted to rotating, but
// fails once K1 is revoked.
func TestKeyRotationMidVerify(t *testing.T) {
	fake := newFakeKeyProvider()
	fake.addActiveKey("k1", make([]byte, 64))
	svc := New(fake, nil, "legacy-secret-value-long-enough", time.Hour)

	s1, err := svc.Create(context.Background(), "user-3")
	if err != nil {
		t.Fatalf("Create(S1) error = %v", err)
	}

	// Rotate: k2 becomes current, k1 is demoted but still present.
	fake.keys["k2"] = &keyring.Key{ID: "k2", Secret: make([]byte, 64), Status: keyring.StatusActive}
	fake.current = "k2"
	fake.keys["k1"].Status = keyring.StatusRotating

	if _, err := svc.Verify(context.Background(), s1); err != nil {
		t.Fatalf("Verify(S1) after rotation error = %v, want success", err)
	}

	// Revoke k1: existing token must now fail. The key_revoked event also
	// clears the local verification-key cache, mirrored here by calling
	// InvalidateCache directly.
	fake.keys["k1"].Status = keyring.StatusExpired
	fake.keys["k1"].Revoked = true
	svc.InvalidateCache()

	if _, err := svc.Verify(context.Background(), s1); err == nil {
		t.Error("Verify(S1) after revocation should fail")
	}

	// A newly issued token under k2 verifies.
	s2, err := svc.Create(context.Background(), "user-3")
	if err != nil {
		t.Fatalf("Create(S2) error = %v", err)
	}
	if _, err := svc.Verify(context.Background(), s2); err != nil {
		t.Errorf("Verify(S2) error = %v, want success", err)
	}
}

func TestVerify_MalformedToken(t *testing.T) {
	svc := New(newFakeKeyProvider(), nil, "legacy-secret-value-long-enough", time.Hour)

	_, err := svc.Verify(context.Background(), "not-a-jwt")
	if err == nil {
		t.Fatal("Verify() with malformed token should fail")
	}
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T, want *AuthenticationError", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	fake := newFakeKeyProvider()
	svc := New(fake, nil, "legacy-secret-value-that-is-long-enough", -time.Hour)

	token, err := svc.Create(context.Background(), "user-4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = svc.Verify(context.Background(), token)
	if err == nil {
		t.Fatal("Verify() of an already-expired token should fail")
	}
}

func TestVerify_UnknownKeyID(t *testing.T) {
	svc := New(newFakeKeyProvider(), nil, "legacy-secret-value-long-enough", time.Hour)

	// A token claiming a kid the fake provider has never heard of.
	other := newFakeKeyProvider()
	other.addActiveKey("ghost", make([]byte, 64))
	ghostSvc := New(other, nil, "legacy-secret-value-long-enough", time.Hour)
	token, _ := ghostSvc.Create(context.Background(), "user-5")

	if _, err := svc.Verify(context.Background(), token); err == nil {
		t.Error("Verify() with unrecognized kid should fail")
	}
}

func TestInvalidateCache_ClearsEntries(t *testing.T) {
	fake := newFakeKeyProvider()
	fake.addActiveKey("kid-x", make([]byte, 64))
	svc := New(fake, nil, "legacy-secret-value-long-enough", time.Hour)

	token, _ := svc.Create(context.Background(), "user-6")
	if _, err := svc.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	svc.InvalidateCache()

	if len(svc.cache) != 0 {
		t.Errorf("cache size after InvalidateCache() = %d, want 0", len(svc.cache))
	}
}

// TestVerify_AgedOutKeyStillVerifies covers the grace-period contract: a
// key that merely aged out of the active set (expired status, not revoked)
// keeps verifying tokens until its TTL removes it from the store.
func TestVerify_AgedOutKeyStillVerifies(t *testing.T) {
	fake := newFakeKeyProvider()
	fake.addActiveKey("k-old", make([]byte, 64))
	svc := New(fake, nil, "legacy-secret-value-long-enough", time.Hour)

	token, err := svc.Create(context.Background(), "user-7")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fake.keys["k-old"].Status = keyring.StatusExpired // aged out, not revoked
	svc.InvalidateCache()

	userID, err := svc.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() with aged-out key error = %v, want success", err)
	}
	if userID != "user-7" {
		t.Errorf("userID = %q, want user-7", userID)
	}
}

func TestVerify_WrongSignatureRejected(t *testing.T) {
	fake := newFakeKeyProvider()
	fake.addActiveKey("k-sig", []byte("secret-material-A-secret-material-A-secret-material-A-secret-64b"))
	svc := New(fake, nil, "legacy-secret-value-long-enough", time.Hour)

	token, err := svc.Create(context.Background(), "user-8")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Same kid, different material: the signature no longer matches.
	fake.keys["k-sig"].Secret = []byte("secret-material-B-secret-material-B-secret-material-B-secret-64b")
	svc.InvalidateCache()

	_, err = svc.Verify(context.Background(), token)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonInvalidSignature {
		t.Errorf("Verify() = %v, want AuthenticationError(invalid signature)", err)
	}
}
