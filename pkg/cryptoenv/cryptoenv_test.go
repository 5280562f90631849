package cryptoenv

import (
	"testing"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	svc, err := New("test-server-secret-at-least-this-long")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	plaintext := []byte("super secret signing key material")
	env, err := svc.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if env.AlgoVersion != currentVersion {
		t.Errorf("AlgoVersion = %d, want %d", env.AlgoVersion, currentVersion)
	}

	got, err := svc.Open(env)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

func TestSeal_DistinctIVsPerCall(t *testing.T) {
	svc, _ := New("another-server-secret-value")

	env1, _ := svc.Seal([]byte("same plaintext"))
	env2, _ := svc.Seal([]byte("same plaintext"))

	if env1.IV == env2.IV {
		t.Error("Seal() produced identical IVs across calls")
	}
	if env1.Ciphertext == env2.Ciphertext {
		t.Error("Seal() produced identical ciphertexts across calls despite random IV")
	}
}

func TestOpen_UnknownVersionRejected(t *testing.T) {
	svc, _ := New("server-secret")
	env := Envelope{Ciphertext: "x", IV: "y", AlgoVersion: AlgoVersion(99)}

	if _, err := svc.Open(env); err == nil {
		t.Error("Open() with unknown version should fail")
	}
}

func TestOpen_TamperedCiphertextRejected(t *testing.T) {
	svc, _ := New("server-secret-for-tamper-test")
	env, err := svc.Seal([]byte("original"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	env.Ciphertext = env.Ciphertext[:len(env.Ciphertext)-4] + "abcd"

	if _, err := svc.Open(env); err == nil {
		t.Error("Open() should reject a tampered ciphertext")
	}
}

func TestNew_RejectsEmptySecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New() with empty secret should fail")
	}
}
