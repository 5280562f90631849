// Package cryptoenv implements the Encryption Service:
// authenticated symmetric encryption for at-rest key material, with a
// 256-bit key derived from a server secret via a memory/CPU-hard KDF.
//
// Bcrypt is a password hash, not a KDF suited for deriving a symmetric key
// of a chosen size, so this package uses scrypt (golang.org/x/crypto) to
// derive the AEAD key, and chacha20poly1305 for the AEAD itself.
package cryptoenv

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// AlgoVersion identifies the KDF salt/parameter generation in use. Envelopes
// carry their version so a salt rotation can coexist with already-encrypted
// records; readers must accept any known version.
type AlgoVersion int

const (
	// AlgoV1 is the only version in use today.
	AlgoV1 AlgoVersion = 1
)

// salts are fixed, versioned, non-secret KDF salts. Rotating the salt means
// adding a new entry and bumping currentVersion; existing envelopes keep
// decrypting under the version they were written with.
var salts = map[AlgoVersion][]byte{
	AlgoV1: []byte("vibecheck-keyring-kdf-salt-v1"),
}

const currentVersion = AlgoV1

const (
	keyLen  = chacha20poly1305.KeySize
	ivLen   = chacha20poly1305.NonceSize
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrUnknownVersion is returned when an envelope names a KDF version this
// build does not recognize.
var ErrUnknownVersion = errors.New("cryptoenv: unknown algo version")

// Envelope is the at-rest representation of an encrypted record.
type Envelope struct {
	Ciphertext  string      `json:"ciphertext"`
	IV          string      `json:"iv"`
	Tag         string      `json:"tag"` // informational: chacha20poly1305 appends the tag to Ciphertext
	AlgoVersion AlgoVersion `json:"algoVersion"`
}

// Service derives a symmetric key from a server secret and seals/opens
// Envelopes.
type Service struct {
	serverSecret string
	keyCache     map[AlgoVersion][]byte
}

// New creates a Service. serverSecret must be non-empty; it never leaves
// this process and is never logged.
func New(serverSecret string) (*Service, error) {
	if serverSecret == "" {
		return nil, errors.New("cryptoenv: server secret must not be empty")
	}
	return &Service{serverSecret: serverSecret, keyCache: make(map[AlgoVersion][]byte)}, nil
}

func (s *Service) deriveKey(version AlgoVersion) ([]byte, error) {
	if key, ok := s.keyCache[version]; ok {
		return key, nil
	}
	salt, ok := salts[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	key, err := scrypt.Key([]byte(s.serverSecret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	s.keyCache[version] = key
	return key, nil
}

// Seal encrypts plaintext under the current algo version and returns the
// stored envelope.
func (s *Service) Seal(plaintext []byte) (Envelope, error) {
	key, err := s.deriveKey(currentVersion)
	if err != nil {
		return Envelope{}, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("constructing AEAD: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generating iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)

	return Envelope{
		Ciphertext:  base64.StdEncoding.EncodeToString(sealed),
		IV:          base64.StdEncoding.EncodeToString(iv),
		Tag:         "",
		AlgoVersion: currentVersion,
	}, nil
}

// Open decrypts env and returns the plaintext. It accepts any known
// AlgoVersion, not just the current one, so that salt rotation does not
// break previously written records.
func (s *Service) Open(env Envelope) ([]byte, error) {
	key, err := s.deriveKey(env.AlgoVersion)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting envelope: %w", err)
	}
	return plaintext, nil
}
