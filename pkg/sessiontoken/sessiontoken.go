// Package sessiontoken implements the Session Token Service:
// signs and verifies bearer tokens using the current key from the
// Key-Ring, embedding the key id in the token header, with a legacy-secret
// fallback and a local verification-key cache invalidated by key-ring
// pub/sub events.
package sessiontoken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/adimov-eth/vibecheck-sub003/pkg/keyring"
	"github.com/adimov-eth/vibecheck-sub003/pkg/kv"
)

const issuer = "vibecheck"

const verificationCacheTTL = 5 * time.Minute

// Reason is a coarse, user-safe verification failure reason.
type Reason string

const (
	ReasonExpired          Reason = "expired"
	ReasonInvalidSignature Reason = "invalid signature"
	ReasonInvalidPayload   Reason = "invalid payload"
	ReasonUnknownKey       Reason = "unknown key"
)

// AuthenticationError is returned by Verify on any verification failure.
type AuthenticationError struct {
	Reason Reason
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("session token: %s", e.Reason)
}

// Claims is the payload embedded in every session token.
type Claims struct {
	UserID    string `json:"userId"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type cacheEntry struct {
	material []byte
	cachedAt time.Time
}

// KeyProvider is the subset of the Key-Ring Service this package depends
// on; it exists so tests can substitute a fake without a live KV store.
// *keyring.Service satisfies it.
type KeyProvider interface {
	GetCurrentSigningKeyID(ctx context.Context) (string, bool, error)
	GetKeyByID(ctx context.Context, id string) (*keyring.Key, error)
}

// Subscriber is the subset of the KV facade needed for cache invalidation.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(kv.Message)) error
}

// Service signs and verifies bearer session tokens.
type Service struct {
	keyring      KeyProvider
	kv           Subscriber
	legacySecret []byte
	expiresIn    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry // keyId -> material
}

// New creates a Service. legacySecret is used to sign/verify tokens when
// the Key-Ring has no current signing key.
func New(kr KeyProvider, store Subscriber, legacySecret string, expiresIn time.Duration) *Service {
	return &Service{
		keyring:      kr,
		kv:           store,
		legacySecret: []byte(legacySecret),
		expiresIn:    expiresIn,
		cache:        make(map[string]cacheEntry),
	}
}

// Create issues a signed bearer token for userId. If the Key-Ring has no
// current signing key, it falls back to the legacy secret and the token is
// issued without a key identifier.
func (s *Service) Create(ctx context.Context, userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.expiresIn).Unix(),
	}

	keyID, hasCurrent, err := s.keyring.GetCurrentSigningKeyID(ctx)
	if err != nil {
		return "", fmt.Errorf("looking up current signing key: %w", err)
	}

	var signingMaterial []byte
	var kid string
	if hasCurrent && keyID != "" {
		k, err := s.keyring.GetKeyByID(ctx, keyID)
		if err != nil {
			return "", fmt.Errorf("fetching current signing key: %w", err)
		}
		if k == nil {
			return "", errors.New("current signing key id set but key missing")
		}
		signingMaterial = k.Secret
		kid = k.ID
	} else {
		signingMaterial = s.legacySecret
	}

	opts := &jose.SignerOptions{}
	opts = opts.WithType("JWT")
	if kid != "" {
		opts = opts.WithHeader("kid", kid)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: signingMaterial}, opts)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	registered := jwt.Claims{
		Subject:  userID,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(s.expiresIn)),
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify validates a bearer token and returns the embedded userId.
func (s *Service) Verify(ctx context.Context, raw string) (string, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", &AuthenticationError{Reason: ReasonInvalidPayload}
	}

	kid := ""
	if len(tok.Headers) > 0 {
		kid = tok.Headers[0].KeyID
	}

	material, err := s.verificationMaterial(ctx, kid)
	if err != nil {
		return "", err
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(material, &registered, &custom); err != nil {
		return "", &AuthenticationError{Reason: ReasonInvalidSignature}
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: issuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return "", &AuthenticationError{Reason: ReasonExpired}
		}
		return "", &AuthenticationError{Reason: ReasonInvalidPayload}
	}

	if custom.UserID == "" {
		return "", &AuthenticationError{Reason: ReasonInvalidPayload}
	}

	return custom.UserID, nil
}

// verificationMaterial resolves the key bytes for kid, using the legacy
// secret when kid is empty and the local cache (with key-ring fallback)
// otherwise.
func (s *Service) verificationMaterial(ctx context.Context, kid string) ([]byte, error) {
	if kid == "" {
		return s.legacySecret, nil
	}

	s.mu.Lock()
	entry, ok := s.cache[kid]
	s.mu.Unlock()
	if ok && time.Since(entry.cachedAt) < verificationCacheTTL {
		return entry.material, nil
	}

	k, err := s.keyring.GetKeyByID(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("fetching key %s: %w", kid, err)
	}
	// A key that merely aged out of the active set still verifies until its
	// TTL; only a revoked key (or one the ring no longer holds) rejects.
	if k == nil || k.Revoked {
		return nil, &AuthenticationError{Reason: ReasonUnknownKey}
	}

	s.mu.Lock()
	s.cache[kid] = cacheEntry{material: k.Secret, cachedAt: time.Now()}
	s.mu.Unlock()

	return k.Secret, nil
}

// InvalidateCache clears the local verification-key cache. Callers should
// invoke this on receipt of any key_rotated or key_revoked event from the
// key-updates channel.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

// RunCacheInvalidationLoop subscribes to the key-updates channel and clears
// the verification-key cache on every event, until ctx is cancelled.
func (s *Service) RunCacheInvalidationLoop(ctx context.Context, channel string) error {
	return s.kv.Subscribe(ctx, channel, func(kv.Message) {
		s.InvalidateCache()
	})
}
