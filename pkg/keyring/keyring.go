// Package keyring implements the Key-Ring Service: a
// rotating pool of symmetric signing keys, stored encrypted in the KV
// store, with distributed-lock-coordinated rotation.
package keyring

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/adimov-eth/vibecheck-sub003/internal/telemetry"
	"github.com/adimov-eth/vibecheck-sub003/pkg/cryptoenv"
)

// Status is the lifecycle state of a signing key.
type Status string

const (
	StatusActive   Status = "active"
	StatusRotating Status = "rotating"
	StatusExpired  Status = "expired"
)

// Algorithm is the signing algorithm a key is used with. This service only
// mints HS256 material; the field exists so verification code never has to
// guess.
const Algorithm = "HS256"

const secretBytes = 64 // 512 bits

// KeyUpdatesChannel is the KV pub/sub channel a rotation or revocation is
// announced on. sessiontoken subscribes to it to invalidate its
// verification-key cache.
const KeyUpdatesChannel = "key-updates"

// KV key layout.
const (
	keyPrefix    = "keys:"
	allKeysSet   = "keys:all"
	revokedSet   = "keys:revoked"
	currentKey   = "keys:current"
	rotationLock = "keys:rotation:lock"
	keyUpdatesCh = KeyUpdatesChannel
)

func keyKey(id string) string { return keyPrefix + id }

// Key is a signing key as seen by callers — the decrypted secret is only
// ever held in memory for the lifetime of a single operation. Revoked
// distinguishes a key pulled for cause from one that merely aged out: an
// aged-out key still verifies until its TTL, a revoked key never does.
type Key struct {
	ID        string
	Secret    []byte
	Algorithm string
	Status    Status
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// KV is the subset of the KV-Store Facade this service depends on.
// *kv.Store satisfies it; tests substitute an in-memory fake.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	SetAdd(ctx context.Context, key, member string) error
	SetContains(ctx context.Context, key, member string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	Publish(ctx context.Context, channel, payload string) error
}

// storedKey is the JSON shape persisted (encrypted) under keys:<id>.
type storedKey struct {
	ID        string             `json:"id"`
	Envelope  cryptoenv.Envelope `json:"envelope"`
	Algorithm string             `json:"algorithm"`
	Status    Status             `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// Config is the rotation schedule.
type Config struct {
	RotationInterval time.Duration
	GracePeriod      time.Duration
	MaxActiveKeys    int
	CheckInterval    time.Duration
	LockTTL          time.Duration
}

// Event is published to the key-updates channel on rotation/revocation.
type Event struct {
	Event string `json:"event"` // "key_rotated" | "key_revoked"
	KeyID string `json:"keyId"`
}

// Service is the Key-Ring Service.
type Service struct {
	kv           KV
	enc          *cryptoenv.Service
	logger       *slog.Logger
	cfg          Config
	processNonce string
}

// New creates a Service. processNonce must be unique per server process —
// it is the lock-ownership token for CheckAndRotateKeys.
func New(store KV, enc *cryptoenv.Service, logger *slog.Logger, cfg Config, processNonce string) *Service {
	return &Service{kv: store, enc: enc, logger: logger, cfg: cfg, processNonce: processNonce}
}

// GenerateNewKey creates a new active signing key, persists it encrypted
// with a TTL matching its expiry, adds it to the all-keys set, and makes
// it the current signer if none is set yet.
func (s *Service) GenerateNewKey(ctx context.Context) (*Key, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating key secret: %w", err)
	}

	now := time.Now()
	k := &Key{
		ID:        uuid.NewString(),
		Secret:    secret,
		Algorithm: Algorithm,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RotationInterval + s.cfg.GracePeriod),
	}

	if err := s.persist(ctx, k); err != nil {
		return nil, err
	}

	if err := s.kv.SetAdd(ctx, allKeysSet, k.ID); err != nil {
		return nil, fmt.Errorf("adding key to all-keys set: %w", err)
	}

	_, currentSet, err := s.kv.Get(ctx, currentKey)
	if err != nil {
		return nil, fmt.Errorf("checking current signing key: %w", err)
	}
	if !currentSet {
		if err := s.kv.Set(ctx, currentKey, k.ID, 0); err != nil {
			return nil, fmt.Errorf("setting current signing key: %w", err)
		}
	}

	return k, nil
}

func (s *Service) persist(ctx context.Context, k *Key) error {
	env, err := s.enc.Seal(k.Secret)
	if err != nil {
		return fmt.Errorf("sealing key secret: %w", err)
	}

	sk := storedKey{
		ID:        k.ID,
		Envelope:  env,
		Algorithm: k.Algorithm,
		Status:    k.Status,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
	payload, err := json.Marshal(sk)
	if err != nil {
		return fmt.Errorf("marshaling stored key: %w", err)
	}

	ttl := time.Until(k.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	if err := s.kv.Set(ctx, keyKey(k.ID), base64.StdEncoding.EncodeToString(payload), ttl); err != nil {
		return fmt.Errorf("persisting key envelope: %w", err)
	}
	return nil
}

// GetKeyByID decrypts and returns the key with the given id. It returns
// (nil, nil) if the key does not exist. A key present in the revoked set
// is reported with Status == StatusExpired regardless of its stored status.
func (s *Service) GetKeyByID(ctx context.Context, id string) (*Key, error) {
	raw, ok, err := s.kv.Get(ctx, keyKey(id))
	if err != nil {
		return nil, fmt.Errorf("fetching key envelope: %w", err)
	}
	if !ok {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		s.logger.Error("keyring: corrupt stored key payload", "key_id", id, "error", err)
		return nil, nil
	}

	var sk storedKey
	if err := json.Unmarshal(decoded, &sk); err != nil {
		s.logger.Error("keyring: corrupt stored key json", "key_id", id, "error", err)
		return nil, nil
	}

	secret, err := s.enc.Open(sk.Envelope)
	if err != nil {
		s.logger.Error("keyring: failed to decrypt key envelope, treating as missing", "key_id", id, "error", err)
		return nil, nil
	}

	status := sk.Status
	revoked, err := s.kv.SetContains(ctx, revokedSet, id)
	if err != nil {
		return nil, fmt.Errorf("checking revocation set: %w", err)
	}
	if revoked {
		status = StatusExpired
	}

	return &Key{
		ID:        sk.ID,
		Secret:    secret,
		Algorithm: sk.Algorithm,
		Status:    status,
		Revoked:   revoked,
		CreatedAt: sk.CreatedAt,
		ExpiresAt: sk.ExpiresAt,
	}, nil
}

// GetActiveKeys returns all non-expired keys with status active or
// rotating, newest first.
func (s *Service) GetActiveKeys(ctx context.Context) ([]*Key, error) {
	ids, err := s.kv.SetMembers(ctx, allKeysSet)
	if err != nil {
		return nil, fmt.Errorf("listing all-keys set: %w", err)
	}

	var keys []*Key
	now := time.Now()
	for _, id := range ids {
		k, err := s.GetKeyByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if k == nil {
			continue
		}
		if k.Status != StatusActive && k.Status != StatusRotating {
			continue
		}
		if !k.ExpiresAt.After(now) {
			continue
		}
		keys = append(keys, k)
	}

	sortKeysNewestFirst(keys)
	return keys, nil
}

func sortKeysNewestFirst(keys []*Key) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].CreatedAt.After(keys[j-1].CreatedAt); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

// GetCurrentSigningKeyID returns the id of the current signer, if any.
func (s *Service) GetCurrentSigningKeyID(ctx context.Context) (string, bool, error) {
	id, ok, err := s.kv.Get(ctx, currentKey)
	if err != nil {
		return "", false, fmt.Errorf("fetching current signing key: %w", err)
	}
	return id, ok, nil
}

// RotateKeys rotates the signing key if the current one is old enough. It
// is a no-op if the current key's age is below the configured rotation
// interval.
func (s *Service) RotateKeys(ctx context.Context) error {
	currentID, ok, err := s.GetCurrentSigningKeyID(ctx)
	if err != nil {
		return err
	}

	if ok {
		cur, err := s.GetKeyByID(ctx, currentID)
		if err != nil {
			return err
		}
		if cur != nil && time.Since(cur.CreatedAt) < s.cfg.RotationInterval {
			return nil
		}
	}

	newKey, err := s.GenerateNewKey(ctx)
	if err != nil {
		return fmt.Errorf("generating new key during rotation: %w", err)
	}

	if ok && currentID != "" {
		if err := s.setStatus(ctx, currentID, StatusRotating); err != nil {
			return fmt.Errorf("demoting previous current key: %w", err)
		}
	}

	if err := s.kv.Set(ctx, currentKey, newKey.ID, 0); err != nil {
		return fmt.Errorf("setting new current signing key: %w", err)
	}

	if err := s.trimToMaxActive(ctx); err != nil {
		s.logger.Error("keyring: trimming active keys after rotation", "error", err)
	}

	telemetry.KeyRotationsTotal.Inc()
	s.publish(ctx, Event{Event: "key_rotated", KeyID: newKey.ID})
	return nil
}

// Bootstrap ensures a current signing key exists, generating one on first
// boot. It is called synchronously at startup so the process never serves
// traffic with nothing to sign with.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, ok, err := s.GetCurrentSigningKeyID(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.GenerateNewKey(ctx); err != nil {
		return fmt.Errorf("generating initial signing key: %w", err)
	}
	s.logger.Info("generated initial signing key")
	return nil
}

func (s *Service) setStatus(ctx context.Context, id string, status Status) error {
	k, err := s.GetKeyByID(ctx, id)
	if err != nil {
		return err
	}
	if k == nil {
		return nil
	}
	k.Status = status
	return s.persist(ctx, k)
}

// trimToMaxActive keeps at most cfg.MaxActiveKeys newest active/rotating
// keys, marking older ones expired.
func (s *Service) trimToMaxActive(ctx context.Context) error {
	active, err := s.GetActiveKeys(ctx)
	if err != nil {
		return err
	}
	if len(active) <= s.cfg.MaxActiveKeys {
		return nil
	}
	for _, k := range active[s.cfg.MaxActiveKeys:] {
		if err := s.setStatus(ctx, k.ID, StatusExpired); err != nil {
			s.logger.Error("keyring: expiring key past max-active cap", "key_id", k.ID, "error", err)
		}
	}
	return nil
}

// RevokeKey marks a key revoked: added to the revoked set, status set to
// expired, and a key_revoked event published.
func (s *Service) RevokeKey(ctx context.Context, id string) error {
	if err := s.kv.SetAdd(ctx, revokedSet, id); err != nil {
		return fmt.Errorf("adding key to revoked set: %w", err)
	}
	if err := s.setStatus(ctx, id, StatusExpired); err != nil {
		return fmt.Errorf("marking revoked key expired: %w", err)
	}
	s.publish(ctx, Event{Event: "key_revoked", KeyID: id})
	return nil
}

// CheckAndRotateKeys acquires the distributed rotation lock and runs
// RotateKeys if acquired; it returns silently (no error) if another process
// already holds the lock.
func (s *Service) CheckAndRotateKeys(ctx context.Context) error {
	acquired, err := s.kv.SetIfAbsent(ctx, rotationLock, s.processNonce, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquiring rotation lock: %w", err)
	}
	if !acquired {
		return nil
	}

	rotateErr := s.RotateKeys(ctx)

	released, relErr := s.kv.CompareAndDelete(ctx, rotationLock, s.processNonce)
	if relErr != nil {
		s.logger.Error("keyring: releasing rotation lock", "error", relErr)
	} else if !released {
		s.logger.Warn("keyring: rotation lock was no longer held at release; TTL likely expired mid-rotation")
	}

	return rotateErr
}

func (s *Service) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("keyring: marshaling key-updates event", "error", err)
		return
	}
	if err := s.kv.Publish(ctx, keyUpdatesCh, string(payload)); err != nil {
		s.logger.Warn("keyring: publishing key-updates event", "error", err)
	}
}

// RunRotationLoop runs CheckAndRotateKeys once immediately and then on
// every cfg.CheckInterval tick until ctx is cancelled.
func (s *Service) RunRotationLoop(ctx context.Context) {
	s.logger.Info("key rotation loop started", "interval", s.cfg.CheckInterval)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	if err := s.CheckAndRotateKeys(ctx); err != nil {
		s.logger.Error("initial key rotation check", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("key rotation loop stopped")
			return
		case <-ticker.C:
			if err := s.CheckAndRotateKeys(ctx); err != nil {
				s.logger.Error("key rotation check", "error", err)
			}
		}
	}
}
