// Package ratelimit implements the Rate-Limit Engine:
// generic in-process sliding-window counters keyed by
// (identity, method, path), with a per-scope cap and background sweep, plus
// a KV-backed abuse ladder (progressive delay, challenge, lockout) for
// authentication endpoints.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KV is the subset of the KV-Store Facade backing the abuse ladder, whose
// state must survive process restarts. *kv.Store satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	SetExpire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MaxKeysPerScope bounds the number of distinct counter keys tracked per
// scope; past it the oldest entries are evicted, both inline by Check and
// by the background sweep.
const MaxKeysPerScope = 10000

const sweepInterval = 5 * time.Minute

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // only meaningful when !Allowed
}

type counterEntry struct {
	count     int
	resetAt   time.Time
	lastTouch time.Time
}

// scopeCounters is a single scope's sliding-window table, protected by its
// own mutex so unrelated scopes never contend.
type scopeCounters struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

// Engine tracks per-scope sliding-window counters and, separately, a
// KV-backed abuse ladder for authentication endpoints.
type Engine struct {
	window time.Duration
	kv     KV
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]*scopeCounters
}

// New creates an Engine with the given sliding-window size.
func New(window time.Duration, store KV, logger *slog.Logger) *Engine {
	return &Engine{
		window: window,
		kv:     store,
		logger: logger,
		scopes: make(map[string]*scopeCounters),
	}
}

// Key builds the composite counter key: identity|method|path, where
// identity is userId, else remoteIp, else "unknown".
func Key(userID, remoteIP, method, path string) string {
	identity := userID
	if identity == "" {
		identity = remoteIP
	}
	if identity == "" {
		identity = "unknown"
	}
	return identity + "|" + strings.ToUpper(method) + "|" + path
}

// EmailKey builds the per-email counter key used in addition to the
// identity key on auth endpoints.
func EmailKey(email string) string {
	return "email:" + strings.ToLower(email)
}

func (e *Engine) scopeFor(scope string) *scopeCounters {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, ok := e.scopes[scope]
	if !ok {
		sc = &scopeCounters{entries: make(map[string]*counterEntry)}
		e.scopes[scope] = sc
	}
	return sc
}

// Check increments the counter for key within scope and reports whether
// the request is admitted under max.
func (e *Engine) Check(scope, key string, max int) Result {
	sc := e.scopeFor(scope)
	now := time.Now()

	sc.mu.Lock()
	defer sc.mu.Unlock()

	entry, ok := sc.entries[key]
	if !ok || now.After(entry.resetAt) {
		entry = &counterEntry{count: 0, resetAt: now.Add(e.window)}
		sc.entries[key] = entry
	}
	entry.count++
	entry.lastTouch = now

	remaining := max - entry.count
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Limit:     max,
		Remaining: remaining,
		ResetAt:   entry.resetAt,
		Allowed:   entry.count <= max,
	}
	if !result.Allowed {
		result.RetryAfter = time.Until(entry.resetAt)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
	}

	if len(sc.entries) > MaxKeysPerScope {
		e.evictOldest(sc)
	}

	return result
}

// sweep removes expired entries from every scope, then evicts the oldest
// remaining entries in any scope still over MaxKeysPerScope. Intended to be
// run periodically by RunSweepLoop.
func (e *Engine) sweep() {
	e.mu.Lock()
	scopes := make([]*scopeCounters, 0, len(e.scopes))
	for _, sc := range e.scopes {
		scopes = append(scopes, sc)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, sc := range scopes {
		sc.mu.Lock()
		for key, entry := range sc.entries {
			if now.After(entry.resetAt) {
				delete(sc.entries, key)
			}
		}
		if len(sc.entries) > MaxKeysPerScope {
			e.logger.Warn("ratelimit: scope over cap after expiry sweep, evicting oldest", "size", len(sc.entries))
			e.evictOldest(sc)
		}
		sc.mu.Unlock()
	}
}

// evictOldest removes oldest-reset entries until sc is back at
// MaxKeysPerScope. Caller must hold sc.mu.
func (e *Engine) evictOldest(sc *scopeCounters) {
	for len(sc.entries) > MaxKeysPerScope {
		var oldestKey string
		var oldestReset time.Time
		first := true
		for key, entry := range sc.entries {
			if first || entry.resetAt.Before(oldestReset) {
				oldestKey = key
				oldestReset = entry.resetAt
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		delete(sc.entries, oldestKey)
	}
}

// RunSweepLoop runs sweep every sweepInterval until ctx is cancelled.
func (e *Engine) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// --- Abuse ladder, state kept in the KV store so it
// survives restarts. ---

var progressiveDelays = []time.Duration{0, time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second}

const (
	challengeThreshold = 3
	lockoutThreshold   = 10
	lockoutWindow      = 30 * time.Minute
)

// The IP failure counter doubles as the challenge (captcha) state: the
// challenge requirement is derived from the count, and solving the
// challenge clears it.
func captchaKey(ip string) string    { return "auth:captcha:" + ip }
func lockoutKey(email string) string { return "auth:lockout:" + strings.ToLower(email) }

// ProgressiveDelay returns how long the middleware should sleep before
// admitting an auth request from ip, based on its recent failure count.
func (e *Engine) ProgressiveDelay(ctx context.Context, ip string) (time.Duration, error) {
	countStr, ok, err := e.kv.Get(ctx, captchaKey(ip))
	if err != nil {
		return 0, fmt.Errorf("checking progressive delay counter: %w", err)
	}
	if !ok {
		return 0, nil
	}
	count, _ := strconv.Atoi(countStr)
	idx := count
	if idx >= len(progressiveDelays) {
		idx = len(progressiveDelays) - 1
	}
	return progressiveDelays[idx], nil
}

// ChallengeRequired reports whether ip has accumulated enough failures to
// require a challenge before the next attempt.
func (e *Engine) ChallengeRequired(ctx context.Context, ip string) (bool, error) {
	countStr, ok, err := e.kv.Get(ctx, captchaKey(ip))
	if err != nil {
		return false, fmt.Errorf("checking challenge threshold: %w", err)
	}
	if !ok {
		return false, nil
	}
	count, _ := strconv.Atoi(countStr)
	return count >= challengeThreshold, nil
}

// AccountLocked reports whether email has accumulated enough failures
// within the lockout window to be locked out.
func (e *Engine) AccountLocked(ctx context.Context, email string) (bool, error) {
	countStr, ok, err := e.kv.Get(ctx, lockoutKey(email))
	if err != nil {
		return false, fmt.Errorf("checking lockout: %w", err)
	}
	if !ok {
		return false, nil
	}
	count, _ := strconv.Atoi(countStr)
	return count >= lockoutThreshold, nil
}

// RecordFailure increments the IP and email failure counters used by the
// abuse ladder.
func (e *Engine) RecordFailure(ctx context.Context, ip, email string) error {
	if err := e.incrWithTTL(ctx, captchaKey(ip), e.window); err != nil {
		return fmt.Errorf("recording IP failure: %w", err)
	}
	if email != "" {
		if err := e.incrWithTTL(ctx, lockoutKey(email), lockoutWindow); err != nil {
			return fmt.Errorf("recording email failure: %w", err)
		}
	}
	return nil
}

func (e *Engine) incrWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	n, err := e.kv.Incr(ctx, key)
	if err != nil {
		return err
	}
	if n == 1 {
		if err := e.kv.SetExpire(ctx, key, ttl); err != nil {
			return err
		}
	}
	return nil
}

// ChallengeSolved resets the challenge counter (the IP's failure count)
// without touching the lockout state.
func (e *Engine) ChallengeSolved(ctx context.Context, ip string) error {
	return e.kv.Delete(ctx, captchaKey(ip))
}

// ClearOnSuccess clears IP, email, challenge, and lockout counters for the
// given tuple after a successful authentication.
func (e *Engine) ClearOnSuccess(ctx context.Context, ip, email string) error {
	if err := e.kv.Delete(ctx, captchaKey(ip)); err != nil {
		return err
	}
	if email != "" {
		if err := e.kv.Delete(ctx, lockoutKey(email)); err != nil {
			return err
		}
	}
	return nil
}
