// Package quota implements the Quota & Subscription Gate:
// a per-user weekly conversation-creation counter, reset at the next
// Sunday 00:00 UTC, consulted before conversation creation and overridden
// by subscription entitlement.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
)

// KV is the subset of the KV-Store Facade backing the weekly counter.
// *kv.Store satisfies it.
type KV interface {
	Incr(ctx context.Context, key string) (int64, error)
	SetExpire(ctx context.Context, key string, ttl time.Duration) error
}

// SubscriptionStatus is the outcome of an entitlement check.
type SubscriptionStatus int

const (
	// StatusUnknown means the subscription service could not be reached or
	// returned an indeterminate result.
	StatusUnknown SubscriptionStatus = iota
	StatusPaying
	StatusFree
)

// SubscriptionChecker consults the external entitlement service. It is the
// only collaborator this package depends on beyond the KV store.
type SubscriptionChecker interface {
	CheckSubscription(ctx context.Context, userID string) (SubscriptionStatus, error)
}

// NoopSubscriptionChecker always reports StatusUnknown. The receipt-
// validation endpoint it would otherwise call is a third-party integration
// this service does not implement; Gate falls back to the caller-supplied
// knownPaying flag (the user's cached entitlement) whenever this is wired.
type NoopSubscriptionChecker struct{}

func (NoopSubscriptionChecker) CheckSubscription(ctx context.Context, userID string) (SubscriptionStatus, error) {
	return StatusUnknown, nil
}

// Gate enforces the free-tier weekly conversation quota.
type Gate struct {
	kv           KV
	subscription SubscriptionChecker
	weeklyLimit  int
	logger       *slog.Logger
}

// New creates a Gate. weeklyLimit is the free-tier cap.
func New(store KV, subscription SubscriptionChecker, weeklyLimit int, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{kv: store, subscription: subscription, weeklyLimit: weeklyLimit, logger: logger}
}

// weekKey returns the ISO-week counter key for userID as of t.
func weekKey(userID string, t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("quota:%s:%d-%02d", userID, year, week)
}

// nextSundayMidnightUTC computes the reset instant: the next Sunday at
// 00:00 UTC strictly after t.
func nextSundayMidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	daysUntilSunday := (int(time.Sunday) - int(t.Weekday()) + 7) % 7
	if daysUntilSunday == 0 {
		daysUntilSunday = 7
	}
	reset := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, daysUntilSunday)
	return reset
}

// Check reports whether userID may create another conversation this week.
// Per resolved ambiguity, a subscription-check failure
// fails OPEN for a caller already known to be a paying subscriber (an
// outage should not interrupt a paying user) and fails CLOSED — quota
// enforced — for anyone whose status cannot be determined.
func (g *Gate) Check(ctx context.Context, userID string, knownPaying bool) error {
	status, err := g.subscription.CheckSubscription(ctx, userID)
	if err != nil || status == StatusUnknown {
		if knownPaying {
			return nil
		}
		g.logger.Warn("quota: subscription status unknown, enforcing free tier", "user_id", userID, "error", err)
		return g.checkFreeTierCount(ctx, userID)
	}

	if status == StatusPaying {
		return nil
	}

	return g.checkFreeTierCount(ctx, userID)
}

func (g *Gate) checkFreeTierCount(ctx context.Context, userID string) error {
	now := time.Now()
	key := weekKey(userID, now)

	n, err := g.kv.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("incrementing quota counter: %w", err)
	}
	if n == 1 {
		ttl := time.Until(nextSundayMidnightUTC(now))
		if err := g.kv.SetExpire(ctx, key, ttl); err != nil {
			return fmt.Errorf("setting quota counter ttl: %w", err)
		}
	}

	if int(n) > g.weeklyLimit {
		return apperr.New(apperr.QuotaExceeded, "weekly conversation limit reached")
	}
	return nil
}
