package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adimov-eth/vibecheck-sub003/internal/apperr"
)

func TestNextSundayMidnightUTC(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "monday rolls to next sunday",
			in:   time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC), // Monday
			want: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "sunday just after midnight rolls a full week",
			in:   time.Date(2026, 8, 2, 0, 0, 1, 0, time.UTC), // Sunday
			want: time.Date(2026, 8, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "saturday rolls to tomorrow",
			in:   time.Date(2026, 8, 1, 23, 59, 0, 0, time.UTC), // Saturday
			want: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextSundayMidnightUTC(tt.in); !got.Equal(tt.want) {
				t.Errorf("nextSundayMidnightUTC(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestWeekKeyStableWithinWeek(t *testing.T) {
	monday := time.Date(2026, 7, 27, 1, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 8, 1, 23, 0, 0, 0, time.UTC)
	if weekKey("u1", monday) != weekKey("u1", saturday) {
		t.Errorf("expected same ISO week key across the week, got %q vs %q", weekKey("u1", monday), weekKey("u1", saturday))
	}

	nextWeek := time.Date(2026, 8, 3, 1, 0, 0, 0, time.UTC)
	if weekKey("u1", monday) == weekKey("u1", nextWeek) {
		t.Errorf("expected different keys across week boundary")
	}
}

// fakeKV is an in-memory counter store.
type fakeKV struct {
	counts  map[string]int64
	expires map[string]time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{counts: make(map[string]int64), expires: make(map[string]time.Duration)}
}

func (f *fakeKV) Incr(_ context.Context, key string) (int64, error) {
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeKV) SetExpire(_ context.Context, key string, ttl time.Duration) error {
	f.expires[key] = ttl
	return nil
}

type stubChecker struct {
	status SubscriptionStatus
	err    error
}

func (s stubChecker) CheckSubscription(context.Context, string) (SubscriptionStatus, error) {
	return s.status, s.err
}

func testGate(kv KV, checker SubscriptionChecker, limit int) *Gate {
	return New(kv, checker, limit, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCheck_PayingStatusBypassesCounter(t *testing.T) {
	kv := newFakeKV()
	g := testGate(kv, stubChecker{status: StatusPaying}, 1)

	for i := 0; i < 5; i++ {
		if err := g.Check(context.Background(), "u1", false); err != nil {
			t.Fatalf("Check #%d for paying user: %v", i, err)
		}
	}
	if len(kv.counts) != 0 {
		t.Error("paying user must not consume free-tier quota")
	}
}

func TestCheck_UnknownStatusFailsOpenForKnownPaying(t *testing.T) {
	kv := newFakeKV()
	g := testGate(kv, stubChecker{err: errors.New("subscription service down")}, 0)

	if err := g.Check(context.Background(), "u1", true); err != nil {
		t.Errorf("Check for cached-paying user during outage: %v, want nil", err)
	}
	if len(kv.counts) != 0 {
		t.Error("fail-open path must not touch the counter")
	}
}

func TestCheck_UnknownStatusFailsClosedOtherwise(t *testing.T) {
	kv := newFakeKV()
	g := testGate(kv, stubChecker{status: StatusUnknown}, 2)

	for i := 0; i < 2; i++ {
		if err := g.Check(context.Background(), "u1", false); err != nil {
			t.Fatalf("Check #%d under the limit: %v", i, err)
		}
	}

	err := g.Check(context.Background(), "u1", false)
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != apperr.QuotaExceeded {
		t.Errorf("Check over the limit = %v, want QuotaExceeded", err)
	}
}

func TestCheck_FreeStatusEnforcesQuotaIndependentlyPerUser(t *testing.T) {
	kv := newFakeKV()
	g := testGate(kv, stubChecker{status: StatusFree}, 1)

	if err := g.Check(context.Background(), "u1", false); err != nil {
		t.Fatalf("first Check for u1: %v", err)
	}
	if err := g.Check(context.Background(), "u2", false); err != nil {
		t.Errorf("first Check for u2 must not be affected by u1's counter: %v", err)
	}
	if err := g.Check(context.Background(), "u1", false); err == nil {
		t.Error("second Check for u1 at limit 1 should be rejected")
	}
}

func TestCheck_FirstIncrementSetsWeekExpiry(t *testing.T) {
	kv := newFakeKV()
	g := testGate(kv, stubChecker{status: StatusFree}, 10)

	if err := g.Check(context.Background(), "u1", false); err != nil {
		t.Fatalf("Check: %v", err)
	}

	key := weekKey("u1", time.Now())
	ttl, ok := kv.expires[key]
	if !ok {
		t.Fatal("no TTL set on first increment")
	}
	if ttl <= 0 || ttl > 7*24*time.Hour {
		t.Errorf("quota TTL = %v, want within (0, 7d]", ttl)
	}
}
