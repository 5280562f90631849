package kv

import (
	"testing"
	"time"
)

func TestRetryPolicy_DelayGrows(t *testing.T) {
	p := retryPolicy{maxAttempts: 3, initialDelay: 10 * time.Millisecond, multiplier: 2, jitter: 0}

	d0 := p.delay(0)
	d1 := p.delay(1)
	d2 := p.delay(2)

	if d0 != 10*time.Millisecond {
		t.Errorf("delay(0) = %v, want 10ms", d0)
	}
	if d1 != 20*time.Millisecond {
		t.Errorf("delay(1) = %v, want 20ms", d1)
	}
	if d2 != 40*time.Millisecond {
		t.Errorf("delay(2) = %v, want 40ms", d2)
	}
}

func TestRetryPolicy_JitterNeverNegative(t *testing.T) {
	p := retryPolicy{maxAttempts: 3, initialDelay: time.Millisecond, multiplier: 1, jitter: 5}
	for i := 0; i < 100; i++ {
		if d := p.delay(0); d < 0 {
			t.Fatalf("delay() = %v, want >= 0", d)
		}
	}
}

func TestPow(t *testing.T) {
	cases := []struct {
		base float64
		exp  int
		want float64
	}{
		{2, 0, 1},
		{2, 3, 8},
		{1.5, 2, 2.25},
	}
	for _, c := range cases {
		if got := pow(c.base, c.exp); got != c.want {
			t.Errorf("pow(%v, %d) = %v, want %v", c.base, c.exp, got, c.want)
		}
	}
}

func TestDefaultRetry_Bounded(t *testing.T) {
	if defaultRetry.maxAttempts <= 0 {
		t.Error("defaultRetry.maxAttempts must be positive")
	}
	if defaultRetry.initialDelay <= 0 {
		t.Error("defaultRetry.initialDelay must be positive")
	}
}
