package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy is the shared retry/backoff shape applied at transcription
// and analysis. The identity provider's JWKS discovery does not use it and
// is attempted once per refresh.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy is the default transcription/analysis retry policy:
// up to 3 attempts with exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   2,
	Jitter:       0.2,
}

// ValidationError marks a provider failure as non-retryable.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * pow(p.Multiplier, attempt)
	jitterRange := d * p.Jitter
	d += (rand.Float64()*2 - 1) * jitterRange
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Do runs op, retrying transport-level failures with capped exponential
// backoff up to MaxAttempts. A *ValidationError is never retried — it's
// terminal on the first attempt.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		var verr *ValidationError
		if errors.As(err, &verr) {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return lastErr
}
