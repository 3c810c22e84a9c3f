package firewall

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	awerrors "grimm.is/appwall/internal/errors"
)

// Backoff computes exponential delays between attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration // 0 means uncapped
	Factor  float64
	// Jitter adds up to this fraction of the delay, chosen at random.
	Jitter float64
}

// Delay returns the pause after failed attempt n (from 0).
func (b Backoff) Delay(n int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Initial) * math.Pow(factor, float64(n))
	if b.Jitter > 0 {
		d += d * b.Jitter * rand.Float64()
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	Attempts int
	Backoff  Backoff
	// RetryOn limits retries to these error kinds. Empty retries everything.
	RetryOn []awerrors.Kind
	// OnRetry runs before each pause with the failed attempt number (from 1).
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig suits opening a filtering subsystem that may still be
// coming up at boot: about 8s in total before giving up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 5,
		Backoff:  Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.25},
		RetryOn:  []awerrors.Kind{awerrors.KindUnavailable, awerrors.KindTimeout},
	}
}

func (c RetryConfig) retryable(err error) bool {
	return len(c.RetryOn) == 0 || slices.Contains(c.RetryOn, awerrors.GetKind(err))
}

// Retry calls fn until it succeeds, fails with a kind outside RetryOn, runs
// out of attempts or ctx ends. The final error carries an "attempts" attribute.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.Attempts, 1)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if n == attempts || !cfg.retryable(err) {
			var e *awerrors.Error
			if errors.As(err, &e) {
				awerrors.Attr(e, "attempts", n)
			}
			return zero, err
		}

		delay := cfg.Backoff.Delay(n - 1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(n, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}
