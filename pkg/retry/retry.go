package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// OnRetry is called before each retry with the zero-based attempt number.
	OnRetry func(n uint, err error)
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Do executes a function with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	onRetry := cfg.OnRetry
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(onRetry),
	)
}

// DoWithResult executes a function with exponential backoff retry and returns a result
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// Backoff returns the full-jitter delay before attempt n (1-based): a random
// duration in [0, min(MaxDelay, InitialDelay*Multiplier^(n-1))].
func Backoff(cfg Config, n int) time.Duration {
	ceiling := Ceiling(cfg, n)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// Ceiling is the upper bound Backoff draws from for attempt n.
func Ceiling(cfg Config, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(cfg.InitialDelay) * math.Pow(mult, float64(n-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Permanent marks err as not worth retrying; Do returns it without further attempts.
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}
