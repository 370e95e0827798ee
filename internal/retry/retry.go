// Package retry provides the generic exponential-backoff-with-jitter retry
// engine used by every outbound call in the service (§4.B), generalized
// from the teacher's single-purpose close-position retry client into a
// reusable wrapper over any context-aware operation.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// Config controls the backoff schedule and retry predicate.
type Config struct {
	Attempts   int
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool

	// IsRetryable overrides the default substring predicate when set.
	IsRetryable func(err error) bool
	// OnRetry fires between attempts only (never after the final failure).
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig matches §4.B's documented defaults.
func DefaultConfig() Config {
	return Config{
		Attempts:   3,
		Base:       500 * time.Millisecond,
		Multiplier: 2,
		Max:        10 * time.Second,
		Jitter:     true,
	}
}

// defaultNonRetryableSubstrings excludes permanent-error messages from retry (§4.B).
var defaultNonRetryableSubstrings = []string{
	"insufficient", "rejected", "invalid", "not allowed", "market closed", "symbol not found",
}

// DefaultIsRetryable excludes the messages §4.B names as permanent errors.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range defaultNonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

// Delay computes delay(attempt) = min(base * multiplier^attempt, max), optionally
// scaled by a uniform random factor in [0.5, 1.0] when jitter is enabled.
func Delay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.Base) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.Max) {
		d = float64(cfg.Max)
	}
	if cfg.Jitter {
		d *= jitterFactor()
	}
	return time.Duration(d)
}

// jitterFactor returns a uniform random value in [0.5, 1.0] using crypto/rand,
// matching the teacher's own preference for crypto/rand over math/rand.
func jitterFactor() float64 {
	const resolution = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(resolution))
	if err != nil {
		return 1.0
	}
	frac := float64(n.Int64()) / float64(resolution) // [0, 1)
	return 0.5 + frac*0.5
}

func isRetryable(cfg Config, err error) bool {
	if cfg.IsRetryable != nil {
		return cfg.IsRetryable(err)
	}
	return DefaultIsRetryable(err)
}

// Do runs fn, retrying per cfg, and returns the last error once attempts are
// exhausted (§4.B withRetry).
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := DoSafe(ctx, cfg, fn)
	return result.Data, err
}

// Result is the non-throwing counterpart returned by DoSafe.
type Result[T any] struct {
	Success  bool
	Data     T
	Err      error
	Attempts int
}

// DoSafe runs fn, retrying per cfg, and always returns a populated Result
// (§4.B withRetrySafe); the final error is carried both in Result.Err and as
// the second return value.
func DoSafe[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (Result[T], error) {
	if cfg.Attempts <= 0 {
		cfg = DefaultConfig()
	}

	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result[T]{Err: err, Attempts: attempt}, err
		}

		data, err := fn(ctx)
		if err == nil {
			return Result[T]{Success: true, Data: data, Attempts: attempt + 1}, nil
		}
		lastErr = err

		if !isRetryable(cfg, err) {
			break
		}
		if attempt == cfg.Attempts-1 {
			lastErr = fmt.Errorf("%w: %v", ErrAttemptsExhausted, err)
			break
		}

		delay := Delay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result[T]{Err: ctx.Err(), Attempts: attempt + 1}, ctx.Err()
		case <-timer.C:
		}
	}

	return Result[T]{Err: lastErr, Attempts: cfg.Attempts}, lastErr
}

// ErrAttemptsExhausted is wrapped into the final error when every attempt fails.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")
