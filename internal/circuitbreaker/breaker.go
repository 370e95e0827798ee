// Package circuitbreaker wraps github.com/sony/gobreaker behind the
// CLOSED/OPEN/HALF_OPEN vocabulary and consecutive-failure-threshold
// semantics of §4.A, used to fail fast around every broker call.
package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker's three states under this package's own names.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config configures one named breaker instance (§4.A).
type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive failures to trip
	Cooldown         time.Duration // OPEN -> HALF_OPEN after this elapses
}

// TradingConfig is the default breaker configuration for order submission calls.
func TradingConfig() Config {
	return Config{Name: "trading", FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// MarketDataConfig is the default breaker configuration for quote/market-data calls.
func MarketDataConfig() Config {
	return Config{Name: "market_data", FailureThreshold: 3, Cooldown: 15 * time.Second}
}

// ErrCircuitOpen is returned by Execute when the breaker is OPEN; RetryAfterMs
// estimates when a probe would next be allowed through.
type ErrCircuitOpen struct {
	Name         string
	RetryAfterMs int64
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %dms", e.Name, e.RetryAfterMs)
}

// Breaker is a single named circuit breaker instance.
type Breaker struct {
	cfg Config
	cb  *gobreaker.CircuitBreaker
}

// New constructs a Breaker from cfg, translating the consecutive-failure
// threshold into gobreaker's counts-based ReadyToTrip predicate.
func New(cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single probe while HALF_OPEN, per §4.A
		Interval:    0, // never reset CLOSED counts on a timer; only on success
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{cfg: cfg, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker's current state in this package's vocabulary.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Execute runs fn through the breaker. A failure while OPEN returns
// ErrCircuitOpen without invoking fn; success resets consecutiveFailures.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, &ErrCircuitOpen{Name: b.cfg.Name, RetryAfterMs: b.cfg.Cooldown.Milliseconds()}
		}
		return zero, err
	}
	return result.(T), nil
}
