// Package upstream protects calls to hosted dependencies (embedding and LLM
// endpoints) with a rate limiter and a circuit breaker, and tags their
// failures as retryable upstream errors.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Error is a failure of an external dependency. The caller may retry.
type Error struct {
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable is false only for caller cancellation.
func (e *Error) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// Wrap tags err as an upstream failure of service. nil stays nil and
// already-tagged errors are returned unchanged.
func Wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	return &Error{Service: service, Err: err}
}

// IsRetryable reports whether err is a retryable upstream failure.
func IsRetryable(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Retryable()
}

// Config tunes a Guard. Zero values take the defaults noted on each field.
type Config struct {
	RatePerSecond float64       `json:"rate_per_second"` // 0 disables limiting
	Burst         int           `json:"burst"`           // default 1
	MaxFailures   uint32        `json:"max_failures"`    // consecutive failures to trip, default 5
	OpenTimeout   time.Duration `json:"open_timeout"`    // default 30s
	HalfOpenMax   uint32        `json:"half_open_max"`   // trial calls when half-open, default 1
}

// Guard throttles calls to one dependency and trips when it keeps failing.
type Guard struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGuard builds a guard named after the dependency it protects.
func NewGuard(name string, cfg Config, logger *zap.Logger) *Guard {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	g := &Guard{name: name}
	if cfg.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return g
}

// Name returns the protected service name.
func (g *Guard) Name() string { return g.name }

// State reports the breaker state: closed, open or half-open.
func (g *Guard) State() string { return g.breaker.State().String() }

// Do waits for a rate token and runs fn through the breaker. Failures come
// back as *Error.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Wrap(g.name, err)
		}
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrCircuitOpen
	}
	return Wrap(g.name, err)
}
