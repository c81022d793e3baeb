package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// BreakerOptions tunes the backend circuit breaker. Zero values pick defaults.
type BreakerOptions struct {
	Failures  uint32        // consecutive failures that open the circuit
	OpenFor   time.Duration // how long the circuit stays open before a trial
	TrialRuns uint32        // requests allowed while half-open
}

// BreakerBackend fails fast with ErrBackendUnavailable while the wrapped
// backend keeps failing, so users get the fallback reply without waiting
// out a full timeout per message.
type BreakerBackend struct {
	next Backend
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerBackend wraps next.
func NewBreakerBackend(next Backend, opts BreakerOptions) *BreakerBackend {
	if opts.Failures == 0 {
		opts.Failures = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}
	if opts.TrialRuns == 0 {
		opts.TrialRuns = 1
	}
	failures := opts.Failures
	return &BreakerBackend{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "backend",
			MaxRequests: opts.TrialRuns,
			Timeout:     opts.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// A message abandoned by shutdown says nothing about the backend.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				L_warn("relay: backend circuit changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Reply forwards to the wrapped backend unless the circuit is open.
func (b *BreakerBackend) Reply(ctx context.Context, req Request) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Reply(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State reports the circuit state ("closed", "open" or "half-open").
func (b *BreakerBackend) State() string {
	return b.cb.State().String()
}
