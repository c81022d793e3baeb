// Package backoff computes reconnect delays and decides which close reasons
// are retried.
package backoff

import (
	"math"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
)

// Policy is an exponential backoff with a cap.
type Policy struct {
	Base    time.Duration // delay for the first failed attempt
	Growth  float64       // multiplier per further attempt
	Cap     time.Duration // upper bound for any delay
	Restart time.Duration // fixed delay for protocol-requested restarts
}

// DefaultPolicy matches the native-protocol bridge defaults.
func DefaultPolicy() Policy {
	return Policy{
		Base:    3 * time.Second,
		Growth:  1.5,
		Cap:     60 * time.Second,
		Restart: time.Second,
	}
}

// ConservativePolicy backs off further, for hosts sharing an account with
// other automation.
func ConservativePolicy() Policy {
	return Policy{
		Base:    5 * time.Second,
		Growth:  1.5,
		Cap:     300 * time.Second,
		Restart: time.Second,
	}
}

// Delay returns min(Base * Growth^(attempts-1), Cap). attempts < 1 is
// treated as 1.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	growth := p.Growth
	if growth < 1 {
		growth = 1
	}
	d := float64(p.Base) * math.Pow(growth, float64(attempts-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Action is what to do after an attempt closes.
type Action int

const (
	// Retry schedules a reconnect after Delay(attempts).
	Retry Action = iota
	// RetrySoon schedules a reconnect after the fixed Restart delay.
	RetrySoon
	// Halt stops reconnecting until an operator intervenes.
	Halt
)

func (a Action) String() string {
	switch a {
	case RetrySoon:
		return "retry-soon"
	case Halt:
		return "halt"
	default:
		return "retry"
	}
}

// Classify maps a close reason to its recovery action.
func Classify(reason adapter.CloseReason) Action {
	switch reason {
	case adapter.CloseLoggedOut, adapter.CloseBadSession, adapter.CloseConflict, adapter.ClosePairingTimeout:
		return Halt
	case adapter.CloseRestartRequired:
		return RetrySoon
	default:
		return Retry
	}
}

// Next returns the delay to wait before the next attempt, given the action
// and the already-incremented attempt count.
func (p Policy) Next(action Action, attempts int) time.Duration {
	if action == RetrySoon {
		return p.Restart
	}
	return p.Delay(attempts)
}
