package session

import (
	"errors"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
)

// Failure kinds. Adapter close reasons are translated into these before they
// reach the rest of the bridge; LastError is always one of their messages.
var (
	ErrTransient       = errors.New("connection lost")
	ErrRestartRequired = errors.New("restart required")
	ErrConnectionDead  = errors.New("connection dead")
	ErrLoggedOut       = errors.New("logged out")
	ErrBadSession      = errors.New("bad session")
	ErrConflict        = errors.New("session replaced by another client")
	ErrPairingExpired  = errors.New("pairing challenge expired")
	ErrCrashed         = errors.New("crash")
)

// Failure is a classified reason for leaving a connected or connecting state.
type Failure struct {
	Kind   error
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Kind.Error()
	}
	return f.Kind.Error() + ": " + f.Detail
}

func (f *Failure) Unwrap() error {
	return f.Kind
}

// classify translates an adapter close into the failure taxonomy.
func classify(c adapter.Closed) *Failure {
	detail := c.Message
	if c.Code != "" {
		if detail == "" {
			detail = "code " + c.Code
		} else {
			detail = detail + " (code " + c.Code + ")"
		}
	}

	switch c.Reason {
	case adapter.CloseLoggedOut:
		return &Failure{Kind: ErrLoggedOut, Detail: detail}
	case adapter.CloseBadSession:
		return &Failure{Kind: ErrBadSession, Detail: detail}
	case adapter.CloseConflict:
		return &Failure{Kind: ErrConflict, Detail: detail}
	case adapter.CloseRestartRequired:
		return &Failure{Kind: ErrRestartRequired, Detail: detail}
	case adapter.ClosePairingTimeout:
		return &Failure{Kind: ErrPairingExpired}
	default:
		return &Failure{Kind: ErrTransient, Detail: detail}
	}
}

// requiresRepairing reports whether the failure invalidates the linked account.
func requiresRepairing(err error) bool {
	return errors.Is(err, ErrLoggedOut) || errors.Is(err, ErrBadSession)
}
