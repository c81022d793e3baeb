package session

import (
	"github.com/roelfdiedericks/wabridge/internal/pairing"
	"github.com/roelfdiedericks/wabridge/internal/status"
)

// Bus topics published by the supervisor.
const (
	TopicPhase   = "session.phase"   // Data: State
	TopicPairing = "session.pairing" // Data: PairingShown
)

// Phase is the session's position in the connection lifecycle.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	PairingRequired
	Connected
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case PairingRequired:
		return "pairing"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// State is the supervisor-owned session record.
type State struct {
	Phase             Phase
	Phone             string
	LastError         string
	ReconnectAttempts int
	PairingCycles     int
}

// PairingShown is published when a new pairing challenge is displayed.
type PairingShown struct {
	Rendered pairing.Rendered
	Cycle    int
	Max      int
}

// snapshot projects the state into a status report.
func (s *Supervisor) snapshot() status.Report {
	r := status.Report{
		State: s.state.Phase.String(),
		Phone: s.state.Phone,
		Error: s.state.LastError,
	}
	if s.state.Phase == PairingRequired && s.challenge != nil {
		r.QRDataURL = s.challenge.DataURL
		r.PairingCode = s.challenge.Code
	}
	return r
}
