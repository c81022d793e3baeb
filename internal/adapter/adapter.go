// Package adapter defines the contract between the session supervisor and a
// messaging-network client. A concrete client (see internal/whatsapp) turns
// its library callbacks into the Event values below and never leaks
// library-specific types past this boundary.
package adapter

import (
	"context"
	"fmt"
	"time"
)

// Event is anything a Client emits. The concrete types are PairingChallenge,
// Open, Closed, CredentialsUpdated and MessageReceived.
type Event interface {
	isEvent()
}

// PairingChallenge is a fresh QR payload and/or numeric pairing code that the
// operator must consume to link this device.
type PairingChallenge struct {
	QR   string // raw QR payload, empty when only a code is available
	Code string // numeric pairing code, empty in QR-only mode
}

// Open means the session is authenticated and usable.
type Open struct {
	Identity string // linked account, e.g. the phone number
}

// Closed is the terminal event of an attempt.
type Closed struct {
	Reason  CloseReason
	Code    string // library or protocol specific code, informational
	Message string
}

// CredentialsUpdated means the client persisted new device credentials.
type CredentialsUpdated struct {
	Identity string
}

// MessageReceived carries an inbound message.
type MessageReceived struct {
	Envelope Envelope
}

func (PairingChallenge) isEvent()   {}
func (Open) isEvent()               {}
func (Closed) isEvent()             {}
func (CredentialsUpdated) isEvent() {}
func (MessageReceived) isEvent()    {}

func (c Closed) String() string {
	if c.Code != "" {
		return fmt.Sprintf("%s (%s): %s", c.Reason, c.Code, c.Message)
	}
	if c.Message != "" {
		return fmt.Sprintf("%s: %s", c.Reason, c.Message)
	}
	return c.Reason.String()
}

// CloseReason classifies why an attempt ended.
type CloseReason int

const (
	// CloseOther covers network errors and anything unrecognized.
	CloseOther CloseReason = iota
	// CloseLoggedOut means the account unlinked this device.
	CloseLoggedOut
	// CloseBadSession means stored credentials are unusable.
	CloseBadSession
	// CloseConflict means another session pre-empted this one.
	CloseConflict
	// CloseRestartRequired is a protocol-mandated reconnect, not a failure.
	CloseRestartRequired
	// ClosePairingTimeout means the client gave up issuing pairing challenges.
	ClosePairingTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseLoggedOut:
		return "logged out"
	case CloseBadSession:
		return "bad session"
	case CloseConflict:
		return "session conflict"
	case CloseRestartRequired:
		return "restart required"
	case ClosePairingTimeout:
		return "pairing timeout"
	default:
		return "connection closed"
	}
}

// Envelope is an inbound message in library-neutral form.
type Envelope struct {
	ID        string
	Chat      string // address replies go to (group or direct chat)
	Sender    string // stable sender address; the participant inside groups
	PushName  string
	Text      string
	IsGroup   bool
	FromMe    bool // sent by the linked account (any of its devices)
	SelfChat  bool // the chat is the linked account's own "note to self"
	Broadcast bool // status/broadcast traffic
	Timestamp time.Time
}

// Presence is a chat or account presence indicator.
type Presence int

const (
	PresenceAvailable Presence = iota
	PresenceComposing
	PresencePaused
)

func (p Presence) String() string {
	switch p {
	case PresenceComposing:
		return "composing"
	case PresencePaused:
		return "paused"
	default:
		return "available"
	}
}

// Client is one connection attempt. It is never reused after Close.
type Client interface {
	// Connect starts the attempt. Progress and failure are reported as events;
	// a returned error means the attempt could not be started at all.
	Connect(ctx context.Context) error
	// SendText sends a plain text message and returns its message id.
	SendText(ctx context.Context, to string, text string) (string, error)
	// SendReply answers env in its chat, quoting the original message.
	SendReply(ctx context.Context, env Envelope, text string) (string, error)
	// SendPresence sets a chat presence; to == "" sets account availability.
	SendPresence(ctx context.Context, to string, p Presence) error
	// Close tears the attempt down. Idempotent.
	Close()
}

// Factory builds a fresh Client whose events are delivered through emit.
type Factory func(emit func(Event)) (Client, error)
