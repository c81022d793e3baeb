// Package relay forwards inbound chat messages to the AI backend and sends
// the reply back, suppressing echoes of the bridge's own sends.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	. "github.com/roelfdiedericks/wabridge/internal/metrics"
)

// DefaultTimeout bounds one backend call.
const DefaultTimeout = 120 * time.Second

// DefaultFallback is sent when the backend cannot produce a reply.
const DefaultFallback = "Sorry, I can't reply right now. Please try again in a moment."

// Sender is the part of a connected client the pipeline needs.
type Sender interface {
	SendText(ctx context.Context, to string, text string) (string, error)
	SendReply(ctx context.Context, env adapter.Envelope, text string) (string, error)
	SendPresence(ctx context.Context, to string, p adapter.Presence) error
}

// Options configures a Pipeline.
type Options struct {
	Backend  Backend
	Ledger   *Ledger // nil creates a default ledger
	Timeout  time.Duration
	Fallback string
}

// Pipeline handles inbound messages. Each message runs on its own goroutine
// with its own timeout; messages from the same sender are handled one at a
// time, in arrival order of lock acquisition.
type Pipeline struct {
	backend  Backend
	ledger   *Ledger
	timeout  time.Duration
	fallback string

	mu      sync.Mutex
	senders map[string]*senderLock
	wg      sync.WaitGroup
}

type senderLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		backend:  opts.Backend,
		ledger:   opts.Ledger,
		timeout:  opts.Timeout,
		fallback: opts.Fallback,
		senders:  make(map[string]*senderLock),
	}
	if p.ledger == nil {
		p.ledger = NewLedger()
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.fallback == "" {
		p.fallback = DefaultFallback
	}
	return p
}

// Ledger exposes the self-send ledger.
func (p *Pipeline) Ledger() *Ledger {
	return p.ledger
}

// Accept reports whether env should be relayed, with a reason when not.
func (p *Pipeline) Accept(env adapter.Envelope) (bool, string) {
	switch {
	case env.Broadcast:
		return false, "broadcast"
	case strings.TrimSpace(env.Text) == "":
		return false, "empty"
	case env.ID != "" && p.ledger.Contains(env.ID):
		return false, "self-echo"
	case env.FromMe && !env.SelfChat:
		return false, "own outgoing message"
	case env.Sender == "" || env.Chat == "":
		return false, "no sender"
	}
	return true, ""
}

// Dispatch filters env and, if accepted, handles it in the background.
// It never blocks on the backend.
func (p *Pipeline) Dispatch(ctx context.Context, s Sender, env adapter.Envelope) bool {
	if ok, reason := p.Accept(env); !ok {
		L_trace("relay: message skipped", "id", env.ID, "reason", reason)
		MetricInc("relay", "skipped")
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Handle(ctx, s, env)
	}()
	return true
}

// Wait blocks until all dispatched messages are finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Handle relays one accepted message synchronously.
func (p *Pipeline) Handle(ctx context.Context, s Sender, env adapter.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			L_error("relay: panic while handling message", "id", env.ID, "sender", env.Sender, "panic", r)
		}
	}()

	unlock := p.lockSender(env.Sender)
	defer unlock()

	L_info("relay: inbound message", "id", env.ID, "sender", env.Sender, "group", env.IsGroup, "len", len(env.Text))

	if err := s.SendPresence(ctx, env.Chat, adapter.PresenceComposing); err != nil {
		L_debug("relay: composing presence failed", "chat", env.Chat, "error", err)
	}

	reply := p.reply(ctx, env)

	if err := s.SendPresence(ctx, env.Chat, adapter.PresencePaused); err != nil {
		L_debug("relay: paused presence failed", "chat", env.Chat, "error", err)
	}

	id, err := s.SendReply(ctx, env, reply)
	if err != nil {
		L_warn("relay: reply failed, retrying as plain message", "chat", env.Chat, "error", err)
		MetricInc("relay", "plain_resends")
		id, err = s.SendText(ctx, env.Chat, reply)
		if err != nil {
			L_error("relay: reply could not be delivered", "chat", env.Chat, "error", err)
			MetricFail("relay", "send", "undelivered")
			return
		}
	}
	MetricSuccess("relay", "send")
	p.ledger.Add(id)
	L_debug("relay: reply sent", "id", id, "chat", env.Chat, "len", len(reply))
}

// reply asks the backend for an answer, falling back on any failure. The
// timeout is enforced here even if a Backend ignores its context.
func (p *Pipeline) reply(ctx context.Context, env adapter.Envelope) string {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: panic: %v", ErrBackendUnavailable, r)}
			}
		}()
		text, err := p.backend.Reply(ctx, Request{
			Phone:    env.Sender,
			Text:     env.Text,
			PushName: env.PushName,
		})
		done <- result{text, err}
	}()

	start := time.Now()
	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
	}
	MetricSince("relay", "backend", start)

	if res.err != nil {
		L_warn("relay: backend failed, sending fallback", "sender", env.Sender, "error", res.err)
		MetricFail("relay", "backend", "error")
		return p.fallback
	}
	if strings.TrimSpace(res.text) == "" {
		L_warn("relay: backend returned empty reply, sending fallback", "sender", env.Sender)
		MetricFail("relay", "backend", "empty")
		return p.fallback
	}
	MetricSuccess("relay", "backend")
	return res.text
}

// lockSender serializes work per sender and returns the unlock func.
func (p *Pipeline) lockSender(sender string) func() {
	p.mu.Lock()
	l, ok := p.senders[sender]
	if !ok {
		l = &senderLock{}
		p.senders[sender] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.senders, sender)
		}
		p.mu.Unlock()
	}
}
