// Package session owns the bridge's single messaging session: it sequences
// connection attempts, pairing, liveness probing, reconnect backoff and
// status reporting on one event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
	"github.com/roelfdiedericks/wabridge/internal/backoff"
	"github.com/roelfdiedericks/wabridge/internal/bus"
	"github.com/roelfdiedericks/wabridge/internal/keepalive"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	. "github.com/roelfdiedericks/wabridge/internal/metrics"
	"github.com/roelfdiedericks/wabridge/internal/pairing"
	"github.com/roelfdiedericks/wabridge/internal/relay"
	"github.com/roelfdiedericks/wabridge/internal/status"
)

const (
	defaultKeepaliveInterval = 20 * time.Second
	defaultStatusInterval    = 30 * time.Second

	closeWait    = 5 * time.Second
	drainWait    = 5 * time.Second
	finalReportT = 10 * time.Second
)

// Reporter delivers status snapshots. Publish must not block.
type Reporter interface {
	Publish(status.Report)
	Send(ctx context.Context, rep status.Report) error
}

// Options configures a Supervisor.
type Options struct {
	Factory           adapter.Factory
	Reporter          Reporter
	Pipeline          *relay.Pipeline
	Backoff           backoff.Policy
	KeepaliveInterval time.Duration
	StatusInterval    time.Duration
	MaxPairingCycles  int
	AutoRestart       bool
	Clock             clock.Clock // nil uses the wall clock
}

// Supervisor is the session state machine. All state is confined to the
// goroutine running Run; adapters, timers and probes talk to it by posting
// loop events.
type Supervisor struct {
	opts  Options
	clock clock.Clock
	ctx   context.Context

	state     State
	client    adapter.Client
	gen       uint64 // bumped whenever the current client changes
	starting  bool
	probing   bool
	challenge *pairing.Rendered

	cycle   *pairing.Cycle
	monitor *keepalive.Monitor
	timers  *timerSet

	events chan any
	done   chan struct{}
}

// Loop events besides timerEvent.
type (
	startEvent   struct{}
	adapterEvent struct {
		gen uint64
		ev  adapter.Event
	}
	probeResult struct {
		gen uint64
		err error
	}
)

// New creates a Supervisor in the Disconnected phase.
func New(opts Options) *Supervisor {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = defaultStatusInterval
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.DefaultPolicy()
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}

	s := &Supervisor{
		opts:    opts,
		clock:   c,
		ctx:     context.Background(),
		cycle:   pairing.NewCycle(opts.MaxPairingCycles),
		monitor: keepalive.NewMonitor(opts.KeepaliveInterval),
		events:  make(chan any, 256),
		done:    make(chan struct{}),
	}
	s.timers = newTimerSet(c, func(ev timerEvent) { s.post(ev) })
	return s
}

// Run starts the first attempt and processes events until ctx is cancelled,
// then shuts down cleanly. It returns ErrCrashed (wrapped) when a crash is
// recovered with AutoRestart disabled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)

	L_info("session: supervisor started")

	if err := s.dispatch(startEvent{}); err != nil {
		s.shutdown(err.Error())
		return err
	}

	for {
		select {
		case <-ctx.Done():
			reason := "service stopped"
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				reason = cause.Error()
			}
			s.shutdown(reason)
			return nil
		case ev := <-s.events:
			if err := s.dispatch(ev); err != nil {
				s.shutdown(err.Error())
				return err
			}
		}
	}
}

// post hands an event to the loop. It gives up once the loop has exited.
func (s *Supervisor) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// dispatch handles one event, converting a panic into crash recovery.
func (s *Supervisor) dispatch(ev any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.recoverCrash(r)
		}
	}()
	s.handle(ev)
	return nil
}

func (s *Supervisor) handle(ev any) {
	switch e := ev.(type) {
	case startEvent:
		s.start()
	case timerEvent:
		if !s.timers.claim(e) {
			L_trace("session: stale timer ignored", "timer", e.kind)
			return
		}
		s.onTimer(e.kind)
	case probeResult:
		s.onProbeResult(e)
	case adapterEvent:
		if e.gen != s.gen || s.client == nil {
			L_trace("session: event from retired client ignored", "event", fmt.Sprintf("%T", e.ev))
			return
		}
		s.onAdapterEvent(e.ev)
	default:
		L_warn("session: unknown loop event", "type", fmt.Sprintf("%T", ev))
	}
}

// start begins a new connection attempt unless one is already in flight.
func (s *Supervisor) start() {
	if s.starting {
		L_debug("session: start ignored, attempt already in progress", "phase", s.state.Phase)
		return
	}
	s.teardown()
	s.starting = true
	s.cycle.Reset()
	s.state.PairingCycles = 0
	s.challenge = nil

	if s.state.Phase != Connecting {
		s.setPhase(Connecting)
		s.report()
	}

	s.gen++
	gen := s.gen
	client, err := s.opts.Factory(func(ev adapter.Event) {
		s.post(adapterEvent{gen: gen, ev: ev})
	})
	if err != nil {
		s.starting = false
		s.fail(&Failure{Kind: ErrTransient, Detail: "create client: " + err.Error()}, backoff.Retry)
		return
	}
	s.client = client

	L_info("session: connecting", "attempt", s.state.ReconnectAttempts+1)
	if err := client.Connect(s.ctx); err != nil {
		s.onClosed(adapter.Closed{Reason: adapter.CloseOther, Message: "connect: " + err.Error()})
	}
}

func (s *Supervisor) onAdapterEvent(ev adapter.Event) {
	switch e := ev.(type) {
	case adapter.PairingChallenge:
		s.onChallenge(e)
	case adapter.Open:
		s.onOpen(e)
	case adapter.Closed:
		s.onClosed(e)
	case adapter.CredentialsUpdated:
		L_info("session: device credentials updated", "identity", e.Identity)
	case adapter.MessageReceived:
		if s.state.Phase != Connected {
			L_debug("session: message while not connected dropped", "id", e.Envelope.ID)
			return
		}
		MetricInc("session", "messages_in")
		s.opts.Pipeline.Dispatch(s.ctx, s.client, e.Envelope)
	}
}

func (s *Supervisor) onChallenge(ch adapter.PairingChallenge) {
	if s.state.Phase != Connecting && s.state.Phase != PairingRequired {
		L_warn("session: pairing challenge outside of an attempt ignored", "phase", s.state.Phase)
		return
	}

	n, ok := s.cycle.Next()
	s.state.PairingCycles = n
	MetricInc("session", "pairing_challenges")
	if !ok {
		L_error("session: pairing challenges exhausted, restart the bridge to pair again",
			"cycles", n-1, "max", s.cycle.Max())
		s.teardown()
		s.fail(&Failure{Kind: ErrPairingExpired}, backoff.Halt)
		return
	}

	rendered, err := pairing.Render(ch)
	if err != nil {
		L_warn("session: failed to render pairing challenge", "error", err)
	}
	s.challenge = &rendered

	L_info("session: pairing required", "cycle", n, "max", s.cycle.Max(), "code", rendered.Code != "")
	s.setPhase(PairingRequired)
	s.report()
	bus.PublishEvent(TopicPairing, PairingShown{Rendered: rendered, Cycle: n, Max: s.cycle.Max()})
}

func (s *Supervisor) onOpen(o adapter.Open) {
	s.starting = false
	s.probing = false
	s.challenge = nil

	identity := o.Identity
	if identity == "" {
		L_warn("session: connected without an account identity")
		identity = "unknown"
	}
	s.state.Phone = identity
	s.state.LastError = ""
	s.state.ReconnectAttempts = 0

	L_info("session: connected", "phone", identity)
	MetricSuccess("session", "connection")
	s.setPhase(Connected)
	s.report()

	s.monitor.Reset(s.clock.Now())
	s.timers.schedule(timerKeepalive, s.opts.KeepaliveInterval)
	s.timers.schedule(timerStatus, s.opts.StatusInterval)
}

func (s *Supervisor) onClosed(c adapter.Closed) {
	failure := classify(c)
	L_warn("session: connection closed", "reason", c.Reason, "code", c.Code, "message", c.Message)
	s.teardown()
	s.fail(failure, backoff.Classify(c.Reason))
}

// fail records a failure and either schedules the next attempt or halts.
// The client must already be torn down.
func (s *Supervisor) fail(f *Failure, action backoff.Action) {
	s.state.LastError = f.Error()
	s.challenge = nil
	MetricFail("session", "connection", f.Kind.Error())

	if action == backoff.Halt {
		if requiresRepairing(f) {
			s.state.Phone = ""
		}
		L_error("session: stopped, operator action required", "reason", f.Error())
		s.setPhase(Disconnected)
		s.report()
		return
	}

	s.state.ReconnectAttempts++
	delay := s.opts.Backoff.Next(action, s.state.ReconnectAttempts)
	MetricInc("session", "reconnects")

	L_info("session: reconnect scheduled", "attempt", s.state.ReconnectAttempts, "delay", delay, "reason", f.Error())
	s.setPhase(Connecting)
	s.report()
	s.timers.schedule(timerReconnect, delay)
}

func (s *Supervisor) onTimer(kind timerKind) {
	switch kind {
	case timerReconnect:
		s.start()
	case timerKeepalive:
		s.onKeepalive()
	case timerStatus:
		if s.state.Phase == Connected {
			s.report()
			s.timers.schedule(timerStatus, s.opts.StatusInterval)
		}
	}
}

// onKeepalive checks for silence, then launches a probe unless one is still
// outstanding. A hung probe therefore cannot keep a dead session alive.
func (s *Supervisor) onKeepalive() {
	if s.state.Phase != Connected || s.client == nil {
		return
	}
	if s.monitor.Expired(s.clock.Now()) {
		s.declareDead()
		return
	}
	s.timers.schedule(timerKeepalive, s.opts.KeepaliveInterval)

	if s.probing {
		L_debug("session: previous keepalive probe still pending")
		return
	}
	s.probing = true

	gen, client, ctx, timeout := s.gen, s.client, s.ctx, s.opts.KeepaliveInterval
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := client.SendPresence(ctx, "", adapter.PresenceAvailable)
		s.post(probeResult{gen: gen, err: err})
	}()
}

func (s *Supervisor) onProbeResult(r probeResult) {
	if r.gen != s.gen {
		return
	}
	s.probing = false
	if s.state.Phase != Connected {
		return
	}

	now := s.clock.Now()
	if r.err == nil {
		s.monitor.Success(now)
		return
	}

	L_warn("session: keepalive probe failed", "error", r.err, "failures", s.monitor.Failures()+1,
		"silentFor", now.Sub(s.monitor.LastSuccess()))
	if s.monitor.Failure(now) {
		s.declareDead()
	}
}

func (s *Supervisor) declareDead() {
	L_error("session: connection unresponsive, forcing reconnect", "threshold", s.monitor.Threshold())
	MetricInc("session", "dead_connections")
	s.teardown()
	s.fail(&Failure{Kind: ErrConnectionDead}, backoff.Retry)
}

// teardown retires the current client. The close runs in the background so a
// hung transport cannot stall the loop; the generation bump makes any late
// events from it irrelevant.
func (s *Supervisor) teardown() {
	s.starting = false
	s.probing = false
	s.timers.cancelAll()
	if s.client == nil {
		return
	}
	c := s.client
	s.client = nil
	s.gen++
	go c.Close()
}

func (s *Supervisor) setPhase(p Phase) {
	s.timers.cancelAll()
	prev := s.state.Phase
	s.state.Phase = p
	if prev != p {
		L_debug("session: phase changed", "from", prev, "to", p)
		MetricSet("session", "phase", int64(p))
		bus.PublishEvent(TopicPhase, s.state)
	}
}

func (s *Supervisor) report() {
	s.opts.Reporter.Publish(s.snapshot())
}

// recoverCrash turns a panic in a handler into a Disconnected report and, if
// allowed, a single scheduled reconnect.
func (s *Supervisor) recoverCrash(r any) error {
	L_error("session: recovered from crash", "panic", r, "stack", string(debug.Stack()))
	MetricInc("session", "crashes")

	s.teardown()
	s.state.LastError = fmt.Sprintf("%s: %v", ErrCrashed, r)
	s.setPhase(Disconnected)
	s.report()

	if !s.opts.AutoRestart {
		return fmt.Errorf("%w: %v", ErrCrashed, r)
	}

	s.state.ReconnectAttempts++
	delay := s.opts.Backoff.Delay(s.state.ReconnectAttempts)
	L_info("session: reconnect scheduled after crash", "delay", delay)
	s.timers.schedule(timerReconnect, delay)
	return nil
}

// shutdown closes the client, drains in-flight messages and sends a final
// Disconnected report synchronously.
func (s *Supervisor) shutdown(reason string) {
	L_info("session: shutting down", "reason", reason)
	s.timers.cancelAll()
	s.starting = false

	if c := s.client; c != nil {
		s.client = nil
		s.gen++
		closed := make(chan struct{})
		go func() {
			c.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(closeWait):
			L_warn("session: client close timed out")
		}
	}

	drained := make(chan struct{})
	go func() {
		s.opts.Pipeline.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainWait):
		L_warn("session: in-flight messages abandoned")
	}

	s.state.LastError = reason
	s.challenge = nil
	s.setPhase(Disconnected)

	ctx, cancel := context.WithTimeout(context.Background(), finalReportT)
	defer cancel()
	if err := s.opts.Reporter.Send(ctx, s.snapshot()); err != nil {
		L_warn("session: final status report failed", "error", err)
	}
	L_info("session: stopped")
}

// State returns a copy of the session state. Only safe on the loop goroutine
// or after Run has returned.
func (s *Supervisor) State() State {
	return s.state
}
