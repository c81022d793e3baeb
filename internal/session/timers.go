package session

import (
	"time"

	"github.com/benbjohnson/clock"
)

type timerKind int

const (
	timerReconnect timerKind = iota
	timerKeepalive
	timerStatus
)

func (k timerKind) String() string {
	switch k {
	case timerReconnect:
		return "reconnect"
	case timerKeepalive:
		return "keepalive"
	case timerStatus:
		return "status"
	default:
		return "unknown"
	}
}

// timerEvent is posted to the loop when a timer fires. The token ties it to
// one arming; firings of cancelled or re-armed timers are dropped.
type timerEvent struct {
	kind  timerKind
	token uint64
}

type armedTimer struct {
	t     *clock.Timer
	token uint64
}

// timerSet owns every timer of the supervisor. At most one timer per kind is
// armed at any moment. Only the loop goroutine touches it.
type timerSet struct {
	clock  clock.Clock
	post   func(timerEvent)
	next   uint64
	active map[timerKind]*armedTimer
}

func newTimerSet(c clock.Clock, post func(timerEvent)) *timerSet {
	return &timerSet{
		clock:  c,
		post:   post,
		active: make(map[timerKind]*armedTimer),
	}
}

// schedule (re)arms the timer of the given kind.
func (ts *timerSet) schedule(kind timerKind, d time.Duration) {
	ts.cancel(kind)
	ts.next++
	token := ts.next
	t := ts.clock.AfterFunc(d, func() {
		ts.post(timerEvent{kind: kind, token: token})
	})
	ts.active[kind] = &armedTimer{t: t, token: token}
}

func (ts *timerSet) cancel(kind timerKind) {
	if a, ok := ts.active[kind]; ok {
		a.t.Stop()
		delete(ts.active, kind)
	}
}

func (ts *timerSet) cancelAll() {
	for kind := range ts.active {
		ts.cancel(kind)
	}
}

// claim consumes a firing. It returns false for stale firings.
func (ts *timerSet) claim(ev timerEvent) bool {
	a, ok := ts.active[ev.kind]
	if !ok || a.token != ev.token {
		return false
	}
	delete(ts.active, ev.kind)
	return true
}

func (ts *timerSet) pending(kind timerKind) bool {
	_, ok := ts.active[kind]
	return ok
}

func (ts *timerSet) count() int {
	return len(ts.active)
}
