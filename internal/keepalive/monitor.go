// Package keepalive decides when a connection that still looks open has
// actually gone silent.
package keepalive

import "time"

// DeadAfter is how many probe intervals of silence declare a connection dead.
const DeadAfter = 3

// Monitor tracks probe outcomes for one connected session. It holds no timers;
// the owner calls it from its own tick and probe-result handlers.
type Monitor struct {
	interval    time.Duration
	lastSuccess time.Time
	failures    int
	escalated   bool
}

// NewMonitor returns a Monitor for the given probe interval.
func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{interval: interval}
}

// Reset starts tracking a freshly opened connection. The open itself counts
// as the last sign of life.
func (m *Monitor) Reset(now time.Time) {
	m.lastSuccess = now
	m.failures = 0
	m.escalated = false
}

// Success records a probe that went through.
func (m *Monitor) Success(now time.Time) {
	if now.After(m.lastSuccess) {
		m.lastSuccess = now
	}
	m.failures = 0
}

// Failure records a failed probe and reports whether the connection should be
// declared dead now. It returns true at most once per Reset.
func (m *Monitor) Failure(now time.Time) bool {
	m.failures++
	return m.Expired(now)
}

// Expired reports whether silence has exceeded the dead threshold. Like
// Failure it returns true at most once per Reset, so a late probe result after
// escalation cannot trigger a second recovery.
func (m *Monitor) Expired(now time.Time) bool {
	if m.escalated {
		return false
	}
	if now.Sub(m.lastSuccess) > m.Threshold() {
		m.escalated = true
		return true
	}
	return false
}

// Threshold is the silence that declares the connection dead.
func (m *Monitor) Threshold() time.Duration {
	return DeadAfter * m.interval
}

// Interval is the probe interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Failures is the number of consecutive failed probes.
func (m *Monitor) Failures() int {
	return m.failures
}

// LastSuccess is the time of the last successful probe or open.
func (m *Monitor) LastSuccess() time.Time {
	return m.lastSuccess
}

// Escalated reports whether the monitor already declared this connection dead.
func (m *Monitor) Escalated() bool {
	return m.escalated
}
