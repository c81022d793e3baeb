package keepalive

import (
	"testing"
	"time"
)

func TestFailuresWithinThresholdDoNotEscalate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(20 * time.Second)
	m.Reset(start)

	for i := 1; i <= 3; i++ {
		if m.Failure(start.Add(time.Duration(i) * 20 * time.Second)) {
			t.Fatalf("escalated after %d failures within threshold", i)
		}
	}
	if m.Failures() != 3 {
		t.Errorf("Failures() = %d, want 3", m.Failures())
	}
}

func TestEscalatesOnceAfterSilence(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(20 * time.Second)
	m.Reset(start)

	late := start.Add(61 * time.Second)
	if !m.Failure(late) {
		t.Fatal("expected escalation after 61s of silence")
	}
	if m.Failure(late.Add(time.Second)) {
		t.Error("second failure after escalation must not escalate again")
	}
	if m.Expired(late.Add(time.Minute)) {
		t.Error("Expired after escalation must not report again")
	}

	m.Reset(late.Add(2 * time.Minute))
	if m.Escalated() {
		t.Error("Reset should clear escalation")
	}
}

func TestSuccessExtendsDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(10 * time.Second)
	m.Reset(start)

	m.Success(start.Add(25 * time.Second))
	if m.Expired(start.Add(50 * time.Second)) {
		t.Error("expired although last success was 25s ago with 30s threshold")
	}
	if !m.Expired(start.Add(56 * time.Second)) {
		t.Error("expected expiry 31s after last success")
	}
}

func TestStaleSuccessIgnored(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(10 * time.Second)
	m.Reset(start.Add(time.Minute))
	m.Success(start)
	if !m.LastSuccess().Equal(start.Add(time.Minute)) {
		t.Errorf("LastSuccess moved backwards to %v", m.LastSuccess())
	}
}
