// Package metrics keeps in-process counters, gauges, timings and outcomes,
// keyed by "topic/name", with optional sqlite persistence across restarts.
package metrics

import (
	"database/sql"
	"sort"
	"sync"
	"time"
)

const maxSamples = 500 // per timing, for percentiles

type timing struct {
	Count   int64           `json:"count"`
	Total   time.Duration   `json:"total"`
	Min     time.Duration   `json:"min"`
	Max     time.Duration   `json:"max"`
	samples []time.Duration // not persisted
}

type outcome struct {
	Success int64            `json:"success"`
	Failure int64            `json:"failure"`
	Reasons map[string]int64 `json:"reasons,omitempty"`
}

// Manager holds every metric. All methods are goroutine-safe.
type Manager struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]int64
	timings  map[string]*timing
	outcomes map[string]*outcome

	db       *sql.DB
	stopSave chan struct{}
	saveDone chan struct{}
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the process-wide manager.
func GetInstance() *Manager {
	once.Do(func() {
		instance = newManager()
	})
	return instance
}

func newManager() *Manager {
	return &Manager{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
		timings:  make(map[string]*timing),
		outcomes: make(map[string]*outcome),
	}
}

func key(topic, name string) string {
	return topic + "/" + name
}

// Add adds delta to a counter.
func (m *Manager) Add(topic, name string, delta int64) {
	m.mu.Lock()
	m.counters[key(topic, name)] += delta
	m.mu.Unlock()
}

// Set records a gauge value.
func (m *Manager) Set(topic, name string, value int64) {
	m.mu.Lock()
	m.gauges[key(topic, name)] = value
	m.mu.Unlock()
}

// Duration records one timed operation.
func (m *Manager) Duration(topic, name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(topic, name)
	t, ok := m.timings[k]
	if !ok {
		t = &timing{Min: d, Max: d}
		m.timings[k] = t
	}
	t.Count++
	t.Total += d
	if d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.samples = append(t.samples, d)
	if len(t.samples) > maxSamples {
		t.samples = t.samples[len(t.samples)-maxSamples:]
	}
}

// Success counts a successful operation.
func (m *Manager) Success(topic, op string) {
	m.mu.Lock()
	m.outcome(key(topic, op)).Success++
	m.mu.Unlock()
}

// Failure counts a failed operation; reason may be empty.
func (m *Manager) Failure(topic, op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.outcome(key(topic, op))
	o.Failure++
	if reason != "" {
		if o.Reasons == nil {
			o.Reasons = make(map[string]int64)
		}
		o.Reasons[reason]++
	}
}

// outcome must be called with mu held.
func (m *Manager) outcome(k string) *outcome {
	o, ok := m.outcomes[k]
	if !ok {
		o = &outcome{}
		m.outcomes[k] = o
	}
	return o
}

// TimingSnapshot summarises a timing in milliseconds.
type TimingSnapshot struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avgMs"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
	P95Ms float64 `json:"p95Ms"`
}

// OutcomeSnapshot summarises successes and failures.
type OutcomeSnapshot struct {
	Success     int64            `json:"success"`
	Failure     int64            `json:"failure"`
	SuccessRate float64          `json:"successRate"`
	Reasons     map[string]int64 `json:"reasons,omitempty"`
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Counters map[string]int64           `json:"counters"`
	Gauges   map[string]int64           `json:"gauges"`
	Timings  map[string]TimingSnapshot  `json:"timings"`
	Outcomes map[string]OutcomeSnapshot `json:"outcomes"`
}

// Snapshot copies the current values.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Counters: make(map[string]int64, len(m.counters)),
		Gauges:   make(map[string]int64, len(m.gauges)),
		Timings:  make(map[string]TimingSnapshot, len(m.timings)),
		Outcomes: make(map[string]OutcomeSnapshot, len(m.outcomes)),
	}
	for k, v := range m.counters {
		s.Counters[k] = v
	}
	for k, v := range m.gauges {
		s.Gauges[k] = v
	}
	for k, t := range m.timings {
		ts := TimingSnapshot{
			Count: t.Count,
			MinMs: ms(t.Min),
			MaxMs: ms(t.Max),
			P95Ms: percentile(t.samples, 95),
		}
		if t.Count > 0 {
			ts.AvgMs = ms(t.Total) / float64(t.Count)
		}
		s.Timings[k] = ts
	}
	for k, o := range m.outcomes {
		snap := OutcomeSnapshot{Success: o.Success, Failure: o.Failure}
		if total := o.Success + o.Failure; total > 0 {
			snap.SuccessRate = float64(o.Success) / float64(total)
		}
		if len(o.Reasons) > 0 {
			snap.Reasons = make(map[string]int64, len(o.Reasons))
			for r, n := range o.Reasons {
				snap.Reasons[r] = n
			}
		}
		s.Outcomes[k] = snap
	}
	return s
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func percentile(samples []time.Duration, p int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*p + 99) / 100
	if idx < 1 {
		idx = 1
	}
	return ms(sorted[idx-1])
}
