package relay

import "sync"

// Ledger sizes. Once more than LedgerCapacity ids are held, the oldest are
// dropped until LedgerTrimTo remain.
const (
	LedgerCapacity = 500
	LedgerTrimTo   = 250
)

// Ledger remembers ids of messages the bridge sent itself, so their echoes on
// multi-device streams are not relayed back to the backend.
type Ledger struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	order    []string
	capacity int
	trimTo   int
}

// NewLedger returns a ledger with the default bounds.
func NewLedger() *Ledger {
	return newLedger(LedgerCapacity, LedgerTrimTo)
}

func newLedger(capacity, trimTo int) *Ledger {
	return &Ledger{
		ids:      make(map[string]struct{}, capacity+1),
		capacity: capacity,
		trimTo:   trimTo,
	}
}

// Add records id. Empty ids are ignored.
func (l *Ledger) Add(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[id]; ok {
		return
	}
	l.ids[id] = struct{}{}
	l.order = append(l.order, id)

	if len(l.order) > l.capacity {
		drop := len(l.order) - l.trimTo
		for _, old := range l.order[:drop] {
			delete(l.ids, old)
		}
		l.order = append([]string(nil), l.order[drop:]...)
	}
}

// Contains reports whether id was recently sent by the bridge.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

// Len is the number of ids held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
