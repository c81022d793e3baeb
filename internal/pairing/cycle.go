// Package pairing tracks pairing challenges issued during a connection
// attempt and renders them for the dashboard and the terminal.
package pairing

// DefaultMaxCycles is how many challenges an attempt may issue before the
// operator is assumed absent.
const DefaultMaxCycles = 5

// Cycle counts challenges within one connection attempt.
type Cycle struct {
	max   int
	count int
}

// NewCycle returns a Cycle allowing max challenges per attempt.
// max <= 0 uses DefaultMaxCycles.
func NewCycle(max int) *Cycle {
	if max <= 0 {
		max = DefaultMaxCycles
	}
	return &Cycle{max: max}
}

// Reset starts a new attempt.
func (c *Cycle) Reset() {
	c.count = 0
}

// Next records a new challenge. ok is false once the count exceeds the
// maximum, at which point the attempt should be abandoned.
func (c *Cycle) Next() (count int, ok bool) {
	c.count++
	return c.count, c.count <= c.max
}

// Count is the number of challenges seen in this attempt.
func (c *Cycle) Count() int {
	return c.count
}

// Max is the configured limit.
func (c *Cycle) Max() int {
	return c.max
}
