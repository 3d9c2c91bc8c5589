// Package rev owns the process-wide revision counter. Every committed,
// client-visible state change bumps it exactly once; clients compare
// the value from their last snapshot against the current one to decide
// whether a full resync is needed.
package rev

import "sync"

// Counter is a monotonically increasing revision counter. The zero
// value is ready to use and starts at revision 0.
type Counter struct {
	mu sync.Mutex
	n  uint64
}

// Next increments the counter and returns the new revision.
func (c *Counter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Current returns the latest committed revision without advancing it.
func (c *Counter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
