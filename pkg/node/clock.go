package node

import "sync"

// lamportClock implements C2. Tick and Update are linearizable with
// respect to each other via a single mutex; this scalar clock never needs
// more than that.
type lamportClock struct {
	mu    sync.Mutex
	value uint64
}

// Tick increments the clock and returns the new value. Every outbound
// frame's timestamp comes from Tick.
func (c *lamportClock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Update applies the receive rule: clock = max(clock, t) + 1. Every
// inbound frame triggers Update before its handler runs.
func (c *lamportClock) Update(received uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.value {
		c.value = received
	}
	c.value++
}

// Peek returns the current value without advancing it, for logging.
func (c *lamportClock) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
