package unread

import "sync"

// Reader is the read-only face of a counter handed to consumers.
type Reader interface {
	Value() int
	Changed() <-chan struct{}
}

// Counter is a non-negative integer. Decrements below zero clamp at zero.
type Counter struct {
	mu      sync.Mutex
	value   int
	epoch   uint64
	changed chan struct{}
}

func NewCounter() *Counter {
	return &Counter{changed: make(chan struct{}, 1)}
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Counter) Increment() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
	c.notify()
}

// Decrement subtracts n, clamped at zero. Non-positive n is ignored.
func (c *Counter) Decrement(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.value = max(0, c.value-n)
	c.mu.Unlock()
	c.notify()
}

// Set replaces the value. Negative input is treated as zero.
func (c *Counter) Set(n int) {
	c.mu.Lock()
	c.value = max(0, n)
	c.mu.Unlock()
	c.notify()
}

// Reset zeroes the counter and invalidates any reconciliation still in flight.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.value = 0
	c.epoch++
	c.mu.Unlock()
	c.notify()
}

// Epoch identifies the current lifetime between resets.
func (c *Counter) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// SetIfEpoch replaces the value only if no Reset happened since epoch was read.
func (c *Counter) SetIfEpoch(epoch uint64, n int) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.value = max(0, n)
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *Counter) Changed() <-chan struct{} {
	return c.changed
}

func (c *Counter) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
