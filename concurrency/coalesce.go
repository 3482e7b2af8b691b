// Package concurrency provides the WAL group-commit fsync coalescer shared
// by every in-process committer.
package concurrency

import (
	"sync"
	"time"
)

// Coalescer batches concurrently arriving fsync requests into a single
// underlying syscall: the first caller in a window becomes the leader,
// sleeps out the coalesce window so late arrivals can queue behind it, then
// performs the fsync once and wakes every waiter with the same result.
type Coalescer struct {
	mu         sync.Mutex
	cond       *sync.Cond
	window     time.Duration
	pending    bool
	syncing    bool
	err        error
	generation uint64
}

// NewCoalescer creates a coalescer with the given fsync batching window. A
// zero window disables the wait: the leader fsyncs at once, and a caller
// that arrives while an fsync is running waits for it and then starts its
// own cycle.
func NewCoalescer(window time.Duration) *Coalescer {
	c := &Coalescer{window: window}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Fsync runs fn, the caller's fsync, coalesced with any concurrent callers.
// If a cycle is pending and its fsync has not started yet, Fsync joins it
// and returns its result rather than performing a redundant syscall; if the
// fsync is already running, Fsync waits for it and then joins or leads the
// next cycle.
func (c *Coalescer) Fsync(fn func() error) error {
	c.mu.Lock()
	// A caller arriving while fn is already running waits for that cycle
	// to end and then joins or leads the next one.
	for c.syncing {
		c.cond.Wait()
	}
	myGeneration := c.generation
	if c.pending {
		for c.generation == myGeneration {
			c.cond.Wait()
		}
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending = true
	c.mu.Unlock()

	if c.window > 0 {
		time.Sleep(c.window)
	}

	c.mu.Lock()
	c.syncing = true
	c.mu.Unlock()
	err := fn()

	c.mu.Lock()
	c.err = err
	c.pending = false
	c.syncing = false
	c.generation++
	c.cond.Broadcast()
	c.mu.Unlock()
	return err
}
