package model

import "sync"

// Gate is a releasable one-shot signal workers block on without holding the
// registry lock. Release is idempotent; Rearm swaps in a fresh channel so a
// re-queued job can wait on the same gate again.
type Gate struct {
	mu       sync.Mutex
	ch       chan struct{}
	released bool
}

// NewGate creates an unreleased gate
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// NewReleasedGate creates a gate that is already open
func NewReleasedGate() *Gate {
	g := NewGate()
	g.Release()
	return g
}

// Release opens the gate, waking all current and future waiters
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.released {
		g.released = true
		close(g.ch)
	}
}

// Rearm closes the gate again so the next run can wait on it
func (g *Gate) Rearm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		g.released = false
		g.ch = make(chan struct{})
	}
}

// Released reports whether the gate is currently open
func (g *Gate) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// Done returns a channel closed when the gate is released. Callers must
// re-fetch the channel after a Rearm.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}
