// Package guard provides non-blocking single-flight protection for the
// agent's cycles. Each cycle type holds its own guard: a second run of the
// same cycle is rejected, different cycle types may overlap.
package guard

import (
	"errors"
	"sync"
	"time"
)

// ErrCycleRunning is returned when a cycle is requested while another holds
// the guard.
var ErrCycleRunning = errors.New("CYCLE_ALREADY_RUNNING")

// Guard is a non-blocking mutual exclusion over named cycles.
type Guard struct {
	mu      sync.Mutex
	holder  string
	since   time.Time
	running bool
}

// New returns an idle guard.
func New() *Guard {
	return &Guard{}
}

// TryAcquire takes the guard for the named cycle, or reports
// ErrCycleRunning without blocking.
func (g *Guard) TryAcquire(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrCycleRunning
	}
	g.running = true
	g.holder = name
	g.since = time.Now()
	return nil
}

// Release frees the guard. Safe to call on an idle guard.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	g.holder = ""
}

// Running reports whether a cycle holds the guard and, if so, which one and
// since when.
func (g *Guard) Running() (name string, since time.Time, running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder, g.since, g.running
}
