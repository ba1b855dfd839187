// Package errring keeps a fixed-size ring of the most recent errors per
// component, surfaced through the control API for diagnostics.
package errring

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// DefaultCapacity is the per-component ring size.
const DefaultCapacity = 100

// Ring is a fixed-size ring buffer of collection errors.
// Push overwrites the oldest entry when full.
type Ring struct {
	mu      sync.RWMutex
	entries []model.CollectionError
	head    int
	count   int
	cap     int
}

// NewRing creates a ring buffer with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries: make([]model.CollectionError, capacity),
		cap:     capacity,
	}
}

// Push adds an error, overwriting the oldest if full.
func (r *Ring) Push(e model.CollectionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// Snapshot returns all buffered errors, newest first.
func (r *Ring) Snapshot() []model.CollectionError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CollectionError, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + r.cap) % r.cap
		out = append(out, r.entries[idx])
	}
	return out
}

// Len returns the number of buffered errors.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Registry maps component names to their error rings.
type Registry struct {
	rings *xsync.Map[string, *Ring]
	cap   int
}

// NewRegistry creates a registry whose rings hold capacity entries each.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		rings: xsync.NewMap[string, *Ring](),
		cap:   capacity,
	}
}

// Record appends an error to the named component's ring, stamping the time
// if the entry carries none.
func (g *Registry) Record(component string, e model.CollectionError) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	ring, _ := g.rings.LoadOrCompute(component, func() (*Ring, bool) {
		return NewRing(g.cap), false
	})
	ring.Push(e)
}

// Snapshot returns the buffered errors for one component, newest first.
func (g *Registry) Snapshot(component string) []model.CollectionError {
	ring, ok := g.rings.Load(component)
	if !ok {
		return nil
	}
	return ring.Snapshot()
}

// Components returns the names of all components that have recorded errors.
func (g *Registry) Components() []string {
	var names []string
	g.rings.Range(func(name string, _ *Ring) bool {
		names = append(names, name)
		return true
	})
	return names
}
