// Package connectivity tracks reachability of the remote Client System API
// and publishes connected/disconnected edges to interested components.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// State is the monitor's connectivity verdict.
type State string

const (
	StateUnknown      State = "UNKNOWN"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

// Transition thresholds.
const (
	successesForConnected   = 2
	failuresForDisconnected = 3

	healthCheckTimeout = 5 * time.Second
)

// HealthChecker probes the remote API. A nil return means reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Monitor periodically probes the remote and runs the
// UNKNOWN/CONNECTED/DISCONNECTED state machine. All transitions happen
// inside the monitor; other components observe via Current() and Edges().
type Monitor struct {
	checker  HealthChecker
	interval time.Duration

	mu     sync.RWMutex
	state  State
	status model.ConnectivityStatus

	edges chan State

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor probing checker every interval.
func NewMonitor(checker HealthChecker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		checker:  checker,
		interval: interval,
		state:    StateUnknown,
		edges:    make(chan State, 4),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background probe goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop signals the monitor to stop and waits for it to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Current returns a read-only snapshot of the connectivity status.
func (m *Monitor) Current() model.ConnectivityStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// State returns the current state machine verdict.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Edges returns the channel of state transitions. Sends are non-blocking;
// a slow consumer misses intermediate edges, never blocks the monitor.
func (m *Monitor) Edges() <-chan State {
	return m.edges
}

func (m *Monitor) run() {
	defer m.wg.Done()

	// Probe immediately so startup does not wait a full interval for the
	// first verdict.
	m.CheckNow()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}

// CheckNow performs one probe and applies the transition rules. Exposed for
// manual triggers and tests.
func (m *Monitor) CheckNow() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	err := m.checker.Health(ctx)
	cancel()

	m.apply(err == nil, err)
}

func (m *Monitor) apply(ok bool, probeErr error) {
	now := time.Now().UTC()

	m.mu.Lock()
	m.status.LastCheckTime = now
	if ok {
		m.status.ConsecutiveSuccesses++
		m.status.ConsecutiveFailures = 0
		m.status.LastSuccessful = now
	} else {
		m.status.ConsecutiveFailures++
		m.status.ConsecutiveSuccesses = 0
		m.status.LastFailed = now
	}

	prev := m.state
	switch {
	case ok && m.status.ConsecutiveSuccesses >= successesForConnected:
		m.state = StateConnected
	case !ok && m.status.ConsecutiveFailures >= failuresForDisconnected:
		m.state = StateDisconnected
	}
	m.status.IsConnected = m.state == StateConnected
	next := m.state
	m.mu.Unlock()

	if next == prev {
		return
	}
	if probeErr != nil {
		log.Printf("[connectivity] %s -> %s (last error: %v)", prev, next, probeErr)
	} else {
		log.Printf("[connectivity] %s -> %s", prev, next)
	}
	select {
	case m.edges <- next:
	default:
		// Consumer is behind; the edge is observable via Current() anyway.
	}
}
