// Package supervisor owns the agent's cycle scheduling and lifecycle. It
// runs the collection, upload and sync timers, wires the connectivity edge
// trigger, and drains everything on shutdown.
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/collect"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/connectivity"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/mirror"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/upload"
)

// Collector runs one collection cycle.
type Collector interface {
	Execute(ctx context.Context) (collect.CycleResult, error)
}

// Uploader runs one upload cycle.
type Uploader interface {
	PerformUpload(ctx context.Context) (upload.UploadResult, error)
}

// Syncer runs one remote-to-local sync cycle.
type Syncer interface {
	PerformSync(ctx context.Context) (mirror.SyncResult, error)
}

// PendingCounter reports the outbox backlog, for the edge trigger.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// Config tunes the supervisor's timers and thresholds.
type Config struct {
	CollectionInterval time.Duration
	UploadInterval     time.Duration
	SyncInterval       time.Duration

	// optional cron expressions overriding the interval timers
	CollectionSchedule string
	UploadSchedule     string
	SyncSchedule       string

	EdgeTriggerMin int
	ShutdownGrace  time.Duration
}

// Status is the aggregated snapshot served by the control API.
type Status struct {
	Connectivity model.ConnectivityStatus `json:"connectivity"`
	LastCollect  *collect.CycleResult     `json:"last_collect,omitempty"`
	LastUpload   *upload.UploadResult     `json:"last_upload,omitempty"`
	LastSync     *mirror.SyncResult       `json:"last_sync,omitempty"`
	RunningCycle string                   `json:"running_cycle,omitempty"`
}

// Supervisor schedules the cycles and carries the last result of each.
type Supervisor struct {
	cfg       Config
	collector Collector
	uploader  Uploader
	syncer    Syncer
	monitor   *connectivity.Monitor
	pending   PendingCounter
	guards    map[string]*guard.Guard

	cron *cron.Cron

	mu          sync.Mutex
	lastCollect *collect.CycleResult
	lastUpload  *upload.UploadResult
	lastSync    *mirror.SyncResult

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup // timer and edge loops
	cycles     sync.WaitGroup // in-flight cycles
}

// New wires a supervisor. The guards map carries one guard per cycle name
// ("collect", "upload", "sync"); the supervisor owns them, and every path
// it launches (timers, cron, edge triggers, manual triggers) acquires the
// matching guard before the component runs.
func New(cfg Config, collector Collector, uploader Uploader, syncer Syncer,
	monitor *connectivity.Monitor, pending PendingCounter, guards map[string]*guard.Guard) *Supervisor {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		collector:  collector,
		uploader:   uploader,
		syncer:     syncer,
		monitor:    monitor,
		pending:    pending,
		guards:     guards,
		cron:       cron.New(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the initial sync, then launches the timers, the cron overrides
// and the connectivity edge loop.
func (s *Supervisor) Start() {
	log.Printf("[supervisor] running initial sync")
	s.runCycle("sync", s.runSync)

	s.startTimer("collect", s.cfg.CollectionInterval, s.cfg.CollectionSchedule, s.runCollect)
	s.startTimer("upload", s.cfg.UploadInterval, s.cfg.UploadSchedule, s.runUpload)
	s.startTimer("sync", s.cfg.SyncInterval, s.cfg.SyncSchedule, s.runSync)
	s.cron.Start()

	s.wg.Add(1)
	go s.edgeLoop()
}

// startTimer launches the interval loop for one cycle, or registers a cron
// entry when a schedule override is set.
func (s *Supervisor) startTimer(name string, interval time.Duration, schedule string,
	run func(ctx context.Context) error) {
	if schedule != "" {
		if _, err := s.cron.AddFunc(schedule, func() {
			s.runCycle(name, run)
		}); err != nil {
			log.Printf("[supervisor] invalid %s schedule %q, falling back to interval: %v",
				name, schedule, err)
		} else {
			log.Printf("[supervisor] %s cycle on cron schedule %q", name, schedule)
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runCycle(name, run)
			case <-s.stopCh:
				return
			}
		}
	}()
}

// runCycle takes the cycle's guard, then executes run with panic
// containment. A cycle already holding the guard is skipped, not queued.
func (s *Supervisor) runCycle(name string, run func(ctx context.Context) error) error {
	if g := s.guards[name]; g != nil {
		if err := g.TryAcquire(name); err != nil {
			return err
		}
		defer g.Release()
	}
	return s.runLocked(name, run)
}

// runLocked executes run assuming the cycle's guard is already held.
func (s *Supervisor) runLocked(name string, run func(ctx context.Context) error) error {
	s.cycles.Add(1)
	defer s.cycles.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[supervisor] FATAL: %s cycle panicked: %v", name, r)
		}
	}()
	return run(s.rootCtx)
}

func (s *Supervisor) runCollect(ctx context.Context) error {
	result, err := s.collector.Execute(ctx)
	if err != nil {
		if !errors.Is(err, guard.ErrCycleRunning) {
			log.Printf("[supervisor] collection cycle failed: %v", err)
		}
		return err
	}
	s.mu.Lock()
	s.lastCollect = &result
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) runUpload(ctx context.Context) error {
	result, err := s.uploader.PerformUpload(ctx)
	if err != nil {
		if !errors.Is(err, guard.ErrCycleRunning) {
			log.Printf("[supervisor] upload cycle failed: %v", err)
		}
		return err
	}
	s.mu.Lock()
	s.lastUpload = &result
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) runSync(ctx context.Context) error {
	result, err := s.syncer.PerformSync(ctx)
	if errors.Is(err, guard.ErrCycleRunning) {
		return err
	}
	s.mu.Lock()
	s.lastSync = &result
	s.mu.Unlock()
	if err != nil {
		log.Printf("[supervisor] sync cycle failed: %v", err)
	}
	return err
}

// edgeLoop uploads immediately after a reconnect when enough rows piled up.
func (s *Supervisor) edgeLoop() {
	defer s.wg.Done()
	edges := s.monitor.Edges()
	for {
		select {
		case state := <-edges:
			if state != connectivity.StateConnected {
				continue
			}
			n, err := s.pending.CountPending(s.rootCtx)
			if err != nil {
				log.Printf("[supervisor] edge trigger: count pending: %v", err)
				continue
			}
			if n > s.cfg.EdgeTriggerMin {
				log.Printf("[supervisor] reconnected with %d pending rows, triggering upload", n)
				go s.runCycle("upload", s.runUpload)
			}
		case <-s.stopCh:
			return
		}
	}
}

// TriggerCollect starts a collection cycle in the background. Returns
// guard.ErrCycleRunning when one is already in flight.
func (s *Supervisor) TriggerCollect() error {
	return s.trigger("collect", s.runCollect)
}

// TriggerUpload starts an upload cycle in the background.
func (s *Supervisor) TriggerUpload() error {
	return s.trigger("upload", s.runUpload)
}

// TriggerSync starts a sync cycle in the background.
func (s *Supervisor) TriggerSync() error {
	return s.trigger("sync", s.runSync)
}

// trigger takes the cycle's guard before answering, so two concurrent
// triggers resolve to exactly one accepted and one rejected; checking
// Running() and spawning afterwards would leave a window where both
// report accepted. The guard is held for the whole background run.
func (s *Supervisor) trigger(name string, run func(ctx context.Context) error) error {
	g := s.guards[name]
	if g == nil {
		go s.runLocked(name, run)
		return nil
	}
	if err := g.TryAcquire(name); err != nil {
		return err
	}
	go func() {
		defer g.Release()
		s.runLocked(name, run)
	}()
	return nil
}

// Connectivity returns the monitor's current snapshot.
func (s *Supervisor) Connectivity() model.ConnectivityStatus {
	return s.monitor.Current()
}

// Status returns the aggregated cycle snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connectivity: s.monitor.Current(),
		LastCollect:  s.lastCollect,
		LastUpload:   s.lastUpload,
		LastSync:     s.lastSync,
	}
	for name, g := range s.guards {
		if _, _, running := g.Running(); running {
			st.RunningCycle = name
			break
		}
	}
	return st
}

// Stop shuts the supervisor down: timers first, then contexts, then an
// awaited drain of in-flight cycles bounded by the shutdown grace.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.cron.Stop()
	s.rootCancel()

	done := make(chan struct{})
	go func() {
		s.cycles.Wait()
		s.wg.Wait()
		close(done)
	}()
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		log.Printf("[supervisor] all cycles drained")
	case <-time.After(grace):
		log.Printf("[supervisor] shutdown grace of %s expired, forcing exit", grace)
	}
}
