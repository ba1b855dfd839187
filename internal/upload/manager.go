// Package upload drains the meter_reading outbox to the Client System's
// bulk endpoint.
package upload

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/remote"
)

const (
	defaultBatchSize  = 500
	defaultMaxRetries = 5
	defaultDeadline   = 10 * time.Minute
	backoffBase       = time.Second
	backoffCap        = time.Minute
	finalizeTimeout   = 30 * time.Second
)

// UploadResult aggregates one upload cycle.
type UploadResult struct {
	Uploaded  int           `json:"uploaded"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// OutboxStore is the store-side half of the manager.
type OutboxStore interface {
	SelectForUpload(ctx context.Context, limit, maxRetries int) ([]model.MeterReading, error)
	MarkDone(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, reason string) error
	RevertToPending(ctx context.Context, ids []int64, reason string) error
	CountPending(ctx context.Context) (int, error)
}

// Sender posts one batch to the remote.
type Sender interface {
	UploadReadings(ctx context.Context, batch []model.MeterReading) error
}

// Connectivity exposes the monitor's current snapshot.
type Connectivity interface {
	Current() model.ConnectivityStatus
}

// ErrorSink receives upload-stage errors for the diagnostics ring.
type ErrorSink interface {
	Record(component string, err model.CollectionError)
}

// Manager runs upload cycles: select pending rows, mark in_flight, POST,
// then finalize by outcome class.
type Manager struct {
	store        OutboxStore
	sender       Sender
	connectivity Connectivity
	errs         ErrorSink
	guard        *guard.Guard

	batchSize  int
	maxRetries int
	deadline   time.Duration
	sleep      func(time.Duration) // swapped in tests

	// consecutive transient failures across cycles; guarded by the cycle guard
	transientStreak int
}

// NewManager wires an upload manager. Non-positive sizes select defaults.
func NewManager(store OutboxStore, sender Sender, conn Connectivity, errs ErrorSink,
	g *guard.Guard, batchSize, maxRetries int, deadline time.Duration) *Manager {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	return &Manager{
		store:        store,
		sender:       sender,
		connectivity: conn,
		errs:         errs,
		guard:        g,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		deadline:     deadline,
		sleep:        time.Sleep,
	}
}

// PerformUpload drains the outbox until it holds less than one full batch or
// the cycle deadline passes. A cycle already in flight is rejected with
// guard.ErrCycleRunning. When disconnected it returns immediately with the
// pending count.
func (m *Manager) PerformUpload(ctx context.Context) (UploadResult, error) {
	if err := m.guard.TryAcquire("upload"); err != nil {
		return UploadResult{}, err
	}
	defer m.guard.Release()

	start := time.Now().UTC()
	result := UploadResult{StartedAt: start}

	if !m.connectivity.Current().IsConnected {
		n, err := m.store.CountPending(ctx)
		if err != nil {
			return result, err
		}
		result.Remaining = n
		log.Printf("[upload] skipped: disconnected, %d pending", n)
		return result, nil
	}

	deadline := time.Now().Add(m.deadline)

	// backoff spans whole cycles: after transient failures the next cycle
	// waits before touching the outbox again
	if m.transientStreak > 0 {
		delay := cycleBackoff(m.transientStreak)
		log.Printf("[upload] backing off %s after %d transient failures", delay, m.transientStreak)
		m.sleep(delay)
	}

	for {
		if time.Now().After(deadline) {
			log.Printf("[upload] cycle deadline reached")
			break
		}
		if ctx.Err() != nil {
			break
		}

		batch, err := m.store.SelectForUpload(ctx, m.batchSize, m.maxRetries)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		ids := make([]int64, len(batch))
		for i, mr := range batch {
			ids[i] = mr.ID
		}

		err = m.sender.UploadReadings(ctx, batch)

		// status writes must land even when the cycle context is already
		// canceled: rows flipped to in_flight may never be left behind
		finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)

		switch classify(err) {
		case outcomeAccepted:
			if err := m.store.MarkDone(finCtx, ids); err != nil {
				finCancel()
				result.Duration = time.Since(start)
				return result, err
			}
			result.Uploaded += len(batch)
			m.transientStreak = 0

		case outcomeRejected:
			reason := err.Error()
			if err := m.store.MarkFailed(finCtx, ids, reason); err != nil {
				finCancel()
				result.Duration = time.Since(start)
				return result, err
			}
			result.Failed += len(batch)
			m.record(model.CollectionError{
				Operation: model.OpUpload,
				Error:     reason,
				Timestamp: time.Now().UTC(),
			})
			log.Printf("[upload] batch of %d rejected: %v", len(batch), err)

		case outcomeTransient:
			reason := err.Error()
			if err := m.store.RevertToPending(finCtx, ids, reason); err != nil {
				finCancel()
				result.Duration = time.Since(start)
				return result, err
			}
			m.transientStreak++
			m.record(model.CollectionError{
				Operation: model.OpUpload,
				Error:     reason,
				Timestamp: time.Now().UTC(),
			})
			log.Printf("[upload] transient failure (%d in a row), ending cycle: %v",
				m.transientStreak, err)
			remaining, cntErr := m.store.CountPending(finCtx)
			finCancel()
			if cntErr == nil {
				result.Remaining = remaining
			}
			result.Duration = time.Since(start)
			return result, nil
		}
		finCancel()

		if len(batch) < m.batchSize {
			break
		}
	}

	remaining, err := m.store.CountPending(ctx)
	if err == nil {
		result.Remaining = remaining
	}
	result.Duration = time.Since(start)
	log.Printf("[upload] cycle done: %d uploaded, %d failed, %d remaining in %s",
		result.Uploaded, result.Failed, result.Remaining, result.Duration.Round(time.Millisecond))
	return result, nil
}

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeRejected
	outcomeTransient
)

// classify buckets an upload error: nil accepted, 4xx rejected, everything
// else (5xx, transport, timeout) transient.
func classify(err error) outcome {
	if err == nil {
		return outcomeAccepted
	}
	var se *remote.StatusError
	if errors.As(err, &se) && !se.Retriable() {
		return outcomeRejected
	}
	return outcomeTransient
}

func cycleBackoff(failures int) time.Duration {
	d := time.Duration(float64(backoffBase) * math.Pow(2, float64(failures-1)))
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func (m *Manager) record(ce model.CollectionError) {
	if m.errs != nil {
		m.errs.Record("upload", ce)
	}
}
