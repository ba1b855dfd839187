// Package outbox persists collected readings into the meter_reading table.
// Persist is the synchronous core; an async intake with bounded buffering
// sits in front of it for callers that must not block on the database.
package outbox

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/maypok86/otter"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

const (
	defaultInsertBatchSize = 100
	insertRetries          = 3
	retryBaseDelay         = 100 * time.Millisecond

	// dedupCacheSize bounds the pre-filter; it only saves round trips, the
	// DB unique constraint stays authoritative.
	dedupCacheSize = 100_000
	dedupTTL       = 25 * time.Hour
)

// PersistResult reports what happened to one batch of readings.
type PersistResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// ReadingInserter is the store-side half of the writer.
type ReadingInserter interface {
	InsertBatch(ctx context.Context, readings []model.PendingReading) (int, error)
}

// ErrorSink receives persist-stage errors for the diagnostics ring.
type ErrorSink interface {
	Record(component string, err model.CollectionError)
}

// Writer validates, chunks and inserts pending readings.
type Writer struct {
	repo       ReadingInserter
	errs       ErrorSink
	batchSize  int
	seen       otter.Cache[string, struct{}]
	sleep      func(time.Duration) // swapped in tests
	randFactor func() float64
}

// NewWriter builds a writer. insertBatchSize <= 0 selects the default.
func NewWriter(repo ReadingInserter, errs ErrorSink, insertBatchSize int) (*Writer, error) {
	if insertBatchSize <= 0 {
		insertBatchSize = defaultInsertBatchSize
	}
	seen, err := otter.MustBuilder[string, struct{}](dedupCacheSize).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		WithTTL(dedupTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build dedup cache: %w", err)
	}
	return &Writer{
		repo:       repo,
		errs:       errs,
		batchSize:  insertBatchSize,
		seen:       seen,
		sleep:      time.Sleep,
		randFactor: rand.Float64,
	}, nil
}

// Persist validates and inserts readings, committing per batch so a partial
// cycle still keeps what it produced. Duplicate keys are skipped, first by
// the in-memory pre-filter and finally by the DB unique constraint.
func (w *Writer) Persist(ctx context.Context, readings []model.PendingReading) (PersistResult, error) {
	var result PersistResult

	valid := make([]model.PendingReading, 0, len(readings))
	now := time.Now().UTC()
	for _, rd := range readings {
		if reason := validate(rd, now); reason != "" {
			result.Skipped++
			log.Printf("[outbox] skipping reading %s: %s", rd.Key(), reason)
			continue
		}
		if _, hit := w.seen.Get(rd.Key().String()); hit {
			result.Skipped++
			continue
		}
		valid = append(valid, rd)
	}

	var firstErr error
	for offset := 0; offset < len(valid); offset += w.batchSize {
		end := offset + w.batchSize
		if end > len(valid) {
			end = len(valid)
		}
		batch := valid[offset:end]

		inserted, err := w.insertWithRetry(ctx, batch)
		if err != nil {
			result.Failed += len(batch)
			if firstErr == nil {
				firstErr = err
			}
			w.record(model.CollectionError{
				Operation: model.OpPersist,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		result.Inserted += inserted
		result.Skipped += len(batch) - inserted
		for _, rd := range batch {
			w.seen.Set(rd.Key().String(), struct{}{})
		}
	}
	return result, firstErr
}

// insertWithRetry commits one batch, retrying transient errors with
// exponential backoff and jitter.
func (w *Writer) insertWithRetry(ctx context.Context, batch []model.PendingReading) (int, error) {
	var lastErr error
	for attempt := 0; attempt < insertRetries; attempt++ {
		if attempt > 0 {
			w.sleep(w.backoff(attempt))
		}
		inserted, err := w.repo.InsertBatch(ctx, batch)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Printf("[outbox] insert attempt %d/%d failed: %v", attempt+1, insertRetries, err)
	}
	return 0, fmt.Errorf("insert batch of %d: %w", len(batch), lastErr)
}

// backoff returns 100ms * 2^(attempt-1) with +-25% jitter.
func (w *Writer) backoff(attempt int) time.Duration {
	base := float64(retryBaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := 0.75 + 0.5*w.randFactor()
	return time.Duration(base * jitter)
}

func (w *Writer) record(ce model.CollectionError) {
	if w.errs != nil {
		w.errs.Record("outbox", ce)
	}
}

// validate returns a rejection reason, or "" for a good reading.
func validate(rd model.PendingReading, now time.Time) string {
	if rd.MeterID == "" {
		return "missing meter id"
	}
	if math.IsNaN(rd.Value) || math.IsInf(rd.Value, 0) {
		return "non-finite value"
	}
	if rd.Timestamp.Before(now.Add(-24*time.Hour)) || rd.Timestamp.After(now.Add(time.Hour)) {
		return "timestamp outside accepted window"
	}
	return ""
}
