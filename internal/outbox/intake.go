package outbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

const (
	defaultHighWater     = 50_000
	defaultFlushInterval = 2 * time.Second
)

// Intake buffers pending readings in memory and persists them in the
// background. Enqueue never blocks: readings beyond the high-water mark are
// dropped with a persist error, keeping memory bounded when the database
// falls behind.
type Intake struct {
	writer   *Writer
	errs     ErrorSink
	queue    chan model.PendingReading
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIntake creates an intake buffering up to highWater readings.
func NewIntake(writer *Writer, errs ErrorSink, highWater int) *Intake {
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	return &Intake{
		writer:   writer,
		errs:     errs,
		queue:    make(chan model.PendingReading, highWater),
		interval: defaultFlushInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (in *Intake) Start() {
	in.wg.Add(1)
	go in.flushLoop()
}

// Stop drains the buffer and waits for the final flush.
func (in *Intake) Stop() {
	in.stopOnce.Do(func() { close(in.stopCh) })
	in.wg.Wait()
}

// Persist enqueues readings without blocking. Overflow beyond the high-water
// mark is dropped and surfaced as a persist error.
func (in *Intake) Persist(_ context.Context, readings []model.PendingReading) error {
	dropped := 0
	for _, rd := range readings {
		select {
		case in.queue <- rd:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("[outbox] high-water mark reached, dropped %d readings", dropped)
		if in.errs != nil {
			in.errs.Record("outbox", model.CollectionError{
				Operation: model.OpPersist,
				Error:     "pending buffer full, readings dropped",
				Timestamp: time.Now().UTC(),
			})
		}
	}
	return nil
}

func (in *Intake) flushLoop() {
	defer in.wg.Done()

	batch := make([]model.PendingReading, 0, in.writer.batchSize)
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		select {
		case rd := <-in.queue:
			batch = append(batch, rd)
			if len(batch) >= in.writer.batchSize {
				in.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				in.flush(batch)
				batch = batch[:0]
			}

		case <-in.stopCh:
			in.drainAndFlush(batch)
			return
		}
	}
}

func (in *Intake) drainAndFlush(batch []model.PendingReading) {
	for {
		select {
		case rd := <-in.queue:
			batch = append(batch, rd)
			if len(batch) >= in.writer.batchSize {
				in.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				in.flush(batch)
			}
			return
		}
	}
}

func (in *Intake) flush(batch []model.PendingReading) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if result, err := in.writer.Persist(ctx, batch); err != nil {
		log.Printf("[outbox] background flush: %d failed of %d: %v",
			result.Failed, len(batch), err)
	}
}
