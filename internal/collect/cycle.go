package collect

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/bacnet"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/cache"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// CycleResult aggregates one collection cycle.
type CycleResult struct {
	CycleID          string                  `json:"cycle_id"`
	TotalMeters      int                     `json:"total_meters"`
	SuccessMeters    int                     `json:"success_meters"`
	ReadingsProduced int                     `json:"readings_produced"`
	Errors           []model.CollectionError `json:"errors,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	Duration         time.Duration           `json:"duration"`
}

// ReadingSink receives the readings a cycle produced. Implemented by the
// outbox writer.
type ReadingSink interface {
	Persist(ctx context.Context, readings []model.PendingReading) error
}

// ErrorSink receives collection errors for the diagnostics ring.
type ErrorSink interface {
	Record(component string, err model.CollectionError)
}

// Runner executes collection cycles over the active meter set.
type Runner struct {
	client        bacnet.Client
	meters        *cache.MeterCache
	sizes         *BatchSizeManager
	sink          ReadingSink
	errs          ErrorSink
	guard         *guard.Guard
	maxConcurrent int
	deadline      time.Duration
}

// NewRunner wires a cycle runner. maxConcurrent bounds the meter fan-out;
// deadline bounds the whole cycle's wall clock.
func NewRunner(client bacnet.Client, meters *cache.MeterCache, sizes *BatchSizeManager,
	sink ReadingSink, g *guard.Guard, maxConcurrent int, deadline time.Duration) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Runner{
		client:        client,
		meters:        meters,
		sizes:         sizes,
		sink:          sink,
		guard:         g,
		maxConcurrent: maxConcurrent,
		deadline:      deadline,
	}
}

// SetErrorSink wires the diagnostics ring; nil leaves errors in the cycle
// result only.
func (r *Runner) SetErrorSink(errs ErrorSink) {
	r.errs = errs
}

// Execute runs one collection cycle. A cycle already in flight is rejected
// with guard.ErrCycleRunning, never queued. All readings of the cycle carry
// the same cycle-start UTC timestamp.
func (r *Runner) Execute(ctx context.Context) (CycleResult, error) {
	if err := r.guard.TryAcquire("collect"); err != nil {
		return CycleResult{}, err
	}
	defer r.guard.Release()

	start := time.Now().UTC()
	result := CycleResult{CycleID: uuid.NewString(), StartedAt: start}

	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	active := r.meters.Active()
	result.TotalMeters = len(active)
	log.Printf("[collect] cycle %s starting: %d active meters", result.CycleID, len(active))

	var (
		mu       sync.Mutex
		readings []model.PendingReading
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)
	for _, cm := range active {
		cm := cm
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return nil // deadline passed, skip remaining meters
			}
			got, errs := r.collectMeter(gctx, cm, start)
			mu.Lock()
			readings = append(readings, got...)
			result.Errors = append(result.Errors, errs...)
			if len(got) > 0 {
				result.SuccessMeters++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		log.Printf("[collect] cycle deadline reached, returning partial results")
	}

	readings = dedupeLaterWins(readings)
	result.ReadingsProduced = len(readings)

	if len(readings) > 0 && r.sink != nil {
		// persist under a fresh context so a cycle deadline does not lose
		// readings already collected
		if err := r.sink.Persist(context.WithoutCancel(ctx), readings); err != nil {
			result.Errors = append(result.Errors, model.CollectionError{
				Operation: model.OpPersist,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
		}
	}

	if r.errs != nil {
		for _, e := range result.Errors {
			r.errs.Record("collect", e)
		}
	}

	result.Duration = time.Since(start)
	log.Printf("[collect] cycle %s done: %d/%d meters, %d readings, %d errors in %s",
		result.CycleID, result.SuccessMeters, result.TotalMeters, result.ReadingsProduced,
		len(result.Errors), result.Duration.Round(time.Millisecond))
	return result, nil
}

// collectMeter reads all active registers of one meter element, chunked by
// the batch size manager.
func (r *Runner) collectMeter(ctx context.Context, cm cache.CachedMeter, cycleStart time.Time) ([]model.PendingReading, []model.CollectionError) {
	meter := cm.Meter
	if len(cm.Registers) == 0 {
		return nil, []model.CollectionError{{
			MeterID:   meter.MeterID,
			Operation: model.OpRead,
			Error:     "no active registers for device model " + meter.DeviceModelID,
			Timestamp: time.Now().UTC(),
		}}
	}

	total := len(cm.Registers)
	size := r.sizes.Get(meter.MeterID, total)

	var (
		readings []model.PendingReading
		errs     []model.CollectionError
	)
	for offset := 0; offset < total; offset += size {
		end := offset + size
		if end > total {
			end = total
		}
		batch := cm.Registers[offset:end]

		got, batchErrs := r.readBatch(ctx, meter, batch, cycleStart, total)
		readings = append(readings, got...)
		errs = append(errs, batchErrs...)

		if ctx.Err() != nil {
			break
		}
		// the batch size may have shrunk mid-meter; re-fetch for the next chunk
		size = r.sizes.Get(meter.MeterID, total)
	}
	return readings, errs
}

// readBatch issues one ReadPropertyMultiple for a register batch. A batch
// timeout shrinks the size and retries the same registers once; a second
// timeout falls back to per-register sequential reads.
func (r *Runner) readBatch(ctx context.Context, meter model.Meter, batch []model.RegisterDefinition,
	cycleStart time.Time, total int) ([]model.PendingReading, []model.CollectionError) {

	reqs := make([]bacnet.ReadRequest, len(batch))
	for i, reg := range batch {
		reqs[i] = bacnet.ReadRequest{
			ObjectType: reg.BACnetObjectType,
			Instance:   reg.BACnetInstance,
			Property:   reg.Property,
		}
	}

	results, err := r.client.ReadPropertyMultiple(ctx, meter.IP, meter.Port, reqs)
	if err != nil && isBatchTimeout(err) {
		size := r.sizes.ReportTimeout(meter.MeterID, len(batch))
		log.Printf("[collect] meter %s: batch of %d timed out, retrying as chunks of %d",
			meter.MeterID, len(batch), size)
		return r.retryChunked(ctx, meter, batch, cycleStart, total, size)
	}
	if err != nil {
		return nil, []model.CollectionError{{
			MeterID:   meter.MeterID,
			Operation: model.OpRead,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}}
	}

	r.sizes.ReportSuccess(meter.MeterID, total)
	return splitResults(meter, batch, results, cycleStart)
}

// retryChunked re-reads a timed-out batch as chunks of the shrunk size.
// A chunk that times out again drops to per-register sequential reads.
func (r *Runner) retryChunked(ctx context.Context, meter model.Meter, batch []model.RegisterDefinition,
	cycleStart time.Time, total, size int) ([]model.PendingReading, []model.CollectionError) {

	var (
		readings []model.PendingReading
		errs     []model.CollectionError
	)
	for offset := 0; offset < len(batch); offset += size {
		if ctx.Err() != nil {
			break
		}
		end := offset + size
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[offset:end]

		reqs := make([]bacnet.ReadRequest, len(chunk))
		for i, reg := range chunk {
			reqs[i] = bacnet.ReadRequest{
				ObjectType: reg.BACnetObjectType,
				Instance:   reg.BACnetInstance,
				Property:   reg.Property,
			}
		}
		results, err := r.client.ReadPropertyMultiple(ctx, meter.IP, meter.Port, reqs)
		if err != nil && isBatchTimeout(err) {
			r.sizes.ReportTimeout(meter.MeterID, len(chunk))
			got, seqErrs := r.readSequential(ctx, meter, chunk, cycleStart)
			readings = append(readings, got...)
			errs = append(errs, seqErrs...)
			continue
		}
		if err != nil {
			errs = append(errs, model.CollectionError{
				MeterID:   meter.MeterID,
				Operation: model.OpRead,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		r.sizes.ReportSuccess(meter.MeterID, total)
		got, chunkErrs := splitResults(meter, chunk, results, cycleStart)
		readings = append(readings, got...)
		errs = append(errs, chunkErrs...)
	}
	return readings, errs
}

func splitResults(meter model.Meter, batch []model.RegisterDefinition, results []bacnet.Result,
	cycleStart time.Time) ([]model.PendingReading, []model.CollectionError) {

	var (
		readings []model.PendingReading
		errs     []model.CollectionError
	)
	for i, res := range results {
		reg := batch[i]
		if res.Err != nil {
			errs = append(errs, model.CollectionError{
				MeterID:    meter.MeterID,
				RegisterID: reg.ID,
				Operation:  model.OpRead,
				Error:      res.Err.Error(),
				Timestamp:  time.Now().UTC(),
			})
			continue
		}
		readings = append(readings, pendingReading(meter, reg, cycleStart, res.Value))
	}
	return readings, errs
}

// readSequential reads each register of a batch on its own after repeated
// batch timeouts.
func (r *Runner) readSequential(ctx context.Context, meter model.Meter, batch []model.RegisterDefinition,
	cycleStart time.Time) ([]model.PendingReading, []model.CollectionError) {

	log.Printf("[collect] meter %s: falling back to sequential reads for %d registers",
		meter.MeterID, len(batch))

	var (
		readings []model.PendingReading
		errs     []model.CollectionError
	)
	for _, reg := range batch {
		if ctx.Err() != nil {
			break
		}
		value, err := r.client.ReadProperty(ctx, meter.IP, meter.Port, bacnet.ReadRequest{
			ObjectType: reg.BACnetObjectType,
			Instance:   reg.BACnetInstance,
			Property:   reg.Property,
		})
		if err != nil {
			errs = append(errs, model.CollectionError{
				MeterID:    meter.MeterID,
				RegisterID: reg.ID,
				Operation:  model.OpRead,
				Error:      err.Error(),
				Timestamp:  time.Now().UTC(),
			})
			continue
		}
		readings = append(readings, pendingReading(meter, reg, cycleStart, value))
	}
	return readings, errs
}

func pendingReading(meter model.Meter, reg model.RegisterDefinition, ts time.Time, value float64) model.PendingReading {
	return model.PendingReading{
		MeterID:    meter.MeterID,
		ElementID:  meter.ElementID,
		Timestamp:  ts,
		DataPoint:  reg.FieldName,
		Value:      value,
		Unit:       reg.Unit,
		RegisterID: reg.ID,
	}
}

// dedupeLaterWins collapses readings whose dedup key collides within one
// cycle. Later registers win; a collision means two registers of the same
// model map to one data point.
func dedupeLaterWins(readings []model.PendingReading) []model.PendingReading {
	index := make(map[model.ReadingKey]int, len(readings))
	out := readings[:0]
	for _, rd := range readings {
		key := rd.Key()
		if at, seen := index[key]; seen {
			log.Printf("[collect] duplicate data point %s for meter %s/%s, later register wins",
				rd.DataPoint, rd.MeterID, rd.ElementID)
			out[at] = rd
			continue
		}
		index[key] = len(out)
		out = append(out, rd)
	}
	return out
}

func isBatchTimeout(err error) bool {
	var be *bacnet.Error
	if errors.As(err, &be) {
		return be.Code == bacnet.CodeTimeout
	}
	return false
}
