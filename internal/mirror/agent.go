// Package mirror synchronizes the remote configuration into the local
// PostgreSQL mirror and refreshes the in-memory caches.
package mirror

import (
	"context"
	"log"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/remote"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/store"
)

// SyncResult aggregates one sync cycle, one sub-result per phase.
type SyncResult struct {
	Tenant          store.PhaseResult `json:"tenant"`
	Registers       store.PhaseResult `json:"registers"`
	Meters          store.PhaseResult `json:"meters"`
	DeviceRegisters store.PhaseResult `json:"device_registers"`
	Success         bool              `json:"success"`
	StartedAt       time.Time         `json:"started_at"`
	Duration        time.Duration     `json:"duration"`
}

// Fetcher is the remote side of the agent.
type Fetcher interface {
	FetchTenant(ctx context.Context) (model.Tenant, error)
	FetchRegisters(ctx context.Context) (remote.RegisterPayload, error)
	FetchMeters(ctx context.Context) ([]model.Meter, error)
}

// MirrorStore is the local side of the agent. Each Sync* call runs in its
// own transaction.
type MirrorStore interface {
	UpsertTenant(ctx context.Context, t model.Tenant) (store.PhaseResult, error)
	SyncRegisters(ctx context.Context, models []model.DeviceModel, regs []model.RegisterDefinition) (store.PhaseResult, error)
	SyncMeters(ctx context.Context, meters []model.Meter) (store.PhaseResult, error)
	SyncDeviceRegisters(ctx context.Context, assocs []model.DeviceRegister) (store.PhaseResult, error)
}

// Reloader refreshes one cache snapshot from the mirror.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ErrorSink receives sync-stage errors for the diagnostics ring.
type ErrorSink interface {
	Record(component string, err model.CollectionError)
}

// Agent runs the serial remote-to-local sync phases.
type Agent struct {
	fetcher   Fetcher
	store     MirrorStore
	registers Reloader
	meters    Reloader
	errs      ErrorSink
	guard     *guard.Guard
}

// NewAgent wires a sync agent. The register cache reloads before the meter
// cache, since meter entries join against it.
func NewAgent(fetcher Fetcher, st MirrorStore, registers, meters Reloader,
	errs ErrorSink, g *guard.Guard) *Agent {
	return &Agent{
		fetcher:   fetcher,
		store:     st,
		registers: registers,
		meters:    meters,
		errs:      errs,
		guard:     g,
	}
}

// PerformSync runs the four phases in order, each in its own transaction.
// The first failing phase stops the cycle; completed phases stay committed.
// Caches reload only for tables that actually changed; a reload failure is
// logged, not fatal.
func (a *Agent) PerformSync(ctx context.Context) (SyncResult, error) {
	if err := a.guard.TryAcquire("sync"); err != nil {
		return SyncResult{}, err
	}
	defer a.guard.Release()

	start := time.Now().UTC()
	result := SyncResult{StartedAt: start}

	tenant, err := a.fetcher.FetchTenant(ctx)
	if err != nil {
		return a.failed(result, start, "tenant", err)
	}
	if result.Tenant, err = a.store.UpsertTenant(ctx, tenant); err != nil {
		return a.failed(result, start, "tenant", err)
	}

	regPayload, err := a.fetcher.FetchRegisters(ctx)
	if err != nil {
		return a.failed(result, start, "registers", err)
	}
	if result.Registers, err = a.store.SyncRegisters(ctx, regPayload.DeviceModels, regPayload.Registers); err != nil {
		return a.failed(result, start, "registers", err)
	}

	meters, err := a.fetcher.FetchMeters(ctx)
	if err != nil {
		return a.failed(result, start, "meters", err)
	}
	if result.Meters, err = a.store.SyncMeters(ctx, meters); err != nil {
		return a.failed(result, start, "meters", err)
	}

	if result.DeviceRegisters, err = a.store.SyncDeviceRegisters(ctx, regPayload.DeviceRegisters); err != nil {
		return a.failed(result, start, "device registers", err)
	}

	a.reloadCaches(ctx, result)

	result.Success = true
	result.Duration = time.Since(start)
	log.Printf("[mirror] sync done: tenant %+v, registers %+v, meters %+v, device_registers %+v in %s",
		result.Tenant, result.Registers, result.Meters, result.DeviceRegisters,
		result.Duration.Round(time.Millisecond))
	return result, nil
}

// reloadCaches refreshes only the caches whose tables changed. The meter
// cache also reloads on register changes because its entries embed register
// lists.
func (a *Agent) reloadCaches(ctx context.Context, result SyncResult) {
	registersChanged := result.Registers.Total() > 0 || result.DeviceRegisters.Total() > 0
	metersChanged := result.Meters.Total() > 0

	if registersChanged {
		if err := a.registers.Reload(ctx); err != nil {
			log.Printf("[mirror] register cache reload failed: %v", err)
		}
	}
	if registersChanged || metersChanged {
		if err := a.meters.Reload(ctx); err != nil {
			log.Printf("[mirror] meter cache reload failed: %v", err)
		}
	}
}

func (a *Agent) failed(result SyncResult, start time.Time, phase string, err error) (SyncResult, error) {
	log.Printf("[mirror] %s phase failed: %v", phase, err)
	if a.errs != nil {
		a.errs.Record("mirror", model.CollectionError{
			Operation: model.OpSync,
			Error:     phase + ": " + err.Error(),
			Timestamp: time.Now().UTC(),
		})
	}
	result.Success = false
	result.Duration = time.Since(start)
	return result, err
}
