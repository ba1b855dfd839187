package cache

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// MeterSource loads meter rows from the local mirror.
type MeterSource interface {
	LoadMeters(ctx context.Context) ([]model.Meter, error)
}

// CachedMeter is one active meter element joined with the register
// definitions of its device model at snapshot time.
type CachedMeter struct {
	Meter     model.Meter
	Registers []model.RegisterDefinition
}

type meterSnapshot struct {
	active []CachedMeter
	byKey  map[model.MeterKey]CachedMeter
}

// MeterCache holds the active meter elements, each joined with its register
// definitions. It reads the register cache at reload time, so the register
// cache must be reloaded first when both changed.
type MeterCache struct {
	source    MeterSource
	registers *RegisterCache
	snapshot  atomic.Pointer[meterSnapshot]
}

// NewMeterCache creates an empty cache. Call Reload before first use.
func NewMeterCache(source MeterSource, registers *RegisterCache) *MeterCache {
	c := &MeterCache{source: source, registers: registers}
	c.snapshot.Store(&meterSnapshot{byKey: map[model.MeterKey]CachedMeter{}})
	return c
}

// Reload replaces the snapshot with the active meters from the mirror.
// Inactive meters are dropped; meters whose device model has no active
// registers stay cached and surface an error at collection time instead.
func (c *MeterCache) Reload(ctx context.Context) error {
	meters, err := c.source.LoadMeters(ctx)
	if err != nil {
		return err
	}
	snap := &meterSnapshot{byKey: make(map[model.MeterKey]CachedMeter)}
	for _, m := range meters {
		if !m.Active {
			continue
		}
		cm := CachedMeter{Meter: m, Registers: c.registers.ForModel(m.DeviceModelID)}
		snap.active = append(snap.active, cm)
		snap.byKey[m.Key()] = cm
	}
	c.snapshot.Store(snap)
	log.Printf("[cache] meters reloaded: %d active", len(snap.active))
	return nil
}

// Active returns the active meter elements. The slice must not be modified.
func (c *MeterCache) Active() []CachedMeter {
	return c.snapshot.Load().active
}

// Get looks up one meter element by its composite key.
func (c *MeterCache) Get(key model.MeterKey) (CachedMeter, bool) {
	cm, ok := c.snapshot.Load().byKey[key]
	return cm, ok
}

// Len returns the number of active cached meters.
func (c *MeterCache) Len() int {
	return len(c.snapshot.Load().active)
}
