// Package cache holds the in-memory mirrors of the configuration tables.
// Each cache publishes an immutable snapshot behind an atomic pointer, so
// readers never block on a reload.
package cache

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// RegisterSource loads active register definitions from the local mirror.
type RegisterSource interface {
	LoadRegisters(ctx context.Context) ([]model.RegisterDefinition, error)
}

type registerSnapshot struct {
	byModel map[string][]model.RegisterDefinition
	total   int
}

// RegisterCache maps device model IDs to their active register definitions.
type RegisterCache struct {
	source   RegisterSource
	snapshot atomic.Pointer[registerSnapshot]
}

// NewRegisterCache creates an empty cache. Call Reload before first use.
func NewRegisterCache(source RegisterSource) *RegisterCache {
	c := &RegisterCache{source: source}
	c.snapshot.Store(&registerSnapshot{byModel: map[string][]model.RegisterDefinition{}})
	return c
}

// Reload replaces the snapshot with the current mirror contents.
func (c *RegisterCache) Reload(ctx context.Context) error {
	regs, err := c.source.LoadRegisters(ctx)
	if err != nil {
		return err
	}
	byModel := make(map[string][]model.RegisterDefinition)
	for _, reg := range regs {
		byModel[reg.DeviceModelID] = append(byModel[reg.DeviceModelID], reg)
	}
	c.snapshot.Store(&registerSnapshot{byModel: byModel, total: len(regs)})
	log.Printf("[cache] registers reloaded: %d definitions across %d models", len(regs), len(byModel))
	return nil
}

// ForModel returns the active register definitions of one device model.
// The returned slice must not be modified.
func (c *RegisterCache) ForModel(deviceModelID string) []model.RegisterDefinition {
	return c.snapshot.Load().byModel[deviceModelID]
}

// Len returns the total number of cached definitions.
func (c *RegisterCache) Len() int {
	return c.snapshot.Load().total
}
