// Package collect runs meter collection cycles: it fans out over the active
// meter set, reads register batches over BACnet, and hands the produced
// readings to the outbox.
package collect

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// BatchSizing tuning. Zero values fall back to these defaults.
const (
	defaultMinBatch        = 1
	defaultReductionFactor = 0.5
	defaultGrowthWindow    = 10
)

type meterBatchState struct {
	size      int
	successes int
}

// BatchSizeManager adapts the per-meter ReadPropertyMultiple batch size.
// A timeout halves the size, a window of consecutive successes doubles it.
// State is process-local and resets on restart.
type BatchSizeManager struct {
	minBatch     int
	reduction    float64
	growthWindow int
	byMeter      *xsync.Map[string, *meterBatchState]
}

// NewBatchSizeManager builds a manager with the given tuning. Non-positive
// arguments select the defaults.
func NewBatchSizeManager(minBatch int, reductionFactor float64, growthWindow int) *BatchSizeManager {
	if minBatch <= 0 {
		minBatch = defaultMinBatch
	}
	if reductionFactor <= 0 || reductionFactor >= 1 {
		reductionFactor = defaultReductionFactor
	}
	if growthWindow <= 0 {
		growthWindow = defaultGrowthWindow
	}
	return &BatchSizeManager{
		minBatch:     minBatch,
		reduction:    reductionFactor,
		growthWindow: growthWindow,
		byMeter:      xsync.NewMap[string, *meterBatchState](),
	}
}

// Get returns the current batch size for a meter, clamped to
// [minBatch, totalRegisters]. First call starts at totalRegisters.
func (m *BatchSizeManager) Get(meterID string, totalRegisters int) int {
	state, _ := m.byMeter.LoadOrCompute(meterID, func() (*meterBatchState, bool) {
		return &meterBatchState{size: totalRegisters}, false
	})
	return m.clamp(state.size, totalRegisters)
}

// ReportTimeout shrinks the meter's batch size after a batch of size n
// timed out, and resets its success streak.
func (m *BatchSizeManager) ReportTimeout(meterID string, n int) int {
	shrunk := int(float64(n) * m.reduction)
	if shrunk < m.minBatch {
		shrunk = m.minBatch
	}
	m.byMeter.Store(meterID, &meterBatchState{size: shrunk})
	return shrunk
}

// ReportSuccess notes one successful batch. After growthWindow consecutive
// successes the size grows by 1/reduction, capped at totalRegisters.
func (m *BatchSizeManager) ReportSuccess(meterID string, totalRegisters int) {
	state, _ := m.byMeter.LoadOrCompute(meterID, func() (*meterBatchState, bool) {
		return &meterBatchState{size: totalRegisters}, false
	})
	next := &meterBatchState{size: state.size, successes: state.successes + 1}
	if next.successes >= m.growthWindow {
		grown := int(float64(next.size) / m.reduction)
		next.size = m.clamp(grown, totalRegisters)
		next.successes = 0
	}
	m.byMeter.Store(meterID, next)
}

func (m *BatchSizeManager) clamp(size, totalRegisters int) int {
	if size > totalRegisters {
		return totalRegisters
	}
	if size < m.minBatch {
		return m.minBatch
	}
	return size
}
