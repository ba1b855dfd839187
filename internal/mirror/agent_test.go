package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/cache"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/remote"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/store"
)

// memMirror is an in-memory config mirror with upsert/deactivate semantics.
type memMirror struct {
	tenant    *model.Tenant
	registers map[string]*model.RegisterDefinition // by id
	meters    map[model.MeterKey]*model.Meter
	failPhase string
}

func newMemMirror() *memMirror {
	return &memMirror{
		registers: map[string]*model.RegisterDefinition{},
		meters:    map[model.MeterKey]*model.Meter{},
	}
}

func (m *memMirror) UpsertTenant(_ context.Context, t model.Tenant) (store.PhaseResult, error) {
	if m.failPhase == "tenant" {
		return store.PhaseResult{}, errors.New("tenant phase down")
	}
	var result store.PhaseResult
	if m.tenant == nil {
		result.Inserted = 1
	} else {
		result.Updated = 1
	}
	m.tenant = &t
	return result, nil
}

func (m *memMirror) SyncRegisters(_ context.Context, _ []model.DeviceModel, regs []model.RegisterDefinition) (store.PhaseResult, error) {
	if m.failPhase == "registers" {
		return store.PhaseResult{}, errors.New("registers phase down")
	}
	var result store.PhaseResult
	remoteIDs := map[string]struct{}{}
	for _, reg := range regs {
		reg := reg
		reg.Active = true
		remoteIDs[reg.ID] = struct{}{}
		if _, ok := m.registers[reg.ID]; ok {
			result.Updated++
		} else {
			result.Inserted++
		}
		m.registers[reg.ID] = &reg
	}
	for id, reg := range m.registers {
		if _, ok := remoteIDs[id]; !ok && reg.Active {
			reg.Active = false
			result.Deactivated++
		}
	}
	return result, nil
}

func (m *memMirror) SyncMeters(_ context.Context, meters []model.Meter) (store.PhaseResult, error) {
	if m.failPhase == "meters" {
		return store.PhaseResult{}, errors.New("meters phase down")
	}
	var result store.PhaseResult
	remoteKeys := map[model.MeterKey]struct{}{}
	for _, mt := range meters {
		mt := mt
		remoteKeys[mt.Key()] = struct{}{}
		if _, ok := m.meters[mt.Key()]; ok {
			result.Updated++
		} else {
			result.Inserted++
		}
		m.meters[mt.Key()] = &mt
	}
	for key, mt := range m.meters {
		if _, ok := remoteKeys[key]; !ok && mt.Active {
			mt.Active = false
			result.Deactivated++
		}
	}
	return result, nil
}

func (m *memMirror) SyncDeviceRegisters(context.Context, []model.DeviceRegister) (store.PhaseResult, error) {
	return store.PhaseResult{}, nil
}

func (m *memMirror) LoadRegisters(context.Context) ([]model.RegisterDefinition, error) {
	var out []model.RegisterDefinition
	for _, reg := range m.registers {
		if reg.Active {
			out = append(out, *reg)
		}
	}
	return out, nil
}

func (m *memMirror) LoadMeters(context.Context) ([]model.Meter, error) {
	var out []model.Meter
	for _, mt := range m.meters {
		out = append(out, *mt)
	}
	return out, nil
}

type fakeFetcher struct {
	tenant  model.Tenant
	payload remote.RegisterPayload
	meters  []model.Meter
	err     error
}

func (f *fakeFetcher) FetchTenant(context.Context) (model.Tenant, error) {
	return f.tenant, f.err
}

func (f *fakeFetcher) FetchRegisters(context.Context) (remote.RegisterPayload, error) {
	return f.payload, f.err
}

func (f *fakeFetcher) FetchMeters(context.Context) ([]model.Meter, error) {
	return f.meters, f.err
}

func TestSyncDeactivatesAbsentMeters(t *testing.T) {
	mirror := newMemMirror()
	mirror.meters[model.MeterKey{MeterID: "10", ElementID: "1"}] = &model.Meter{
		MeterID: "10", ElementID: "1", Active: true, DeviceModelID: "dm1",
	}
	mirror.meters[model.MeterKey{MeterID: "10", ElementID: "2"}] = &model.Meter{
		MeterID: "10", ElementID: "2", Active: true, DeviceModelID: "dm1",
	}

	fetcher := &fakeFetcher{
		tenant: model.Tenant{ID: "t1", Name: "Acme"},
		payload: remote.RegisterPayload{
			Registers: []model.RegisterDefinition{
				{ID: "r1", DeviceModelID: "dm1", RegisterNumber: 1, FieldName: "kwh"},
			},
		},
		meters: []model.Meter{
			{MeterID: "10", ElementID: "1", Active: true, DeviceModelID: "dm1"},
		},
	}

	regCache := cache.NewRegisterCache(mirror)
	meterCache := cache.NewMeterCache(mirror, regCache)
	agent := NewAgent(fetcher, mirror, regCache, meterCache, nil, guard.New())

	result, err := agent.PerformSync(context.Background())
	if err != nil {
		t.Fatalf("PerformSync: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.Meters.Updated != 1 || result.Meters.Deactivated != 1 {
		t.Fatalf("meter phase = %+v", result.Meters)
	}

	// row survives, deactivated
	stale := mirror.meters[model.MeterKey{MeterID: "10", ElementID: "2"}]
	if stale == nil || stale.Active {
		t.Fatalf("stale meter = %+v", stale)
	}
	// cache reloaded, stale meter excluded from the active subset
	if meterCache.Len() != 1 {
		t.Fatalf("cached active meters = %d, want 1", meterCache.Len())
	}
	if _, ok := meterCache.Get(model.MeterKey{MeterID: "10", ElementID: "2"}); ok {
		t.Fatal("deactivated meter still in active cache")
	}
	cm, ok := meterCache.Get(model.MeterKey{MeterID: "10", ElementID: "1"})
	if !ok || len(cm.Registers) != 1 {
		t.Fatalf("active meter not joined with registers: %+v ok=%v", cm, ok)
	}
}

func TestSyncStopsAtFirstFailingPhase(t *testing.T) {
	mirror := newMemMirror()
	mirror.failPhase = "registers"
	fetcher := &fakeFetcher{
		tenant: model.Tenant{ID: "t1"},
		meters: []model.Meter{{MeterID: "10", ElementID: "1", Active: true}},
	}
	regCache := cache.NewRegisterCache(mirror)
	meterCache := cache.NewMeterCache(mirror, regCache)
	agent := NewAgent(fetcher, mirror, regCache, meterCache, nil, guard.New())

	result, err := agent.PerformSync(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Success {
		t.Fatal("success despite failed phase")
	}
	// tenant phase committed before the failure
	if mirror.tenant == nil || mirror.tenant.ID != "t1" {
		t.Fatalf("tenant = %+v", mirror.tenant)
	}
	// meters phase never ran
	if len(mirror.meters) != 0 {
		t.Fatalf("meters touched: %v", mirror.meters)
	}
}

func TestSyncSkipsReloadWhenUnchanged(t *testing.T) {
	mirror := newMemMirror()
	fetcher := &fakeFetcher{tenant: model.Tenant{ID: "t1"}}

	countingReloads := &countingReloader{}
	agent := NewAgent(fetcher, mirror, countingReloads, countingReloads, nil, guard.New())

	result, err := agent.PerformSync(context.Background())
	if err != nil {
		t.Fatalf("PerformSync: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if countingReloads.calls != 0 {
		t.Fatalf("reload calls = %d, want 0", countingReloads.calls)
	}
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	g := guard.New()
	agent := NewAgent(&fakeFetcher{}, newMemMirror(), nil, nil, nil, g)
	if err := g.TryAcquire("sync"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()

	_, err := agent.PerformSync(context.Background())
	if !errors.Is(err, guard.ErrCycleRunning) {
		t.Fatalf("err = %v, want ErrCycleRunning", err)
	}
}

type countingReloader struct{ calls int }

func (r *countingReloader) Reload(context.Context) error {
	r.calls++
	return nil
}
