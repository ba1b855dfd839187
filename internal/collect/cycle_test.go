package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/bacnet"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/cache"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/guard"
	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// fakeClient answers reads from a value table and times out batches above a
// size limit.
type fakeClient struct {
	mu           sync.Mutex
	values       map[uint32]float64 // by instance
	timeoutAbove int                // batch sizes above this time out; 0 = never
	batchSizes   []int
}

func (c *fakeClient) ReadProperty(_ context.Context, _ string, _ int, req bacnet.ReadRequest) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[req.Instance]
	if !ok {
		return 0, &bacnet.Error{Code: bacnet.CodeUnreachable, Detail: "no such instance"}
	}
	return v, nil
}

func (c *fakeClient) ReadPropertyMultiple(_ context.Context, _ string, _ int, reqs []bacnet.ReadRequest) ([]bacnet.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchSizes = append(c.batchSizes, len(reqs))
	if c.timeoutAbove > 0 && len(reqs) > c.timeoutAbove {
		return nil, &bacnet.Error{Code: bacnet.CodeTimeout, Detail: "batch timeout"}
	}
	out := make([]bacnet.Result, len(reqs))
	for i, req := range reqs {
		v, ok := c.values[req.Instance]
		if !ok {
			out[i] = bacnet.Result{Err: &bacnet.Error{Code: bacnet.CodeUnreachable}}
			continue
		}
		out[i] = bacnet.Result{Value: v}
	}
	return out, nil
}

// slowClient answers like fakeClient except against slowHost, where every
// read blocks until the cycle context expires.
type slowClient struct {
	inner    fakeClient
	slowHost string
}

func (c *slowClient) ReadProperty(ctx context.Context, host string, port int, req bacnet.ReadRequest) (float64, error) {
	if host == c.slowHost {
		<-ctx.Done()
		return 0, &bacnet.Error{Code: bacnet.CodeTimeout, Detail: "read timed out", Err: ctx.Err()}
	}
	return c.inner.ReadProperty(ctx, host, port, req)
}

func (c *slowClient) ReadPropertyMultiple(ctx context.Context, host string, port int, reqs []bacnet.ReadRequest) ([]bacnet.Result, error) {
	if host == c.slowHost {
		<-ctx.Done()
		return nil, &bacnet.Error{Code: bacnet.CodeTimeout, Detail: "batch timed out", Err: ctx.Err()}
	}
	return c.inner.ReadPropertyMultiple(ctx, host, port, reqs)
}

type captureSink struct {
	mu       sync.Mutex
	readings []model.PendingReading
	err      error
	gate     chan struct{} // if set, Persist blocks until closed
}

func (s *captureSink) Persist(_ context.Context, readings []model.PendingReading) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
	return s.err
}

type staticSource struct {
	regs   []model.RegisterDefinition
	meters []model.Meter
}

func (s *staticSource) LoadRegisters(context.Context) ([]model.RegisterDefinition, error) {
	return s.regs, nil
}

func (s *staticSource) LoadMeters(context.Context) ([]model.Meter, error) {
	return s.meters, nil
}

func loadedMeterCache(t *testing.T, src *staticSource) *cache.MeterCache {
	t.Helper()
	regs := cache.NewRegisterCache(src)
	if err := regs.Reload(context.Background()); err != nil {
		t.Fatalf("register reload: %v", err)
	}
	meters := cache.NewMeterCache(src, regs)
	if err := meters.Reload(context.Background()); err != nil {
		t.Fatalf("meter reload: %v", err)
	}
	return meters
}

func TestCycleHappyPath(t *testing.T) {
	src := &staticSource{
		regs: []model.RegisterDefinition{
			{ID: "r1", DeviceModelID: "dm1", RegisterNumber: 1, FieldName: "V", Unit: "V", BACnetInstance: 1},
			{ID: "r2", DeviceModelID: "dm1", RegisterNumber: 2, FieldName: "A", Unit: "A", BACnetInstance: 2},
		},
		meters: []model.Meter{{MeterID: "m1", ElementID: "e1", IP: "10.0.0.5", Port: 47808, Active: true, DeviceModelID: "dm1"}},
	}
	client := &fakeClient{values: map[uint32]float64{1: 230.1, 2: 5.2}}
	sink := &captureSink{}
	runner := NewRunner(client, loadedMeterCache(t, src), NewBatchSizeManager(1, 0.5, 10),
		sink, guard.New(), 4, 0)

	result, err := runner.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ReadingsProduced != 2 || result.SuccessMeters != 1 || result.TotalMeters != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.CycleID == "" {
		t.Fatal("cycle id not assigned")
	}
	if len(sink.readings) != 2 {
		t.Fatalf("sink got %d readings", len(sink.readings))
	}
	// all readings share the cycle-start timestamp
	for _, rd := range sink.readings {
		if !rd.Timestamp.Equal(result.StartedAt) {
			t.Fatalf("reading timestamp %v != cycle start %v", rd.Timestamp, result.StartedAt)
		}
		if rd.Timestamp.Location() != time.UTC {
			t.Fatal("timestamp not UTC")
		}
	}
}

func TestCycleShrinksOnTimeout(t *testing.T) {
	regs := make([]model.RegisterDefinition, 20)
	for i := range regs {
		regs[i] = model.RegisterDefinition{
			ID:             fmt.Sprintf("r%d", i+1),
			DeviceModelID:  "dm1",
			RegisterNumber: i + 1,
			FieldName:      fmt.Sprintf("f%d", i+1),
			BACnetInstance: uint32(i + 1),
		}
	}
	values := make(map[uint32]float64, 20)
	for i := 1; i <= 20; i++ {
		values[uint32(i)] = float64(i)
	}
	src := &staticSource{
		regs:   regs,
		meters: []model.Meter{{MeterID: "m1", ElementID: "e1", IP: "10.0.0.5", Active: true, DeviceModelID: "dm1"}},
	}
	client := &fakeClient{values: values, timeoutAbove: 10}
	sink := &captureSink{}
	sizes := NewBatchSizeManager(1, 0.5, 10)
	runner := NewRunner(client, loadedMeterCache(t, src), sizes, sink, guard.New(), 4, 0)

	result, err := runner.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ReadingsProduced != 20 {
		t.Fatalf("readings = %d, want 20 after shrink", result.ReadingsProduced)
	}
	if got := sizes.Get("m1", 20); got != 10 {
		t.Fatalf("batch size after cycle = %d, want 10", got)
	}
}

func TestCycleSequentialFallback(t *testing.T) {
	src := &staticSource{
		regs: []model.RegisterDefinition{
			{ID: "r1", DeviceModelID: "dm1", RegisterNumber: 1, FieldName: "V", BACnetInstance: 1},
			{ID: "r2", DeviceModelID: "dm1", RegisterNumber: 2, FieldName: "A", BACnetInstance: 2},
		},
		meters: []model.Meter{{MeterID: "m1", ElementID: "e1", IP: "10.0.0.5", Active: true, DeviceModelID: "dm1"}},
	}
	// min batch 2 keeps the retry at the same size, forcing the fallback
	client := &fakeClient{values: map[uint32]float64{1: 1, 2: 2}, timeoutAbove: 1}
	sink := &captureSink{}
	runner := NewRunner(client, loadedMeterCache(t, src), NewBatchSizeManager(2, 0.5, 10),
		sink, guard.New(), 4, 0)

	result, err := runner.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ReadingsProduced != 2 {
		t.Fatalf("readings = %d, want 2 via sequential fallback", result.ReadingsProduced)
	}
}

func TestCycleDeadlineReturnsPartialResults(t *testing.T) {
	src := &staticSource{
		regs: []model.RegisterDefinition{
			{ID: "r1", DeviceModelID: "dm1", RegisterNumber: 1, FieldName: "V", Unit: "V", BACnetInstance: 1},
		},
		meters: []model.Meter{
			{MeterID: "m1", ElementID: "e1", IP: "10.0.0.5", Port: 47808, Active: true, DeviceModelID: "dm1"},
			{MeterID: "m2", ElementID: "e1", IP: "10.0.0.6", Port: 47808, Active: true, DeviceModelID: "dm1"},
		},
	}
	client := &slowClient{
		inner:    fakeClient{values: map[uint32]float64{1: 230.1}},
		slowHost: "10.0.0.6",
	}
	sink := &captureSink{}
	runner := NewRunner(client, loadedMeterCache(t, src), NewBatchSizeManager(1, 0.5, 10),
		sink, guard.New(), 1, 100*time.Millisecond)

	result, err := runner.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.TotalMeters != 2 || result.SuccessMeters != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.ReadingsProduced != 1 {
		t.Fatalf("readings = %d, want the fast meter's reading only", result.ReadingsProduced)
	}
	if len(result.Errors) == 0 {
		t.Fatal("no error recorded for the meter that crossed the deadline")
	}
	if len(sink.readings) != 1 || sink.readings[0].MeterID != "m1" {
		t.Fatalf("sink = %+v", sink.readings)
	}
}

func TestCycleEmptyRegisterListIsMeterError(t *testing.T) {
	src := &staticSource{
		meters: []model.Meter{{MeterID: "m1", ElementID: "e1", IP: "10.0.0.5", Active: true, DeviceModelID: "dm-unknown"}},
	}
	runner := NewRunner(&fakeClient{}, loadedMeterCache(t, src), NewBatchSizeManager(1, 0.5, 10),
		&captureSink{}, guard.New(), 4, 0)
	ring := &recordingSink{}
	runner.SetErrorSink(ring)

	result, err := runner.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.SuccessMeters != 0 || result.ReadingsProduced != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Operation != model.OpRead {
		t.Fatalf("errors = %v", result.Errors)
	}
	if len(ring.recorded) != 1 || ring.recorded[0].MeterID != "m1" {
		t.Fatalf("recorded = %v", ring.recorded)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	recorded []model.CollectionError
}

func (s *recordingSink) Record(_ string, e model.CollectionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, e)
}

func TestCycleRejectsConcurrentRun(t *testing.T) {
	src := &staticSource{
		regs:   []model.RegisterDefinition{{ID: "r1", DeviceModelID: "dm1", RegisterNumber: 1, FieldName: "V", BACnetInstance: 1}},
		meters: []model.Meter{{MeterID: "m1", ElementID: "e1", IP: "10.0.0.5", Active: true, DeviceModelID: "dm1"}},
	}
	gate := make(chan struct{})
	sink := &captureSink{gate: gate}
	runner := NewRunner(&fakeClient{values: map[uint32]float64{1: 1}}, loadedMeterCache(t, src),
		NewBatchSizeManager(1, 0.5, 10), sink, guard.New(), 4, 0)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Execute(context.Background())
		done <- err
	}()

	// wait until the first run blocks inside Persist, then try a second
	deadline := time.After(2 * time.Second)
	for {
		if _, _, running := runner.guard.Running(); running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := runner.Execute(context.Background()); !errors.Is(err, guard.ErrCycleRunning) {
		t.Fatalf("second Execute = %v, want ErrCycleRunning", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := runner.Execute(context.Background()); err != nil {
		t.Fatalf("Execute after release: %v", err)
	}
}

func TestDedupeLaterWins(t *testing.T) {
	ts := time.Now().UTC()
	readings := []model.PendingReading{
		{MeterID: "m1", ElementID: "e1", Timestamp: ts, DataPoint: "kwh", Value: 1, RegisterID: "r1"},
		{MeterID: "m1", ElementID: "e1", Timestamp: ts, DataPoint: "volts", Value: 230, RegisterID: "r2"},
		{MeterID: "m1", ElementID: "e1", Timestamp: ts, DataPoint: "kwh", Value: 2, RegisterID: "r3"},
	}
	out := dedupeLaterWins(readings)
	if len(out) != 2 {
		t.Fatalf("got %d readings, want 2", len(out))
	}
	if out[0].DataPoint != "kwh" || out[0].Value != 2 || out[0].RegisterID != "r3" {
		t.Fatalf("later register did not win: %+v", out[0])
	}
}
