package outbox

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// fakeInserter emulates the DB dedup constraint with an in-memory key set.
type fakeInserter struct {
	mu       sync.Mutex
	rows     map[model.ReadingKey]model.PendingReading
	failures int // number of calls to fail before succeeding
	calls    int
	batches  []int
}

func newFakeInserter() *fakeInserter {
	return &fakeInserter{rows: map[model.ReadingKey]model.PendingReading{}}
}

func (f *fakeInserter) InsertBatch(_ context.Context, readings []model.PendingReading) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("deadlock detected")
	}
	f.batches = append(f.batches, len(readings))
	inserted := 0
	for _, rd := range readings {
		if _, dup := f.rows[rd.Key()]; dup {
			continue
		}
		f.rows[rd.Key()] = rd
		inserted++
	}
	return inserted, nil
}

func newTestWriter(t *testing.T, repo ReadingInserter, batchSize int) *Writer {
	t.Helper()
	w, err := NewWriter(repo, nil, batchSize)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.sleep = func(time.Duration) {}
	w.randFactor = func() float64 { return 0.5 }
	return w
}

func sampleReadings(n int, ts time.Time) []model.PendingReading {
	out := make([]model.PendingReading, n)
	for i := range out {
		out[i] = model.PendingReading{
			MeterID:   "m1",
			ElementID: "e1",
			Timestamp: ts,
			DataPoint: string(rune('a' + i)),
			Value:     float64(i),
			Unit:      "kWh",
		}
	}
	return out
}

func TestPersistReinsertIsIdempotent(t *testing.T) {
	repo := newFakeInserter()
	w := newTestWriter(t, repo, 100)
	ts := time.Now().UTC()
	batch := sampleReadings(5, ts)

	first, err := w.Persist(context.Background(), batch)
	if err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	if first.Inserted != 5 || first.Skipped != 0 {
		t.Fatalf("first = %+v", first)
	}

	second, err := w.Persist(context.Background(), batch)
	if err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if second.Inserted != 0 || second.Skipped != 5 {
		t.Fatalf("second = %+v, want skipped=5 inserted=0", second)
	}
	if len(repo.rows) != 5 {
		t.Fatalf("outbox has %d rows, want 5", len(repo.rows))
	}
}

func TestPersistValidation(t *testing.T) {
	repo := newFakeInserter()
	w := newTestWriter(t, repo, 100)
	now := time.Now().UTC()

	readings := []model.PendingReading{
		{MeterID: "m1", ElementID: "e1", Timestamp: now, DataPoint: "ok", Value: 1},
		{MeterID: "", ElementID: "e1", Timestamp: now, DataPoint: "no-meter", Value: 1},
		{MeterID: "m1", ElementID: "e1", Timestamp: now, DataPoint: "nan", Value: math.NaN()},
		{MeterID: "m1", ElementID: "e1", Timestamp: now, DataPoint: "inf", Value: math.Inf(1)},
		{MeterID: "m1", ElementID: "e1", Timestamp: now.Add(-25 * time.Hour), DataPoint: "old", Value: 1},
		{MeterID: "m1", ElementID: "e1", Timestamp: now.Add(2 * time.Hour), DataPoint: "future", Value: 1},
	}
	result, err := w.Persist(context.Background(), readings)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if result.Inserted != 1 || result.Skipped != 5 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestPersistChunksBatches(t *testing.T) {
	repo := newFakeInserter()
	w := newTestWriter(t, repo, 2)
	ts := time.Now().UTC()

	result, err := w.Persist(context.Background(), sampleReadings(5, ts))
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if result.Inserted != 5 {
		t.Fatalf("inserted = %d", result.Inserted)
	}
	want := []int{2, 2, 1}
	if len(repo.batches) != len(want) {
		t.Fatalf("batches = %v, want %v", repo.batches, want)
	}
	for i, n := range want {
		if repo.batches[i] != n {
			t.Fatalf("batches = %v, want %v", repo.batches, want)
		}
	}
}

func TestPersistRetriesTransientError(t *testing.T) {
	repo := newFakeInserter()
	repo.failures = 2 // third attempt succeeds
	w := newTestWriter(t, repo, 100)

	result, err := w.Persist(context.Background(), sampleReadings(3, time.Now().UTC()))
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if result.Inserted != 3 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if repo.calls != 3 {
		t.Fatalf("calls = %d, want 3", repo.calls)
	}
}

func TestPersistFailsBatchAfterRetriesExhausted(t *testing.T) {
	repo := newFakeInserter()
	repo.failures = 10
	w := newTestWriter(t, repo, 100)

	result, err := w.Persist(context.Background(), sampleReadings(3, time.Now().UTC()))
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Failed != 3 || result.Inserted != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestBackoffProgression(t *testing.T) {
	w := newTestWriter(t, newFakeInserter(), 100)
	// randFactor pinned to 0.5 makes jitter exactly 1.0
	if got := w.backoff(1); got != 100*time.Millisecond {
		t.Fatalf("backoff(1) = %v", got)
	}
	if got := w.backoff(2); got != 200*time.Millisecond {
		t.Fatalf("backoff(2) = %v", got)
	}
}

func TestIntakeDropsAboveHighWater(t *testing.T) {
	repo := newFakeInserter()
	w := newTestWriter(t, repo, 100)
	sink := &recordingSink{}
	in := NewIntake(w, sink, 3)

	ts := time.Now().UTC()
	if err := in.Persist(context.Background(), sampleReadings(5, ts)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if got := sink.count("outbox"); got != 1 {
		t.Fatalf("drop errors = %d, want 1", got)
	}

	in.Start()
	in.Stop() // drains the 3 buffered readings
	if len(repo.rows) != 3 {
		t.Fatalf("outbox has %d rows, want 3", len(repo.rows))
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs map[string]int
}

func (s *recordingSink) Record(component string, _ model.CollectionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs == nil {
		s.recs = map[string]int{}
	}
	s.recs[component]++
}

func (s *recordingSink) count(component string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[component]
}
