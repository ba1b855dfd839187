package guard

import (
	"errors"
	"testing"
)

func TestGuardExcludes(t *testing.T) {
	g := New()
	if err := g.TryAcquire("collect"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := g.TryAcquire("upload"); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("second acquire = %v, want ErrCycleRunning", err)
	}
	name, _, running := g.Running()
	if !running || name != "collect" {
		t.Fatalf("Running = %q %v", name, running)
	}

	g.Release()
	if _, _, running := g.Running(); running {
		t.Fatal("still running after release")
	}
	if err := g.TryAcquire("upload"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseIdleIsSafe(t *testing.T) {
	g := New()
	g.Release()
	if err := g.TryAcquire("sync"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}
