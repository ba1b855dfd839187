package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedChecker struct {
	results []error
	i       int
}

func (s *scriptedChecker) Health(context.Context) error {
	if s.i >= len(s.results) {
		return nil
	}
	err := s.results[s.i]
	s.i++
	return err
}

var errDown = errors.New("connection refused")

func TestMonitor_TwoSuccessesForConnected(t *testing.T) {
	m := NewMonitor(&scriptedChecker{results: []error{nil, nil}}, time.Minute)

	m.CheckNow()
	if m.State() != StateUnknown {
		t.Fatalf("state after 1 success = %s, want UNKNOWN", m.State())
	}
	m.CheckNow()
	if m.State() != StateConnected {
		t.Fatalf("state after 2 successes = %s, want CONNECTED", m.State())
	}
	if !m.Current().IsConnected {
		t.Error("status.IsConnected should be true")
	}
}

func TestMonitor_ThreeFailuresForDisconnected(t *testing.T) {
	m := NewMonitor(&scriptedChecker{results: []error{nil, nil, errDown, errDown, errDown}}, time.Minute)

	for i := 0; i < 5; i++ {
		m.CheckNow()
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", m.State())
	}

	st := m.Current()
	if st.IsConnected {
		t.Error("status.IsConnected should be false")
	}
	if st.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", st.ConsecutiveFailures)
	}
}

func TestMonitor_SingleFailureDoesNotDisconnect(t *testing.T) {
	m := NewMonitor(&scriptedChecker{results: []error{nil, nil, errDown, nil}}, time.Minute)

	for i := 0; i < 4; i++ {
		m.CheckNow()
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED after a single blip", m.State())
	}
}

func TestMonitor_EdgeEmittedOnReconnect(t *testing.T) {
	m := NewMonitor(&scriptedChecker{
		results: []error{errDown, errDown, errDown, nil, nil},
	}, time.Minute)

	for i := 0; i < 5; i++ {
		m.CheckNow()
	}

	var edges []State
	for {
		select {
		case e := <-m.Edges():
			edges = append(edges, e)
			continue
		default:
		}
		break
	}

	if len(edges) != 2 || edges[0] != StateDisconnected || edges[1] != StateConnected {
		t.Fatalf("edges = %v, want [DISCONNECTED CONNECTED]", edges)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(&scriptedChecker{}, 10*time.Millisecond)
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	if m.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED after periodic probes", m.State())
	}
}
