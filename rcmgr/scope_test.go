package rcmgr

import "testing"

func TestNullScopeIsNoop(t *testing.T) {
	var s NullScope
	if err := s.ReserveMemory(1<<30, 0); err != nil {
		t.Fatalf("ReserveMemory: %v", err)
	}
	s.ReleaseMemory(1 << 30)
	child, err := s.BeginSpan()
	if err != nil {
		t.Fatalf("BeginSpan: %v", err)
	}
	if stat := child.Stat(); stat != (Stat{}) {
		t.Fatalf("expected zero Stat, got %+v", stat)
	}
	s.Done()
}

func TestLimitScopeEnforcesCeiling(t *testing.T) {
	s := NewLimitScope(100)
	if err := s.ReserveMemory(60, 0); err != nil {
		t.Fatalf("ReserveMemory(60): %v", err)
	}
	if err := s.ReserveMemory(60, 0); err != ErrResourceLimitExceeded {
		t.Fatalf("expected ErrResourceLimitExceeded, got %v", err)
	}
	s.ReleaseMemory(60)
	if err := s.ReserveMemory(60, 0); err != nil {
		t.Fatalf("ReserveMemory after release: %v", err)
	}
}

func TestLimitScopeReleaseNeverGoesNegative(t *testing.T) {
	s := NewLimitScope(0)
	s.ReleaseMemory(50)
	if stat := s.Stat(); stat.Memory != 0 {
		t.Fatalf("expected Memory to clamp at 0, got %d", stat.Memory)
	}
}

func TestLimitScopeStreamCounters(t *testing.T) {
	s := NewLimitScope(0)
	s.AddStream(true)
	s.AddStream(false)
	s.AddStream(false)
	stat := s.Stat()
	if stat.NumStreamsIn != 1 || stat.NumStreamsOut != 2 {
		t.Fatalf("unexpected counters: %+v", stat)
	}
	s.RemoveStream(false)
	if got := s.Stat().NumStreamsOut; got != 1 {
		t.Fatalf("NumStreamsOut = %d, want 1", got)
	}
	s.RemoveStream(true)
	s.RemoveStream(true) // must not underflow
	if got := s.Stat().NumStreamsIn; got != 0 {
		t.Fatalf("NumStreamsIn = %d, want 0", got)
	}
}

func TestBeginSpanIndependentFromParent(t *testing.T) {
	parent := NewLimitScope(100)
	child, err := parent.BeginSpan()
	if err != nil {
		t.Fatal(err)
	}
	if err := child.ReserveMemory(80, 0); err != nil {
		t.Fatalf("child ReserveMemory: %v", err)
	}
	if got := parent.Stat().Memory; got != 0 {
		t.Fatalf("parent.Memory = %d, want 0 (spans track independently)", got)
	}
}
