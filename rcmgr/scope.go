// Package rcmgr implements the connection-level resource accounting hooks
// of spec §4.G: memory reservations and stream/connection counters. A
// null/no-op implementation is explicitly permitted by the spec and serves
// as the module's default.
package rcmgr

import (
	"errors"
	"sync"
)

// Stat is a point-in-time snapshot of a Scope's resource usage.
type Stat struct {
	NumStreamsIn  int
	NumStreamsOut int
	NumConnsIn    int
	NumConnsOut   int
	Memory        int64
	NumFD         int
}

// ErrResourceLimitExceeded is returned by ReserveMemory when the
// reservation would exceed the scope's configured limit.
var ErrResourceLimitExceeded = errors.New("rcmgr: resource limit exceeded")

// Scope is the contract the muxed session and upgrader use to account for
// the memory and stream/connection counts they consume.
type Scope interface {
	ReserveMemory(size int, priority uint8) error
	ReleaseMemory(size int)
	AddStream(incoming bool)
	RemoveStream(incoming bool)
	BeginSpan() (Scope, error)
	Stat() Stat
	Done()
}

// NullScope is a no-op Scope: every reservation succeeds, Stat is always
// zero. It is the default used when no resource manager is configured.
type NullScope struct{}

func (NullScope) ReserveMemory(int, uint8) error  { return nil }
func (NullScope) ReleaseMemory(int)               {}
func (NullScope) AddStream(bool)                  {}
func (NullScope) RemoveStream(bool)               {}
func (NullScope) BeginSpan() (Scope, error)       { return NullScope{}, nil }
func (NullScope) Stat() Stat                      { return Stat{} }
func (NullScope) Done()                           {}

// LimitScope is a simple in-memory Scope that enforces a fixed memory
// ceiling and tracks stream/connection/memory counters under a mutex. It
// exists so the upgrader and tests have a non-null option without pulling
// in a full resource-manager implementation, which is out of this spec's
// scope.
type LimitScope struct {
	mu        sync.Mutex
	maxMemory int64
	stat      Stat
	children  []*LimitScope
}

// NewLimitScope returns a LimitScope that will refuse reservations once
// maxMemory bytes are outstanding. maxMemory <= 0 means unlimited.
func NewLimitScope(maxMemory int64) *LimitScope {
	return &LimitScope{maxMemory: maxMemory}
}

func (s *LimitScope) ReserveMemory(size int, _ uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxMemory > 0 && s.stat.Memory+int64(size) > s.maxMemory {
		return ErrResourceLimitExceeded
	}
	s.stat.Memory += int64(size)
	return nil
}

func (s *LimitScope) ReleaseMemory(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stat.Memory -= int64(size)
	if s.stat.Memory < 0 {
		s.stat.Memory = 0
	}
}

// BeginSpan returns a child LimitScope sharing this scope's memory ceiling
// but tracking its own usage independently (a simplification of real
// resource-manager span nesting, sufficient for the core's hooks).
func (s *LimitScope) BeginSpan() (Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	child := NewLimitScope(s.maxMemory)
	s.children = append(s.children, child)
	return child, nil
}

func (s *LimitScope) Stat() Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stat
}

func (s *LimitScope) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stat = Stat{}
}

// AddStream records the opening of a stream in the given direction.
func (s *LimitScope) AddStream(incoming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if incoming {
		s.stat.NumStreamsIn++
	} else {
		s.stat.NumStreamsOut++
	}
}

// RemoveStream records the closing of a stream in the given direction.
func (s *LimitScope) RemoveStream(incoming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if incoming {
		if s.stat.NumStreamsIn > 0 {
			s.stat.NumStreamsIn--
		}
	} else if s.stat.NumStreamsOut > 0 {
		s.stat.NumStreamsOut--
	}
}
