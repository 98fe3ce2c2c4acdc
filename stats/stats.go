// Package stats accumulates per-service invocation counters. An Elem
// only makes sense within the time window it was collected in; merging
// two windows combines their minima, maxima and usage.
package stats

import (
	"math"
	"sync"
	"time"
)

// Elem is a single element of a statistics result concerning one
// service: how often it was invoked and how its response times were
// distributed within the window.
type Elem struct {
	ServiceName string
	Usage       int64
	TimeMS      int64
	// MinRespTime starts out at MaxInt64, assuming there will surely be
	// at least one response time lower than that.
	MinRespTime int64
	MaxRespTime int64
}

func NewElem(serviceName string) *Elem {
	return &Elem{ServiceName: serviceName, MinRespTime: math.MaxInt64}
}

// Observe folds one response time into the element.
func (e *Elem) Observe(d time.Duration) {
	ms := d.Milliseconds()
	e.Usage++
	e.TimeMS += ms
	if ms < e.MinRespTime {
		e.MinRespTime = ms
	}
	if ms > e.MaxRespTime {
		e.MaxRespTime = ms
	}
}

// MergeFrom combines another window's element into this one. The
// operation is associative, so partial windows can be rolled up in any
// grouping.
func (e *Elem) MergeFrom(other *Elem) {
	if other.MaxRespTime > e.MaxRespTime {
		e.MaxRespTime = other.MaxRespTime
	}
	if other.MinRespTime < e.MinRespTime {
		e.MinRespTime = other.MinRespTime
	}
	e.Usage += other.Usage
	e.TimeMS += other.TimeMS
}

// Mean returns the mean response time in milliseconds, 0 if the
// service was never invoked in this window.
func (e *Elem) Mean() float64 {
	if e.Usage == 0 {
		return 0
	}
	return float64(e.TimeMS) / float64(e.Usage)
}

// Store keeps one Elem per service, safe for concurrent workers.
type Store struct {
	mu    sync.Mutex
	elems map[string]*Elem
}

func NewStore() *Store {
	return &Store{elems: make(map[string]*Elem)}
}

// Record notes one invocation of the named service.
func (s *Store) Record(serviceName string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elems[serviceName]
	if !ok {
		e = NewElem(serviceName)
		s.elems[serviceName] = e
	}
	e.Observe(d)
}

// Snapshot returns a copy of the current window.
func (s *Store) Snapshot() map[string]Elem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Elem, len(s.elems))
	for name, e := range s.elems {
		out[name] = *e
	}
	return out
}
