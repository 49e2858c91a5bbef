// Package viewstate holds per-view snapshots and the rule that reconciles a
// fetch outcome into the next snapshot.
package viewstate

import (
	"errors"
	"sync"
	"time"
)

// Phase is a view's data state.
type Phase string

const (
	PhaseLoading  Phase = "loading"
	PhaseReady    Phase = "ready"
	PhaseDegraded Phase = "degraded"
)

// ViewState is the snapshot the presentation layer reads.
// Data is nil until the first successful fetch.
type ViewState[T any] struct {
	Data        *T        `json:"data"`
	Loading     bool      `json:"loading"`
	LastUpdated time.Time `json:"lastUpdated,omitzero"`
	Error       string    `json:"error,omitempty"`
	Phase       Phase     `json:"phase"`
}

// Initial is the state of a freshly mounted view.
func Initial[T any]() ViewState[T] {
	return ViewState[T]{Loading: true, Phase: PhaseLoading}
}

// HasData reports whether a snapshot has ever been loaded.
func (s ViewState[T]) HasData() bool { return s.Data != nil }

// Outcome is the result of one fetch-decode cycle.
type Outcome[T any] struct {
	Value *T
	Err   error
}

// Success wraps a decoded value.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Value: &v}
}

var errUnknown = errors.New("fetch failed")

// Failure wraps a cycle error. A nil err still yields a failure.
func Failure[T any](err error) Outcome[T] {
	if err == nil {
		err = errUnknown
	}
	return Outcome[T]{Err: err}
}

// Failed reports whether the outcome is a failure.
func (o Outcome[T]) Failed() bool { return o.Err != nil || o.Value == nil }

// Reconcile derives the next snapshot from prev and an outcome.
// Success replaces the data wholesale. Failure keeps the previous data and
// timestamp so the view stays visible with an error attached.
func Reconcile[T any](prev ViewState[T], o Outcome[T], now time.Time) ViewState[T] {
	if !o.Failed() {
		return ViewState[T]{
			Data:        o.Value,
			Loading:     false,
			LastUpdated: now,
			Phase:       PhaseReady,
		}
	}
	err := o.Err
	if err == nil {
		err = errUnknown
	}
	return ViewState[T]{
		Data:        prev.Data,
		Loading:     false,
		LastUpdated: prev.LastUpdated,
		Error:       err.Error(),
		Phase:       PhaseDegraded,
	}
}

// Store owns one view's current snapshot. Apply is the only writer.
type Store[T any] struct {
	name string
	now  func() time.Time

	mu        sync.RWMutex
	state     ViewState[T]
	closed    bool
	listeners []func(ViewState[T])
}

// NewStore creates a store in the loading state. A nil now uses time.Now.
func NewStore[T any](name string, now func() time.Time) *Store[T] {
	if now == nil {
		now = time.Now
	}
	return &Store[T]{name: name, now: now, state: Initial[T]()}
}

// Name returns the view name.
func (s *Store[T]) Name() string { return s.name }

// Snapshot returns the current state.
func (s *Store[T]) Snapshot() ViewState[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Apply reconciles o into the store and notifies listeners.
// It reports false, and changes nothing, once the store is closed.
func (s *Store[T]) Apply(o Outcome[T]) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.state = Reconcile(s.state, o, s.now().UTC())
	next := s.state
	listeners := append([]func(ViewState[T]){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return true
}

// OnChange registers fn to run after every applied outcome.
func (s *Store[T]) OnChange(fn func(ViewState[T])) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Close tears the store down. Later Apply calls are dropped.
func (s *Store[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.listeners = nil
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Store[T]) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
