// Package poller drives a repeating fetch-decode-reconcile cycle for one
// data source.
//
// Each Handle runs its cycles on a single goroutine, so cycles of one source
// never overlap and results are applied in the order requests were issued.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/paydash/internal/metrics"
)

// Cycle performs one fetch-decode-reconcile pass. It must not write view
// state once ctx is done.
type Cycle func(ctx context.Context) error

// Cycle outcomes, used as metric labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomePanic     = "panic"
	OutcomeDiscarded = "discarded"
)

// ErrPanic wraps a recovered panic from a cycle.
var ErrPanic = errors.New("poll cycle panicked")

// Handle is a running poller. Release it with Stop.
type Handle struct {
	name     string
	interval time.Duration
	cycle    Cycle
	logger   *slog.Logger

	cancel   context.CancelFunc
	trigger  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	running atomic.Bool
	cycles  atomic.Int64
	lastErr atomic.Pointer[string]
}

// Start runs one cycle immediately, then one every interval until Stop is
// called or parent is done.
func Start(parent context.Context, name string, interval time.Duration, cycle Cycle, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		name:     name,
		interval: interval,
		cycle:    cycle,
		logger:   logger,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.running.Store(true)
	go h.loop(ctx)
	return h
}

// Name returns the source name.
func (h *Handle) Name() string { return h.name }

// Interval returns the configured interval.
func (h *Handle) Interval() time.Duration { return h.interval }

// Running reports whether the loop is still scheduling cycles.
func (h *Handle) Running() bool { return h.running.Load() }

// Cycles returns how many cycles have completed.
func (h *Handle) Cycles() int64 { return h.cycles.Load() }

// LastError returns the error of the most recent cycle, or "".
func (h *Handle) LastError() string {
	if p := h.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Trigger asks for an immediate cycle. The request is coalesced with any
// already pending one and runs after the current cycle, never alongside it.
// It reports whether a new request was queued.
func (h *Handle) Trigger() bool {
	if !h.Running() {
		return false
	}
	select {
	case h.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stop cancels the in-flight cycle, schedules no further cycles and waits
// for the loop to exit. Safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
	})
}

func (h *Handle) loop(ctx context.Context) {
	defer close(h.done)
	defer h.running.Store(false)

	h.safeRun(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.safeRun(ctx)
		case <-h.trigger:
			h.safeRun(ctx)
			ticker.Reset(h.interval)
		}
	}
}

func (h *Handle) safeRun(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := h.run(ctx)
	elapsed := time.Since(start)

	outcome := OutcomeSuccess
	switch {
	case ctx.Err() != nil:
		outcome = OutcomeDiscarded
	case errors.Is(err, ErrPanic):
		outcome = OutcomePanic
	case err != nil:
		outcome = OutcomeFailure
	}

	metrics.PollCyclesTotal.WithLabelValues(h.name, outcome).Inc()
	metrics.PollCycleDuration.WithLabelValues(h.name).Observe(elapsed.Seconds())

	if outcome == OutcomeDiscarded {
		h.logger.Debug("poll cycle discarded after stop")
		return
	}

	h.cycles.Add(1)
	if err != nil {
		msg := err.Error()
		h.lastErr.Store(&msg)
		h.logger.Warn("poll cycle failed", "error", err, "duration", elapsed)
		return
	}
	h.lastErr.Store(nil)
	h.logger.Debug("poll cycle completed", "duration", elapsed)
}

func (h *Handle) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in poll cycle", "panic", fmt.Sprint(r))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return h.cycle(ctx)
}
