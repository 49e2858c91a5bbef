// Package dashboard mounts views over the payment backend, runs one poller
// per mounted view, and publishes each view's state to the presentation layer.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/health"
	"github.com/mbd888/paydash/internal/logging"
	"github.com/mbd888/paydash/internal/metrics"
	"github.com/mbd888/paydash/internal/poller"
	"github.com/mbd888/paydash/internal/traces"
	"github.com/mbd888/paydash/internal/viewstate"
)

var (
	ErrUnknownView = errors.New("dashboard: unknown view")
	ErrNotMounted  = errors.New("dashboard: view not mounted")
	ErrClosed      = errors.New("dashboard: closed")
)

// Change is one published view state.
type Change struct {
	View  View            `json:"view"`
	Phase viewstate.Phase `json:"phase"`
	State any             `json:"state"`
}

// MountInfo describes a mounted view.
type MountInfo struct {
	View      View            `json:"view"`
	Refs      int             `json:"refs"`
	Interval  string          `json:"interval"`
	Phase     viewstate.Phase `json:"phase"`
	Cycles    int64           `json:"cycles"`
	Running   bool            `json:"running"`
	LastError string          `json:"lastError,omitempty"`
	MountedAt time.Time       `json:"mountedAt"`
}

type mount struct {
	view      view
	handle    *poller.Handle
	refs      int
	mountedAt time.Time
}

// Dashboard owns the mounted views. Each view's state is written only by its
// own poller; readers get copies.
type Dashboard struct {
	client         *backend.Client
	logger         *slog.Logger
	now            func() time.Time
	intervals      map[View]time.Duration
	summaryTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	mounts map[View]*mount
	closed bool

	lmu       sync.RWMutex
	listeners []func(Change)

	// pmu orders deliveries so a retired view's last state cannot reach
	// listeners after its replacement has published.
	pmu sync.Mutex
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithLogger sets the dashboard logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dashboard) { d.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dashboard) { d.now = now }
}

// WithInterval overrides one view's refresh interval.
func WithInterval(v View, every time.Duration) Option {
	return func(d *Dashboard) { d.intervals[v] = every }
}

// WithSummaryTimeout overrides the per-fetch deadline of the overview.
func WithSummaryTimeout(timeout time.Duration) Option {
	return func(d *Dashboard) { d.summaryTimeout = timeout }
}

// New creates a dashboard with nothing mounted.
func New(client *backend.Client, opts ...Option) *Dashboard {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		client:         client,
		logger:         slog.Default(),
		now:            time.Now,
		intervals:      DefaultIntervals(),
		summaryTimeout: SummaryTimeout,
		ctx:            ctx,
		cancel:         cancel,
		mounts:         make(map[View]*mount),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnChange registers fn to receive every published view state. fn runs on
// the publishing poller's goroutine and must not block.
func (d *Dashboard) OnChange(fn func(Change)) {
	d.lmu.Lock()
	d.listeners = append(d.listeners, fn)
	d.lmu.Unlock()
}

// publish delivers a state from owner. States from a view that is no longer
// the mounted instance for its name are dropped.
func (d *Dashboard) publish(owner view, phase viewstate.Phase, state any) {
	v := owner.name()

	d.pmu.Lock()
	defer d.pmu.Unlock()

	d.mu.Lock()
	m, ok := d.mounts[v]
	current := ok && m.view == owner
	if current {
		metrics.ViewPhase.WithLabelValues(string(v)).Set(phaseValue(phase))
	}
	d.mu.Unlock()
	if !current {
		return
	}

	d.lmu.RLock()
	listeners := d.listeners
	d.lmu.RUnlock()

	c := Change{View: v, Phase: phase, State: state}
	for _, fn := range listeners {
		fn(c)
	}
}

func phaseValue(p viewstate.Phase) float64 {
	switch p {
	case viewstate.PhaseReady:
		return 1
	case viewstate.PhaseDegraded:
		return 2
	default:
		return 0
	}
}

// Mount starts v, or adds a reference if it is already mounted. The first
// mount begins in the loading state and fetches immediately.
func (d *Dashboard) Mount(v View) error {
	if _, ok := ParseView(string(v)); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownView, v)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if m, ok := d.mounts[v]; ok {
		m.refs++
		return nil
	}

	vw := d.build(v)
	logger := logging.ForView(d.logger, string(v))
	metrics.ViewPhase.WithLabelValues(string(v)).Set(phaseValue(viewstate.PhaseLoading))

	m := &mount{view: vw, refs: 1, mountedAt: d.now().UTC()}
	m.handle = poller.Start(d.ctx, string(v), d.intervals[v], traced(vw), logger)
	d.mounts[v] = m
	metrics.MountedViews.Set(float64(len(d.mounts)))

	logger.Info("view mounted", "interval", d.intervals[v])
	return nil
}

// traced wraps a view's cycle in a span so its backend fetches share a parent.
func traced(vw view) poller.Cycle {
	return func(ctx context.Context) error {
		ctx, span := traces.StartSpan(ctx, "view.cycle", traces.View(string(vw.name())))
		defer span.End()
		err := vw.cycle(ctx)
		if err != nil {
			span.SetAttributes(traces.ErrorKind(backend.KindOf(err)))
			traces.Fail(span, err)
		}
		return err
	}
}

// Unmount drops one reference to v. The last reference stops the poller and
// tears down the view's state; an in-flight fetch is abandoned.
func (d *Dashboard) Unmount(v View) error {
	d.mu.Lock()
	m, ok := d.mounts[v]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotMounted, v)
	}
	m.refs--
	if m.refs > 0 {
		d.mu.Unlock()
		return nil
	}
	delete(d.mounts, v)
	metrics.MountedViews.Set(float64(len(d.mounts)))
	d.mu.Unlock()

	d.teardown(v, m)
	return nil
}

func (d *Dashboard) teardown(v View, m *mount) {
	m.handle.Stop()
	m.view.close()

	d.mu.Lock()
	if _, remounted := d.mounts[v]; !remounted {
		metrics.ViewPhase.DeleteLabelValues(string(v))
	}
	d.mu.Unlock()
	logging.ForView(d.logger, string(v)).Info("view unmounted", "cycles", m.handle.Cycles())
}

func (d *Dashboard) lookup(v View) (*mount, error) {
	if _, ok := ParseView(string(v)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mounts[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotMounted, v)
	}
	return m, nil
}

// Snapshot returns the current state of a mounted view.
// The concrete type is viewstate.ViewState of the view's data, or Summary
// for the overview.
func (d *Dashboard) Snapshot(v View) (any, error) {
	m, err := d.lookup(v)
	if err != nil {
		return nil, err
	}
	return m.view.snapshot(), nil
}

// Refresh asks a mounted view for an immediate cycle. It reports false when
// a refresh is already pending.
func (d *Dashboard) Refresh(v View) (bool, error) {
	m, err := d.lookup(v)
	if err != nil {
		return false, err
	}
	return m.handle.Trigger(), nil
}

// Mounted lists mounted views in display order.
func (d *Dashboard) Mounted() []MountInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]MountInfo, 0, len(d.mounts))
	for _, v := range Views {
		m, ok := d.mounts[v]
		if !ok {
			continue
		}
		out = append(out, MountInfo{
			View:      v,
			Refs:      m.refs,
			Interval:  m.handle.Interval().String(),
			Phase:     m.view.phase(),
			Cycles:    m.handle.Cycles(),
			Running:   m.handle.Running(),
			LastError: m.handle.LastError(),
			MountedAt: m.mountedAt,
		})
	}
	return out
}

// IsMounted reports whether v has a running poller.
func (d *Dashboard) IsMounted(v View) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.mounts[v]
	return ok
}

// Close stops every poller. Further mounts fail with ErrClosed.
func (d *Dashboard) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	mounts := d.mounts
	d.mounts = make(map[View]*mount)
	metrics.MountedViews.Set(0)
	d.mu.Unlock()

	d.cancel()
	for v, m := range mounts {
		d.teardown(v, m)
	}
}

// RegisterHealth adds one checker per view. A view is unhealthy only when it
// is mounted, has failed, and has never loaded data.
func (d *Dashboard) RegisterHealth(reg *health.Registry) {
	for _, v := range Views {
		name := "view:" + string(v)
		reg.Register(name, func(_ context.Context) health.Status {
			m, err := d.lookup(v)
			if err != nil {
				return health.Status{Name: name, Healthy: true, Detail: "not mounted"}
			}
			phase := m.view.phase()
			st := health.Status{Name: name, Healthy: true, Detail: string(phase)}
			if phase == viewstate.PhaseDegraded {
				st.Detail = "degraded: " + m.handle.LastError()
				st.Healthy = hasData(m.view.snapshot())
			}
			return st
		})
	}
}

func hasData(state any) bool {
	switch s := state.(type) {
	case viewstate.ViewState[ActivePayments]:
		return s.HasData()
	case viewstate.ViewState[ProcessedPayments]:
		return s.HasData()
	case viewstate.ViewState[HealthReport]:
		return s.HasData()
	case Summary:
		return s.ActiveCount.HasData() || s.ProcessedTodayCount.HasData() || s.SystemHealth.HasData()
	}
	return false
}

func (d *Dashboard) build(v View) view {
	switch v {
	case ViewActive:
		sv := newSourceView(v, d.now, func(ctx context.Context) (ActivePayments, error) {
			r, err := d.client.ListActive(ctx, 0)
			if err != nil {
				return ActivePayments{}, err
			}
			return newActivePayments(r), nil
		})
		sv.store.OnChange(func(s viewstate.ViewState[ActivePayments]) { d.publish(sv, s.Phase, s) })
		return sv

	case ViewProcessed:
		sv := newSourceView(v, d.now, func(ctx context.Context) (ProcessedPayments, error) {
			r, err := d.client.ListProcessed(ctx, 0)
			if err != nil {
				return ProcessedPayments{}, err
			}
			return newProcessedPayments(r, d.now()), nil
		})
		sv.store.OnChange(func(s viewstate.ViewState[ProcessedPayments]) { d.publish(sv, s.Phase, s) })
		return sv

	case ViewHealth:
		sv := newSourceView(v, d.now, func(ctx context.Context) (HealthReport, error) {
			s, err := d.client.Health(ctx, 0)
			if err != nil {
				return HealthReport{}, err
			}
			r := newHealthReport(s)
			recordHealthMetrics(r)
			return r, nil
		})
		sv.store.OnChange(func(s viewstate.ViewState[HealthReport]) { d.publish(sv, s.Phase, s) })
		return sv

	default:
		var o *overviewView
		o = newOverviewView(d.client, d.summaryTimeout, d.now, func(s Summary) {
			d.publish(o, s.Phase, s)
		})
		return o
	}
}
