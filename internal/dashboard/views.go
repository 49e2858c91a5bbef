package dashboard

import (
	"context"
	"time"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/classify"
	"github.com/mbd888/paydash/internal/metrics"
	"github.com/mbd888/paydash/internal/viewstate"
)

// View names a dashboard data source.
type View string

const (
	ViewOverview  View = "overview"
	ViewActive    View = "active"
	ViewProcessed View = "processed"
	ViewHealth    View = "health"
)

// Views lists every view in display order.
var Views = []View{ViewOverview, ViewActive, ViewProcessed, ViewHealth}

// ParseView validates a view name.
func ParseView(s string) (View, bool) {
	for _, v := range Views {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// Fixed refresh intervals per source.
const (
	OverviewInterval  = 30 * time.Second
	ActiveInterval    = 10 * time.Second
	ProcessedInterval = 30 * time.Second
	HealthInterval    = 60 * time.Second

	// SummaryTimeout bounds each overview fetch. Per-view fetches carry no
	// deadline of their own and fail only on transport errors.
	SummaryTimeout = 5 * time.Second
)

// DefaultIntervals maps each view to its refresh interval.
func DefaultIntervals() map[View]time.Duration {
	return map[View]time.Duration{
		ViewOverview:  OverviewInterval,
		ViewActive:    ActiveInterval,
		ViewProcessed: ProcessedInterval,
		ViewHealth:    HealthInterval,
	}
}

// ActivePayments is the active view's data.
type ActivePayments struct {
	Found    int                     `json:"found"`
	Payments []backend.PaymentRecord `json:"payments"`
}

// ProcessedPayments is the processed view's data, with derived figures.
type ProcessedPayments struct {
	Found      int                      `json:"found"`
	Entries    []backend.ProcessedEntry `json:"entries"`
	Claimed    []backend.ProcessedEntry `json:"claimed"`
	Unclaimed  []backend.ProcessedEntry `json:"unclaimed"`
	TodayCount int                      `json:"todayCount"`
}

// HealthReport is the health view's data: the backend verdict as reported
// plus derived dependency figures.
type HealthReport struct {
	Snapshot      backend.HealthSnapshot      `json:"snapshot"`
	Dependencies  []classify.DependencyStatus `json:"dependencies"`
	UptimePercent int                         `json:"uptimePercent"`
	Operational   int                         `json:"operational"`
	Failed        int                         `json:"failed"`
	MaxAgeSeconds int                         `json:"maxAgeSeconds"`
}

// Summary is the overview view's data. Each figure is reconciled on its own
// so one failing fetch leaves the other figures visible.
type Summary struct {
	ActiveCount         viewstate.ViewState[int]                  `json:"activeCount"`
	ProcessedTodayCount viewstate.ViewState[int]                  `json:"processedTodayCount"`
	SystemHealth        viewstate.ViewState[backend.HealthStatus] `json:"systemHealth"`

	Loading     bool            `json:"loading"`
	LastUpdated time.Time       `json:"lastUpdated,omitzero"`
	Error       string          `json:"error,omitempty"`
	Phase       viewstate.Phase `json:"phase"`
}

func newActivePayments(r *backend.ActiveResponse) ActivePayments {
	return ActivePayments{Found: r.Found, Payments: r.Payments}
}

func newProcessedPayments(r *backend.ProcessedResponse, now time.Time) ProcessedPayments {
	claimed, unclaimed := classify.Partition(r.Entries)
	return ProcessedPayments{
		Found:      r.Found,
		Entries:    r.Entries,
		Claimed:    claimed,
		Unclaimed:  unclaimed,
		TodayCount: classify.TodayCount(r.Entries, now),
	}
}

func newHealthReport(s *backend.HealthSnapshot) HealthReport {
	up, down := classify.DependencyCounts(s.Dependencies)
	return HealthReport{
		Snapshot:      *s,
		Dependencies:  classify.Dependencies(s.Dependencies),
		UptimePercent: classify.UptimePercent(s.Dependencies),
		Operational:   up,
		Failed:        down,
		MaxAgeSeconds: backend.HeartbeatMaxAgeSeconds,
	}
}

// view is one mountable data source.
type view interface {
	name() View
	cycle(ctx context.Context) error
	snapshot() any
	phase() viewstate.Phase
	close()
}

// sourceView polls one endpoint into one store.
type sourceView[T any] struct {
	v     View
	store *viewstate.Store[T]
	fetch func(ctx context.Context) (T, error)
}

func newSourceView[T any](v View, now func() time.Time, fetch func(ctx context.Context) (T, error)) *sourceView[T] {
	return &sourceView[T]{v: v, store: viewstate.NewStore[T](string(v), now), fetch: fetch}
}

func (s *sourceView[T]) name() View { return s.v }

func (s *sourceView[T]) cycle(ctx context.Context) error {
	val, err := s.fetch(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		s.store.Apply(viewstate.Failure[T](err))
		return err
	}
	s.store.Apply(viewstate.Success(val))
	return nil
}

func (s *sourceView[T]) snapshot() any { return s.store.Snapshot() }

func (s *sourceView[T]) phase() viewstate.Phase { return s.store.Snapshot().Phase }

func (s *sourceView[T]) close() { s.store.Close() }

// overviewView fetches active, processed and health in sequence, each under
// SummaryTimeout, and reconciles each figure into its own slot.
type overviewView struct {
	client  *backend.Client
	timeout time.Duration
	now     func() time.Time
	publish func(Summary)

	activeCount    *viewstate.Store[int]
	processedToday *viewstate.Store[int]
	systemHealth   *viewstate.Store[backend.HealthStatus]
}

func newOverviewView(client *backend.Client, timeout time.Duration, now func() time.Time, publish func(Summary)) *overviewView {
	return &overviewView{
		client:         client,
		timeout:        timeout,
		now:            now,
		publish:        publish,
		activeCount:    viewstate.NewStore[int]("activeCount", now),
		processedToday: viewstate.NewStore[int]("processedTodayCount", now),
		systemHealth:   viewstate.NewStore[backend.HealthStatus]("systemHealth", now),
	}
}

func (o *overviewView) name() View { return ViewOverview }

func (o *overviewView) cycle(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	active, err := o.client.ListActive(ctx, o.timeout)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	note(err)
	if err != nil {
		o.activeCount.Apply(viewstate.Failure[int](err))
	} else {
		o.activeCount.Apply(viewstate.Success(len(active.Payments)))
	}

	processed, err := o.client.ListProcessed(ctx, o.timeout)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	note(err)
	if err != nil {
		o.processedToday.Apply(viewstate.Failure[int](err))
	} else {
		o.processedToday.Apply(viewstate.Success(classify.TodayCount(processed.Entries, o.now())))
	}

	hs, err := o.client.Health(ctx, o.timeout)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	note(err)
	if err != nil {
		o.systemHealth.Apply(viewstate.Failure[backend.HealthStatus](err))
	} else {
		o.systemHealth.Apply(viewstate.Success(hs.Status))
	}

	if o.publish != nil && !o.activeCount.Closed() {
		o.publish(o.summary())
	}
	return firstErr
}

func (o *overviewView) summary() Summary {
	s := Summary{
		ActiveCount:         o.activeCount.Snapshot(),
		ProcessedTodayCount: o.processedToday.Snapshot(),
		SystemHealth:        o.systemHealth.Snapshot(),
	}

	// The figure slots differ in type; fold them through a common shape.
	type figure struct {
		loading bool
		err     string
		updated time.Time
	}
	figures := []figure{
		{s.ActiveCount.Loading, s.ActiveCount.Error, s.ActiveCount.LastUpdated},
		{s.ProcessedTodayCount.Loading, s.ProcessedTodayCount.Error, s.ProcessedTodayCount.LastUpdated},
		{s.SystemHealth.Loading, s.SystemHealth.Error, s.SystemHealth.LastUpdated},
	}
	for _, f := range figures {
		if f.loading {
			s.Loading = true
		}
		if f.err != "" && s.Error == "" {
			s.Error = f.err
		}
		if f.updated.After(s.LastUpdated) {
			s.LastUpdated = f.updated
		}
	}

	switch {
	case s.Loading:
		s.Phase = viewstate.PhaseLoading
	case s.Error != "":
		s.Phase = viewstate.PhaseDegraded
	default:
		s.Phase = viewstate.PhaseReady
	}
	return s
}

func (o *overviewView) snapshot() any { return o.summary() }

func (o *overviewView) phase() viewstate.Phase { return o.summary().Phase }

func (o *overviewView) close() {
	o.activeCount.Close()
	o.processedToday.Close()
	o.systemHealth.Close()
}

// recordHealthMetrics mirrors a successful health poll into gauges.
func recordHealthMetrics(r HealthReport) {
	for _, d := range r.Dependencies {
		val := 0.0
		if d.Up {
			val = 1
		}
		metrics.BackendDependencyUp.WithLabelValues(d.Name).Set(val)
	}
	metrics.BackendUptimePercent.Set(float64(r.UptimePercent))
}
