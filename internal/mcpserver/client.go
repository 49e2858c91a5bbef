package mcpserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/circuitbreaker"
	"github.com/mbd888/paydash/internal/dashboard"
	"github.com/mbd888/paydash/internal/retry"
)

// Config holds the configuration for reaching the payment backend.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // Per-attempt timeout for admin reads; 0 means 10s
	Retry   retry.Policy  // Zero value uses retry.DefaultPolicy
}

// DashboardClient reads the backend's admin endpoints for tool calls.
// Reads are retried and guarded by a per-endpoint circuit breaker;
// verification is sent exactly once.
type DashboardClient struct {
	api     *backend.Client
	probe   *dashboard.Probe
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	now     func() time.Time
}

// NewDashboardClient creates a client for the payment backend.
func NewDashboardClient(cfg Config, logger *slog.Logger) *DashboardClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	api := backend.NewClient(cfg.APIURL, backend.WithLogger(logger))
	return &DashboardClient{
		api:     api,
		probe:   dashboard.NewProbe(api, logger),
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  cfg.Retry,
		timeout: cfg.Timeout,
		now:     time.Now,
	}
}

// transient reports whether err is worth retrying and counts against the
// endpoint's circuit.
func transient(err error) bool {
	switch backend.KindOf(err) {
	case backend.KindTimeout, backend.KindNetwork:
		return true
	case backend.KindHTTPStatus:
		return backend.StatusOf(err) >= 500
	default:
		return false
	}
}

// read runs fn under the breaker for endpoint, retrying transient failures.
func (c *DashboardClient) read(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	return c.breaker.Execute(endpoint, func() error {
		return retry.Do(ctx, c.policy, func(ctx context.Context) error {
			err := fn(ctx)
			if err != nil && !transient(err) {
				return retry.Permanent(err)
			}
			return err
		})
	}, transient)
}

// ListActive returns the backend's active payments.
func (c *DashboardClient) ListActive(ctx context.Context) (*backend.ActiveResponse, error) {
	var out *backend.ActiveResponse
	err := c.read(ctx, backend.PathActive, func(ctx context.Context) error {
		r, err := c.api.ListActive(ctx, c.timeout)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListProcessed returns the backend's processed-message entries.
func (c *DashboardClient) ListProcessed(ctx context.Context) (*backend.ProcessedResponse, error) {
	var out *backend.ProcessedResponse
	err := c.read(ctx, backend.PathProcessed, func(ctx context.Context) error {
		r, err := c.api.ListProcessed(ctx, c.timeout)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Health returns the backend's health snapshot.
func (c *DashboardClient) Health(ctx context.Context) (*backend.HealthSnapshot, error) {
	var out *backend.HealthSnapshot
	err := c.read(ctx, backend.PathHealth, func(ctx context.Context) error {
		r, err := c.api.Health(ctx, c.timeout)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Verify checks one payment. Never retried: the backend may record the
// attempt.
func (c *DashboardClient) Verify(ctx context.Context, email, amount string) dashboard.ProbeResult {
	return c.probe.Verify(ctx, email, amount)
}

// Circuits returns the breaker state per endpoint.
func (c *DashboardClient) Circuits() map[string]circuitbreaker.State {
	return c.breaker.States()
}
