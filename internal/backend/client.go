// Package backend is the HTTP client for the payment-verification backend's
// admin and verify endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/paydash/internal/metrics"
	"github.com/mbd888/paydash/internal/traces"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Response is a completed backend exchange.
type Response struct {
	Status int
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client talks to one backend base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client. Its Timeout should stay zero:
// deadlines are set per call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Fetch issues exactly one request. A positive timeout bounds the whole
// exchange including the body read; zero leaves the request bounded only by
// ctx and the transport.
//
// A non-2xx answer returns both the Response and an *HTTPStatusError so
// callers that understand the error body can still decode it.
func (c *Client) Fetch(ctx context.Context, method, path string, body any, timeout time.Duration) (*Response, error) {
	ctx, span := traces.StartSpan(ctx, "backend.fetch", traces.Method(method), traces.Endpoint(path))
	defer span.End()

	start := time.Now()
	resp, err := c.do(ctx, method, path, body, timeout)
	metrics.BackendFetchDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	if resp != nil {
		span.SetAttributes(traces.StatusCode(resp.Status))
	}
	if err != nil {
		kind := KindOf(err)
		metrics.BackendFetchErrorsTotal.WithLabelValues(path, kind).Inc()
		span.SetAttributes(traces.ErrorKind(kind))
		traces.Fail(span, err)
		c.logger.Debug("backend fetch failed", "method", method, "path", path, "kind", kind, "error", err)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, timeout time.Duration) (*Response, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, reqCtx, path, timeout, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(ctx, reqCtx, path, timeout, err)
	}

	resp := &Response{Status: httpResp.StatusCode, Body: data}
	if !resp.OK() {
		return resp, &HTTPStatusError{Endpoint: path, Status: resp.Status, Body: data}
	}
	return resp, nil
}

// classifyTransport tells a caller cancellation apart from our own deadline
// and from plain transport failure.
func classifyTransport(parent, reqCtx context.Context, path string, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Endpoint: path, Timeout: timeout}
	}
	return &NetworkError{Endpoint: path, Err: err}
}

func getJSON[T any](ctx context.Context, c *Client, path string, timeout time.Duration) (*T, error) {
	resp, err := c.Fetch(ctx, http.MethodGet, path, nil, timeout)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		derr := &DecodeError{Endpoint: path, Err: err}
		metrics.BackendFetchErrorsTotal.WithLabelValues(path, KindDecode).Inc()
		return nil, derr
	}
	return &out, nil
}

// ListActive returns in-flight payments.
func (c *Client) ListActive(ctx context.Context, timeout time.Duration) (*ActiveResponse, error) {
	out, err := getJSON[ActiveResponse](ctx, c, PathActive, timeout)
	if err != nil {
		return nil, err
	}
	if out.Payments == nil {
		out.Payments = []PaymentRecord{}
	}
	return out, nil
}

// ListProcessed returns processed-message storage entries.
func (c *Client) ListProcessed(ctx context.Context, timeout time.Duration) (*ProcessedResponse, error) {
	out, err := getJSON[ProcessedResponse](ctx, c, PathProcessed, timeout)
	if err != nil {
		return nil, err
	}
	if out.Entries == nil {
		out.Entries = []ProcessedEntry{}
	}
	return out, nil
}

// Health returns the backend health snapshot. A missing status reads as
// UNKNOWN and a negative age is clamped to zero.
func (c *Client) Health(ctx context.Context, timeout time.Duration) (*HealthSnapshot, error) {
	out, err := getJSON[HealthSnapshot](ctx, c, PathHealth, timeout)
	if err != nil {
		return nil, err
	}
	if out.Status == "" {
		out.Status = StatusUnknown
	}
	if out.AgeSeconds < 0 {
		out.AgeSeconds = 0
	}
	if out.Dependencies == nil {
		out.Dependencies = map[string]bool{}
	}
	return out, nil
}

// Verify posts a verification request. The backend answers some failures
// (404 payment not found) with a VerificationResult body, so the raw
// Response is returned alongside any *HTTPStatusError. A zero timeout leaves
// the request bounded only by ctx.
func (c *Client) Verify(ctx context.Context, req VerificationRequest, timeout time.Duration) (*Response, error) {
	return c.Fetch(ctx, http.MethodPost, PathVerify, req, timeout)
}
