package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/config"
	"github.com/mbd888/paydash/internal/dashboard"
	"github.com/mbd888/paydash/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const verifiedBody = `{"success":true,"message":"Payment verified","payment":{
	"paymentId":"p9","payerEmail":"x@y.z","amount":"12.50","paidOn":"2026-10-17T10:00:00Z"}}`

// mockBackend serves the admin and verify endpoints of the payment backend.
type mockBackend struct {
	srv        *httptest.Server
	healthDown atomic.Bool
	verifyHits atomic.Int32
}

func newMockBackend(t *testing.T) *mockBackend {
	t.Helper()
	mb := &mockBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc(backend.PathActive, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"found":1,"payments":[{"paymentId":"p1","amount":"3.00"}]}`))
	})
	mux.HandleFunc(backend.PathProcessed, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"found":0,"entries":[]}`))
	})
	mux.HandleFunc(backend.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		if mb.healthDown.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"UP","ageSeconds":4,"dependencies":{"store":true}}`))
	})
	mux.HandleFunc(backend.PathVerify, func(w http.ResponseWriter, r *http.Request) {
		mb.verifyHits.Add(1)
		_, _ = w.Write([]byte(verifiedBody))
	})
	mb.srv = httptest.NewServer(mux)
	t.Cleanup(mb.srv.Close)
	return mb
}

// testConfig returns a minimal config for testing
func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Port:        "0",
		Env:         "development",
		LogLevel:    "error",
		LogFormat:   "text",
		APIBaseURL:  baseURL,
		PinnedViews: []string{"overview"},
	}
}

// newTestServer creates a server against a mock backend
func newTestServer(t *testing.T) (*Server, *mockBackend) {
	t.Helper()
	mb := newMockBackend(t)
	s, err := New(testConfig(mb.srv.URL),
		WithLogger(logging.Discard()),
		WithDrainDelay(0),
		WithDashboardOptions(dashboard.WithInterval(dashboard.ViewActive, time.Hour)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.dash.Close()
		s.limiter.Stop()
	})
	return s, mb
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "backend")
	assert.Contains(t, names, "view:overview")
}

func TestHealthEndpoint_BackendDown(t *testing.T) {
	s, mb := newTestServer(t)
	mb.healthDown.Store(true)

	w := do(s, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Run() has not been called
	w := do(s, "GET", "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/api/views",
		"GET:/api/views/:view",
		"POST:/api/views/:view/mount",
		"DELETE:/api/views/:view/mount",
		"POST:/api/views/:view/refresh",
		"POST:/api/verify",
		"GET:/api/verify/last",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/v1/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

func TestViews_MountReadUnmount(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/api/views/active", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "view_not_mounted", decode(t, w)["error"])

	w = do(s, "POST", "/api/views/active/mount", "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := do(s, "GET", "/api/views/active", "")
		if w.Code != http.StatusOK {
			return false
		}
		return decode(t, w)["phase"] == "ready"
	}, 2*time.Second, 20*time.Millisecond)

	w = do(s, "GET", "/api/views/active", "")
	resp := decode(t, w)
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["found"])
	assert.Equal(t, false, resp["loading"])

	w = do(s, "POST", "/api/views/active/refresh", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(s, "GET", "/api/views", "")
	require.Equal(t, http.StatusOK, w.Code)
	mounted, ok := decode(t, w)["mounted"].([]any)
	require.True(t, ok)
	assert.Len(t, mounted, 1)

	w = do(s, "DELETE", "/api/views/active/mount", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["mounted"])

	w = do(s, "DELETE", "/api/views/active/mount", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestViews_Unknown(t *testing.T) {
	s, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/views/settings"},
		{"POST", "/api/views/settings/mount"},
		{"POST", "/api/views/settings/refresh"},
	} {
		w := do(s, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
		assert.Equal(t, "unknown_view", decode(t, w)["error"], tc.path)
	}
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

func TestVerify(t *testing.T) {
	s, mb := newTestServer(t)

	w := do(s, "POST", "/api/verify", `{"email":"x@y.z","amount":12.50}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "Payment verified", resp["message"])
	payment, ok := resp["payment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "p9", payment["paymentId"])
	assert.Equal(t, int32(1), mb.verifyHits.Load())

	w = do(s, "GET", "/api/verify/last", "")
	require.Equal(t, http.StatusOK, w.Code)
	last := decode(t, w)
	assert.Equal(t, false, last["running"])
	result, ok := last["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["success"])
}

func TestVerify_MissingFields(t *testing.T) {
	s, mb := newTestServer(t)

	w := do(s, "POST", "/api/verify", `{"email":"  ","amount":"5"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode(t, w)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, dashboard.MsgMissingFields, resp["message"])
	assert.Equal(t, backend.KindValidation, resp["errorKind"])
	assert.Equal(t, int32(0), mb.verifyHits.Load(), "no request for invalid input")
}

func TestVerify_RateLimited(t *testing.T) {
	mb := newMockBackend(t)
	cfg := testConfig(mb.srv.URL)
	cfg.VerifyRatePerMinute = 1
	cfg.VerifyBurst = 1

	s, err := New(cfg, WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	defer s.dash.Close()
	defer s.limiter.Stop()

	w := do(s, "POST", "/api/verify", `{"email":"x@y.z","amount":"1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(s, "POST", "/api/verify", `{"email":"x@y.z","amount":"1"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, int32(1), mb.verifyHits.Load())
}

func TestVerify_MalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "POST", "/api/verify", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(s, "GET", "/health/live", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 36, "generated uuid")
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/views", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRun_MountsPinnedViewsAndStops(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Dashboard().IsMounted(dashboard.ViewOverview) && s.ready.Load()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, s.ready.Load())
	assert.False(t, s.Dashboard().IsMounted(dashboard.ViewOverview), "dashboard closed on shutdown")
}

func TestRun_UnknownPinnedView(t *testing.T) {
	mb := newMockBackend(t)
	cfg := testConfig(mb.srv.URL)
	cfg.PinnedViews = []string{"settings"}

	s, err := New(cfg, WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	defer s.dash.Close()
	defer s.limiter.Stop()

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settings")
}
