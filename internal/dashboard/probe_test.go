package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/logging"
)

func newTestProbe(t *testing.T, fb *fakeBackend) *Probe {
	t.Helper()
	return NewProbe(fb.client(), logging.Discard())
}

func TestValidateRequest(t *testing.T) {
	req, err := ValidateRequest("  a@b.c ", " 10.00\t")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", req.Email)
	assert.Equal(t, "10.00", req.Amount)

	_, err = ValidateRequest("", "   ")
	var ve *backend.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"email", "amount"}, ve.Fields)
	assert.Equal(t, MsgMissingFields, ve.Message)
}

func TestVerify_EmptyAmountNeverHitsNetwork(t *testing.T) {
	fb := newFakeBackend(t)
	p := newTestProbe(t, fb)

	r := p.Verify(context.Background(), "a@b.c", "")
	assert.False(t, r.Success)
	assert.True(t, r.Invalid())
	assert.Equal(t, MsgMissingFields, r.Message)
	assert.Nil(t, r.Payment)
	assert.Equal(t, int32(0), fb.count(backend.PathVerify))

	st := p.Last()
	assert.False(t, st.Running)
	assert.Nil(t, st.Result, "validation must not touch the result slot")
}

func TestVerify_WhitespaceOnlyIsEmpty(t *testing.T) {
	fb := newFakeBackend(t)
	p := newTestProbe(t, fb)

	r := p.Verify(context.Background(), "   ", "10")
	assert.True(t, r.Invalid())
	assert.Equal(t, int32(0), fb.count(backend.PathVerify))
}

func TestVerify_Success(t *testing.T) {
	fb := newFakeBackend(t)
	var got backend.VerificationRequest
	fb.set(backend.PathVerify, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		body(http.StatusOK, `{"success":true,"message":"Payment verified successfully",
			"payment":{"paymentId":"p1","payerEmail":"a@b.c","amount":"10.00","paidOn":"2026-10-17T08:00:00Z"}}`)(w, r)
	})
	p := newTestProbe(t, fb)

	var notified []ProbeResult
	p.OnResult(func(r ProbeResult) { notified = append(notified, r) })

	r := p.Verify(context.Background(), " a@b.c ", "10.00")
	assert.True(t, r.Success)
	require.NotNil(t, r.Payment)
	assert.Equal(t, "p1", r.Payment.PaymentID)
	assert.Equal(t, "2026-10-17T08:00:00Z", r.Payment.PaidOn)
	assert.Empty(t, r.ErrorKind)
	assert.Equal(t, backend.VerificationRequest{Email: "a@b.c", Amount: "10.00"}, got)

	st := p.Last()
	require.NotNil(t, st.Result)
	assert.True(t, st.Result.Success)
	assert.Len(t, notified, 1)
}

func TestVerify_NotFoundBodyUsedVerbatim(t *testing.T) {
	fb := newFakeBackend(t)
	fb.set(backend.PathVerify, body(http.StatusNotFound, `{"success":false,"message":"Payment not found"}`))
	p := newTestProbe(t, fb)

	r := p.Verify(context.Background(), "a@b.c", "10.00")
	assert.False(t, r.Success)
	assert.Equal(t, "Payment not found", r.Message)
	assert.Equal(t, http.StatusNotFound, r.HTTPStatus)
	assert.Empty(t, r.ErrorKind)
	assert.Nil(t, r.Payment)
}

func TestVerify_FailureDropsPayment(t *testing.T) {
	fb := newFakeBackend(t)
	fb.set(backend.PathVerify, body(http.StatusOK, `{"success":false,"message":"Amount mismatch","payment":{"paymentId":"p9"}}`))
	p := newTestProbe(t, fb)

	r := p.Verify(context.Background(), "a@b.c", "1")
	assert.False(t, r.Success)
	assert.Nil(t, r.Payment)
}

func TestVerify_SuccessWithoutPaymentIsDecodeFailure(t *testing.T) {
	fb := newFakeBackend(t)
	fb.set(backend.PathVerify, body(http.StatusOK, `{"success":true,"message":"ok"}`))
	p := newTestProbe(t, fb)

	r := p.Verify(context.Background(), "a@b.c", "1")
	assert.False(t, r.Success)
	assert.Equal(t, backend.KindDecode, r.ErrorKind)
	assert.Equal(t, MsgMissingPayment, r.Message)
}

func TestVerify_ErrorBodies(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"field map", http.StatusBadRequest, `{"email":"invalid email format"}`, "email: invalid email format"},
		{"two fields sorted", http.StatusBadRequest, `{"amount":"must be positive","email":"must not be blank"}`, "amount: must be positive; email: must not be blank"},
		{"message field", http.StatusInternalServerError, `{"error":"Internal Server Error","message":"Redis unavailable"}`, "Redis unavailable"},
		{"spring envelope", http.StatusMethodNotAllowed, `{"timestamp":"2026-10-17T08:00:00Z","status":405,"error":"Method Not Allowed","path":"/api/payments/verify"}`, "Method Not Allowed"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "verification failed with HTTP status 502"},
		{"empty", http.StatusServiceUnavailable, ``, "verification failed with HTTP status 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBackend(t)
			fb.set(backend.PathVerify, body(tt.status, tt.body))
			p := newTestProbe(t, fb)

			r := p.Verify(context.Background(), "a@b.c", "1")
			assert.False(t, r.Success)
			assert.Equal(t, tt.want, r.Message)
			assert.Equal(t, backend.KindHTTPStatus, r.ErrorKind)
			assert.Equal(t, tt.status, r.HTTPStatus)
		})
	}
}

func TestVerify_UnexpectedOKBody(t *testing.T) {
	fb := newFakeBackend(t)
	fb.set(backend.PathVerify, body(http.StatusOK, `[]`))
	p := newTestProbe(t, fb)

	r := p.Verify(context.Background(), "a@b.c", "1")
	assert.False(t, r.Success)
	assert.Equal(t, backend.KindDecode, r.ErrorKind)
	assert.Equal(t, MsgUnexpectedReply, r.Message)
}

func TestVerify_NetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	p := NewProbe(backend.NewClient(url), logging.Discard())
	r := p.Verify(context.Background(), "a@b.c", "1")
	assert.False(t, r.Success)
	assert.Equal(t, backend.KindNetwork, r.ErrorKind)
	assert.Contains(t, r.Message, MsgNetworkError)

	st := p.Last()
	require.NotNil(t, st.Result)
	assert.Equal(t, backend.KindNetwork, st.Result.ErrorKind)
}

func TestProject_NilResponse(t *testing.T) {
	r := project(nil, context.Canceled)
	assert.False(t, r.Success)
	assert.Equal(t, backend.KindCanceled, r.ErrorKind)

	r = project(nil, nil)
	assert.False(t, r.Success)
	assert.Contains(t, r.Message, "unknown error")

	r = project(nil, errors.New("tls handshake"))
	assert.Contains(t, r.Message, "tls handshake")
}

func TestLast_ReturnsCopy(t *testing.T) {
	fb := newFakeBackend(t)
	fb.set(backend.PathVerify, body(http.StatusNotFound, `{"success":false,"message":"Payment not found"}`))
	p := newTestProbe(t, fb)
	p.Verify(context.Background(), "a@b.c", "1")

	st := p.Last()
	st.Result.Message = "mutated"
	assert.Equal(t, "Payment not found", p.Last().Result.Message)
}

func TestVerify_CallerCancelStillRecordsAnswer(t *testing.T) {
	fb := newFakeBackend(t)
	fb.set(backend.PathVerify, body(http.StatusOK, `{"success":true,"message":"Payment verified successfully",
		"payment":{"paymentId":"p9","payerEmail":"a@b.c","amount":"5.00","paidOn":"2026-10-17T08:00:00Z"}}`))
	p := newTestProbe(t, fb)

	var notified []ProbeResult
	p.OnResult(func(r ProbeResult) { notified = append(notified, r) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := p.Verify(ctx, "a@b.c", "5.00")
	assert.True(t, r.Success)
	assert.Empty(t, r.ErrorKind)
	assert.Equal(t, int32(1), fb.count(backend.PathVerify))

	st := p.Last()
	require.NotNil(t, st.Result)
	assert.True(t, st.Result.Success)
	require.NotNil(t, st.Result.Payment)
	assert.Equal(t, "p9", st.Result.Payment.PaymentID)
	require.Len(t, notified, 1)
	assert.True(t, notified[0].Success)
}

func TestVerify_OwnTimeout(t *testing.T) {
	fb := newFakeBackend(t)
	release := make(chan struct{})
	defer close(release)
	fb.set(backend.PathVerify, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	p := newTestProbe(t, fb)
	p.timeout = 50 * time.Millisecond

	r := p.Verify(context.Background(), "a@b.c", "1")
	assert.False(t, r.Success)
	assert.Equal(t, backend.KindTimeout, r.ErrorKind)
}

func TestVerify_RunningWhileAnyInFlight(t *testing.T) {
	fb := newFakeBackend(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	fb.set(backend.PathVerify, func(w http.ResponseWriter, r *http.Request) {
		var req backend.VerificationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email == "slow@b.c" {
			close(entered)
			<-release
		}
		body(http.StatusNotFound, `{"success":false,"message":"Payment not found"}`)(w, r)
	})
	p := newTestProbe(t, fb)

	slowDone := make(chan ProbeResult, 1)
	go func() { slowDone <- p.Verify(context.Background(), "slow@b.c", "1") }()
	<-entered
	assert.True(t, p.Last().Running)

	fast := p.Verify(context.Background(), "fast@b.c", "1")
	assert.False(t, fast.Success)

	st := p.Last()
	assert.True(t, st.Running, "slow verification is still in flight")
	require.NotNil(t, st.Result)

	close(release)
	<-slowDone
	assert.False(t, p.Last().Running)
}
