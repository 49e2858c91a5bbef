package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/metrics"
)

// Messages shown to the operator for locally synthesized results.
const (
	MsgMissingFields   = "Please fill in both email and amount fields."
	MsgNetworkError    = "Network error occurred while verifying payment"
	MsgMissingPayment  = "Verification succeeded but the response carried no payment."
	MsgUnexpectedReply = "Unexpected response from verification service."
)

// Verification results, used as metric labels.
const (
	ResultVerified = "verified"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
	ResultInvalid  = "invalid"
)

// VerifyTimeout bounds a verification request once it has been sent.
const VerifyTimeout = 30 * time.Second

// ProbeResult is a VerificationResult plus how it was obtained.
type ProbeResult struct {
	backend.VerificationResult
	ErrorKind  string    `json:"errorKind,omitempty"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Invalid reports whether the input was rejected before any request.
func (r ProbeResult) Invalid() bool { return r.ErrorKind == backend.KindValidation }

// ProbeState is the probe's own state slot.
type ProbeState struct {
	Running bool         `json:"running"`
	Result  *ProbeResult `json:"result"`
}

// Probe runs one-shot verification requests, independent of any poller.
type Probe struct {
	client  *backend.Client
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu        sync.RWMutex
	inflight  int
	result    *ProbeResult
	listeners []func(ProbeResult)
}

// NewProbe creates a verification probe.
func NewProbe(client *backend.Client, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{client: client, logger: logger, now: time.Now, timeout: VerifyTimeout}
}

// ValidateRequest trims both fields and requires them to be non-empty.
func ValidateRequest(email, amount string) (backend.VerificationRequest, error) {
	req := backend.VerificationRequest{
		Email:  strings.TrimSpace(email),
		Amount: strings.TrimSpace(amount),
	}
	var missing []string
	if req.Email == "" {
		missing = append(missing, "email")
	}
	if req.Amount == "" {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return req, &backend.ValidationError{Fields: missing, Message: MsgMissingFields}
	}
	return req, nil
}

// Last returns the most recent non-validation result.
func (p *Probe) Last() ProbeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := ProbeState{Running: p.inflight > 0}
	if p.result != nil {
		r := *p.result
		st.Result = &r
	}
	return st
}

// OnResult registers fn to run after every completed verification.
func (p *Probe) OnResult(fn func(ProbeResult)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Verify checks one payment. It always returns a result: validation,
// transport and backend failures come back as Success=false.
// Validation failures never reach the network and leave Last untouched.
//
// A successful verification claims the payment, so once sent the request
// is not cancelled with ctx: it runs to completion under the probe's own
// timeout and its answer is recorded even if the caller has gone away.
func (p *Probe) Verify(ctx context.Context, email, amount string) ProbeResult {
	req, err := ValidateRequest(email, amount)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues(ResultInvalid).Inc()
		return ProbeResult{
			VerificationResult: backend.VerificationResult{Success: false, Message: err.Error()},
			ErrorKind:          backend.KindValidation,
			CheckedAt:          p.now().UTC(),
		}
	}

	p.mu.Lock()
	p.inflight++
	p.mu.Unlock()

	resp, err := p.client.Verify(context.WithoutCancel(ctx), req, p.timeout)
	result := project(resp, err)
	result.CheckedAt = p.now().UTC()

	label := ResultVerified
	switch {
	case result.Success:
	case result.ErrorKind == "":
		label = ResultRejected
	default:
		label = ResultFailed
	}
	metrics.VerificationsTotal.WithLabelValues(label).Inc()
	p.logger.Info("payment verification",
		"result", label,
		"kind", result.ErrorKind,
		"status", result.HTTPStatus,
		"caller_gone", ctx.Err() != nil,
	)

	p.mu.Lock()
	p.inflight--
	stored := result
	p.result = &stored
	listeners := append([]func(ProbeResult){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(result)
	}
	return result
}

// verifyWire detects whether a body is a VerificationResult at all.
type verifyWire struct {
	Success *bool                    `json:"success"`
	Message string                   `json:"message"`
	Payment *backend.VerifiedPayment `json:"payment"`
}

func project(resp *backend.Response, err error) ProbeResult {
	if resp == nil {
		cause := "unknown error"
		if err != nil {
			cause = err.Error()
		}
		return failed(fmt.Sprintf("%s: %s", MsgNetworkError, cause), backend.KindOf(err), 0)
	}

	var w verifyWire
	if json.Unmarshal(resp.Body, &w) == nil && w.Success != nil {
		switch {
		case !*w.Success:
			r := ProbeResult{VerificationResult: backend.VerificationResult{Success: false, Message: w.Message}}
			if !resp.OK() {
				r.HTTPStatus = resp.Status
			}
			return r
		case !resp.OK():
			return failed(errorBodyMessage(resp), backend.KindHTTPStatus, resp.Status)
		case w.Payment == nil:
			return failed(MsgMissingPayment, backend.KindDecode, 0)
		default:
			return ProbeResult{VerificationResult: backend.VerificationResult{
				Success: true,
				Message: w.Message,
				Payment: w.Payment,
			}}
		}
	}

	if !resp.OK() {
		return failed(errorBodyMessage(resp), backend.KindHTTPStatus, resp.Status)
	}
	return failed(MsgUnexpectedReply, backend.KindDecode, 0)
}

func failed(msg, kind string, status int) ProbeResult {
	return ProbeResult{
		VerificationResult: backend.VerificationResult{Success: false, Message: msg},
		ErrorKind:          kind,
		HTTPStatus:         status,
	}
}

// envelopeKeys are framework error fields that are not per-field messages.
var envelopeKeys = map[string]bool{
	"error": true, "message": true, "status": true,
	"timestamp": true, "path": true, "trace": true,
}

// errorBodyMessage pulls an operator-facing message out of a non-2xx body:
// its message field, else its per-field validation messages, else its error
// field, else the bare status.
func errorBodyMessage(resp *backend.Response) string {
	var body map[string]any
	if json.Unmarshal(resp.Body, &body) == nil {
		if msg, ok := body["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return msg
		}

		var fields []string
		for k, v := range body {
			if envelopeKeys[k] {
				continue
			}
			if s, ok := v.(string); ok && s != "" {
				fields = append(fields, k+": "+s)
			}
		}
		if len(fields) > 0 {
			sort.Strings(fields)
			return strings.Join(fields, "; ")
		}

		if e, ok := body["error"].(string); ok && e != "" {
			return e
		}
	}
	return fmt.Sprintf("verification failed with HTTP status %d", resp.Status)
}
