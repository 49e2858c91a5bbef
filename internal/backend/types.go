package backend

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Endpoint paths on the payment-verification backend.
const (
	PathActive    = "/api/admin/active"
	PathProcessed = "/api/admin/processed"
	PathHealth    = "/api/admin/health"
	PathVerify    = "/api/payments/verify"
)

// HealthStatus is the backend's own freshness verdict.
type HealthStatus string

const (
	StatusUp      HealthStatus = "UP"
	StatusDown    HealthStatus = "DOWN"
	StatusStale   HealthStatus = "STALE"
	StatusUnknown HealthStatus = "UNKNOWN"
)

// Dependency flags reported in the health payload.
const (
	DepKeepAliveScheduler = "keepAliveScheduler"
	DepHeartbeatScheduler = "heartbeatScheduler"
	DepSweepScheduler     = "sweepScheduler"
	DepWorkerPool         = "workerPool"
	DepInbox              = "inbox"
	DepStore              = "store"
	DepRunning            = "running"
)

// DependencyNames is the fixed display order of backend dependencies.
var DependencyNames = []string{
	DepKeepAliveScheduler,
	DepHeartbeatScheduler,
	DepSweepScheduler,
	DepWorkerPool,
	DepInbox,
	DepStore,
	DepRunning,
}

// HeartbeatMaxAgeSeconds is the backend's default heartbeat max age.
// Shown as a label only; the dashboard never re-derives status from it.
const HeartbeatMaxAgeSeconds = 90

// Amount is a currency-agnostic decimal kept as text.
// It accepts either a JSON string or a JSON number on decode.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = Amount(n.String())
	return nil
}

// PaymentRecord is one active or processed payment as stored by the backend.
// A record without PaymentID is valid: it stands for a message with no payment.
type PaymentRecord struct {
	PaymentID    string `json:"paymentId,omitempty"`
	PayerEmail   string `json:"payerEmail,omitempty"`
	Phone        string `json:"phone,omitempty"`
	MerchantName string `json:"merchantName,omitempty"`
	Amount       Amount `json:"amount,omitempty"`
	Method       string `json:"method,omitempty"`
	Subject      string `json:"subject,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	Status       string `json:"status,omitempty"`
	PaymentTs    string `json:"paymentTs,omitempty"`
	StorageKey   string `json:"_redisKey,omitempty"`
}

// ProcessedEntry wraps a processed-message storage key and, while the payment
// has not been claimed, the payment it points at.
type ProcessedEntry struct {
	Key     string          `json:"key"`
	Type    string          `json:"type,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Info    map[string]any  `json:"info,omitempty"`
	Payment *PaymentRecord  `json:"payment"`
}

// Claimed reports whether the payment detail has already been consumed.
func (e ProcessedEntry) Claimed() bool {
	return e.Payment == nil
}

// MessageID returns the message id held in Value: either the raw string value
// or the messageId field of a hash value.
func (e ProcessedEntry) MessageID() string {
	if len(e.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Value, &s); err == nil {
		return s
	}
	var hash map[string]any
	if err := json.Unmarshal(e.Value, &hash); err == nil {
		switch v := hash["messageId"].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// ActiveResponse is the /api/admin/active payload.
type ActiveResponse struct {
	Limit    int             `json:"limit,omitempty"`
	Found    int             `json:"found"`
	Payments []PaymentRecord `json:"payments"`
}

// ProcessedResponse is the /api/admin/processed payload.
type ProcessedResponse struct {
	Pattern string           `json:"pattern,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Found   int              `json:"found"`
	Entries []ProcessedEntry `json:"entries"`
}

// HealthSnapshot is the /api/admin/health payload.
type HealthSnapshot struct {
	Key           string          `json:"key,omitempty"`
	Status        HealthStatus    `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	LastHeartbeat string          `json:"lastHeartbeat,omitempty"`
	AgeSeconds    int64           `json:"ageSeconds"`
	Dependencies  map[string]bool `json:"dependencies"`
}

// VerificationRequest is the body posted to /api/payments/verify.
type VerificationRequest struct {
	Email  string `json:"email"`
	Amount string `json:"amount"`
}

// VerifiedPayment is the payment consumed by a successful verification.
type VerifiedPayment struct {
	PaymentRecord
	PaidOn string `json:"paidOn,omitempty"`
}

// VerificationResult is the verify endpoint's answer.
// Payment is set if and only if Success is true.
type VerificationResult struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Payment *VerifiedPayment `json:"payment,omitempty"`
}
