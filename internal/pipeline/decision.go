package pipeline

import (
	"encoding/json"
	"net/http"
	"time"
)

// Rejection codes returned in structured error bodies.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
	CodeSecurityViolation  = "SECURITY_VIOLATION"
	CodeAccessBlocked      = "ACCESS_BLOCKED"
)

// Outcome is the terminal classification of a pipeline decision.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeBlocked
	OutcomeSuspicious
	OutcomeRateLimited
	OutcomeInvalidInput
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeBlocked:
		return "reject-blocked"
	case OutcomeSuspicious:
		return "reject-suspicious"
	case OutcomeRateLimited:
		return "reject-rate-limited"
	case OutcomeInvalidInput:
		return "reject-invalid-input"
	default:
		return "unknown"
	}
}

// Decision is the uniform result every stage returns. A zero Decision is an
// allow; rejections carry the HTTP status, error code, and any response
// headers (e.g. Retry-After) the driver must emit.
type Decision struct {
	Outcome Outcome
	Code    string
	Message string
	Status  int
	Headers map[string]string
}

// Allowed reports whether the request may continue to the next stage.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Allow returns the allow decision.
func Allow() Decision { return Decision{Outcome: OutcomeAllow} }

// Reject builds a rejection decision.
func Reject(outcome Outcome, status int, code, message string) Decision {
	return Decision{Outcome: outcome, Code: code, Message: message, Status: status}
}

// errorBody is the JSON shape of every pipeline rejection.
type errorBody struct {
	Message       string    `json:"message"`
	Code          string    `json:"code"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// WriteRejection emits the structured JSON error response for a rejection.
func WriteRejection(w http.ResponseWriter, d Decision, correlationID string) {
	for k, v := range d.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Message:       d.Message,
		Code:          d.Code,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	})
}
