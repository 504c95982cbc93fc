package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of an audit event.
type Severity int

const (
	SeverityMedium Severity = iota
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = SeverityMedium
	}
	return nil
}

// EventType classifies audit events for severity assignment.
type EventType string

const (
	EventAuthentication EventType = "authentication"
	EventUserAction     EventType = "user_action"
	EventPayment        EventType = "payment"
	EventSecurity       EventType = "security"
	EventDataAccess     EventType = "data_access"
	EventSystem         EventType = "system"
)

// AuditEvent is the immutable structured record appended to the audit sink.
// It is never mutated or queried after creation.
type AuditEvent struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          EventType              `json:"type"`
	Action        string                 `json:"action"`
	Actor         string                 `json:"actor,omitempty"`
	Amount        float64                `json:"amount,omitempty"`
	Severity      Severity               `json:"severity"`
	Details       map[string]interface{} `json:"details,omitempty"`
	ClientAddr    string                 `json:"client_addr,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// NewAuditEvent creates an AuditEvent with a generated ID and current timestamp.
func NewAuditEvent(eventType EventType, action string, severity Severity) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Action:    action,
		Severity:  severity,
		Details:   make(map[string]interface{}),
	}
}

// Marshal serializes the event to JSON.
func (e *AuditEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalAuditEvent deserializes an AuditEvent from JSON.
func UnmarshalAuditEvent(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
