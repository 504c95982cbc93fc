package audit

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gatewarden-project/gatewarden/internal/core"
)

// High-risk actions and sensitive data categories that escalate an event to
// HIGH severity regardless of its type.
var (
	highRiskActions = map[string]bool{
		"delete": true, "export": true, "bulk_access": true, "bulk_delete": true,
	}
	sensitiveCategories = map[string]bool{
		"payment": true, "personal": true, "medical": true, "financial": true,
	}
	// Security actions that mean card data actually crossed a trust boundary.
	criticalSecurityActions = map[string]bool{
		"card_data_leak_redacted": true,
	}
)

// Recorder is the fire-and-forget audit trail writer. Every Log* call
// returns immediately; events are dispatched to the sink by a background
// worker. Sink failures are logged locally and never propagate to the
// caller or delay the original request.
type Recorder struct {
	sink    Sink
	logger  zerolog.Logger
	queue   chan *core.AuditEvent
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written int64
	dropped int64
	failed  int64
}

// NewRecorder starts a Recorder draining into sink. The rate limiter guards
// the sink against rejection storms; events over the limit are dropped and
// counted, never queued indefinitely.
func NewRecorder(sink Sink, cfg core.AuditConfig, logger zerolog.Logger) *Recorder {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	perSec := cfg.EventsPerSec
	if perSec <= 0 {
		perSec = 100
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = perSec
	}

	r := &Recorder{
		sink:    sink,
		logger:  logger.With().Str("component", "audit_recorder").Logger(),
		queue:   make(chan *core.AuditEvent, queueSize),
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		done:    make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	for event := range r.queue {
		if err := r.sink.Write(event); err != nil {
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
			r.logger.Error().Err(err).
				Str("event_id", event.ID).
				Str("type", string(event.Type)).
				Msg("audit sink write failed — event lost")
			continue
		}
		r.mu.Lock()
		r.written++
		r.mu.Unlock()
	}
	close(r.done)
}

// submit enqueues an event without ever blocking. Over-rate or queue-full
// events are dropped with a local error log.
func (r *Recorder) submit(event *core.AuditEvent) {
	if !r.limiter.Allow() {
		r.drop(event, "rate")
		return
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event, "queue_full")
	}
}

func (r *Recorder) drop(event *core.AuditEvent, reason string) {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	r.logger.Warn().
		Str("event_id", event.ID).
		Str("reason", reason).
		Msg("audit event dropped")
}

// Close stops accepting events, drains the queue, and closes the sink.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.queue)
		<-r.done
	})
	return r.sink.Close()
}

// Metrics returns recorder counters.
func (r *Recorder) Metrics() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]int64{
		"written": r.written,
		"dropped": r.dropped,
		"failed":  r.failed,
	}
}

// ---------------------------------------------------------------------------
// Classification — severity by event type
// ---------------------------------------------------------------------------

// LogAuthentication records a login or token validation attempt. Failures
// are HIGH; successes default to MEDIUM.
func (r *Recorder) LogAuthentication(action, actor string, success bool, clientAddr, userAgent string) {
	sev := core.SeverityMedium
	if !success {
		sev = core.SeverityHigh
	}
	ev := core.NewAuditEvent(core.EventAuthentication, action, sev)
	ev.Actor = actor
	ev.ClientAddr = clientAddr
	ev.UserAgent = userAgent
	ev.Details["success"] = success
	r.submit(ev)
}

// LogUserAction records a general user action. High-risk actions (delete,
// export, bulk access) are escalated to HIGH.
func (r *Recorder) LogUserAction(action, actor, clientAddr string, details map[string]interface{}) {
	sev := core.SeverityMedium
	if highRiskActions[strings.ToLower(action)] {
		sev = core.SeverityHigh
	}
	ev := core.NewAuditEvent(core.EventUserAction, action, sev)
	ev.Actor = actor
	ev.ClientAddr = clientAddr
	mergeDetails(ev, details)
	r.submit(ev)
}

// LogPayment records a payment action. Always HIGH — compliance requirement.
func (r *Recorder) LogPayment(action, actor string, amount float64, clientAddr, correlationID string, details map[string]interface{}) {
	ev := core.NewAuditEvent(core.EventPayment, action, core.SeverityHigh)
	ev.Actor = actor
	ev.Amount = amount
	ev.ClientAddr = clientAddr
	ev.CorrelationID = correlationID
	mergeDetails(ev, details)
	r.submit(ev)
}

// LogSecurity records a security or suspicious-activity event. At least
// HIGH; an actual outbound card-data leak escalates to CRITICAL.
func (r *Recorder) LogSecurity(action, clientAddr, userAgent, correlationID string, details map[string]interface{}) {
	sev := core.SeverityHigh
	if criticalSecurityActions[strings.ToLower(action)] {
		sev = core.SeverityCritical
	}
	ev := core.NewAuditEvent(core.EventSecurity, action, sev)
	ev.ClientAddr = clientAddr
	ev.UserAgent = userAgent
	ev.CorrelationID = correlationID
	mergeDetails(ev, details)
	r.submit(ev)
}

// LogDataAccess records access to a data category. Sensitive categories
// (payment, personal, medical, financial) and high-risk actions are HIGH.
func (r *Recorder) LogDataAccess(category, action, actor, clientAddr string) {
	sev := core.SeverityMedium
	if sensitiveCategories[strings.ToLower(category)] || highRiskActions[strings.ToLower(action)] {
		sev = core.SeverityHigh
	}
	ev := core.NewAuditEvent(core.EventDataAccess, action, sev)
	ev.Actor = actor
	ev.ClientAddr = clientAddr
	ev.Details["category"] = category
	r.submit(ev)
}

// LogSystem records an internal system event. Defaults to MEDIUM.
func (r *Recorder) LogSystem(action string, details map[string]interface{}) {
	ev := core.NewAuditEvent(core.EventSystem, action, core.SeverityMedium)
	mergeDetails(ev, details)
	r.submit(ev)
}

func mergeDetails(ev *core.AuditEvent, details map[string]interface{}) {
	for k, v := range details {
		ev.Details[k] = v
	}
}
