package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/pipeline"
)

const StageName = "rate_limiter"

// Limiter enforces a fixed-size sliding window per (clientKey, endpointClass).
// Entries live in a sync.Map with their own mutex so concurrent requests for
// different clients never contend on a shared lock.
type Limiter struct {
	rules   core.LimitsConfig
	records sync.Map // "class|clientKey" -> *record
	logger  zerolog.Logger
}

// record is a per-(clientKey, endpointClass) activity counter. The count is
// only ever valid for the window it was taken in; a cross-window read resets
// rather than increments.
type record struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// Result carries the metadata clients need to back off correctly.
type Result struct {
	Class      string
	Limit      int
	Window     time.Duration
	Remaining  int
	RetryAfter time.Duration
}

// NewLimiter creates a Limiter from the configured per-class rules.
func NewLimiter(rules core.LimitsConfig, logger zerolog.Logger) *Limiter {
	return &Limiter{
		rules:  rules,
		logger: logger.With().Str("component", StageName).Logger(),
	}
}

// Allow performs the sliding-window check for one request. The returned
// Result is valid for both outcomes.
func (l *Limiter) Allow(clientKey, class string) (bool, Result) {
	rule := l.rules.Rule(class)
	key := class + "|" + clientKey
	now := time.Now()

	v, _ := l.records.LoadOrStore(key, &record{})
	rec := v.(*record)

	rec.mu.Lock()
	if rec.windowStart.IsZero() || now.Sub(rec.windowStart) > rule.Window {
		rec.count = 1
		rec.windowStart = now
	} else {
		rec.count++
	}
	rec.lastSeen = now
	count := rec.count
	windowStart := rec.windowStart
	rec.mu.Unlock()

	res := Result{
		Class:     class,
		Limit:     rule.MaxRequests,
		Window:    rule.Window,
		Remaining: rule.MaxRequests - count,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}

	if count > rule.MaxRequests {
		res.RetryAfter = rule.Window - now.Sub(windowStart)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
		return false, res
	}
	return true, res
}

// SweepLoop periodically evicts records idle for longer than an hour,
// bounding memory growth. Each deletion touches one map entry; request
// processing is never blocked behind the sweep.
func (l *Limiter) SweepLoop(ctx context.Context) {
	interval := l.rules.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now().Add(-time.Hour))
		}
	}
}

func (l *Limiter) sweep(cutoff time.Time) {
	removed := 0
	l.records.Range(func(key, v interface{}) bool {
		rec := v.(*record)
		rec.mu.Lock()
		stale := rec.lastSeen.Before(cutoff)
		rec.mu.Unlock()
		if stale {
			l.records.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Msg("swept stale rate limit records")
	}
}

// ---------------------------------------------------------------------------
// Pipeline stage
// ---------------------------------------------------------------------------

// AuditLogger is the subset of the audit recorder the stage needs.
type AuditLogger interface {
	LogSecurity(action, clientAddr, userAgent, correlationID string, details map[string]interface{})
}

// Stage adapts the Limiter to the pipeline contract.
type Stage struct {
	limiter *Limiter
	audit   AuditLogger
}

// NewStage creates the rate limiting pipeline stage.
func NewStage(limiter *Limiter, audit AuditLogger) *Stage {
	return &Stage{limiter: limiter, audit: audit}
}

func (s *Stage) Name() string { return StageName }

func (s *Stage) Inspect(req *pipeline.Request) pipeline.Decision {
	path := req.HTTP.URL.Path
	if ExemptPath(path) {
		return pipeline.Allow()
	}

	class := ClassifyPath(path)
	ok, res := s.limiter.Allow(req.RateKey, class)
	if ok {
		return pipeline.Allow()
	}

	if s.audit != nil {
		s.audit.LogSecurity("rate_limit_exceeded", req.ClientAddr, req.HTTP.UserAgent(), req.CorrelationID,
			map[string]interface{}{"class": class, "path": path, "limit": res.Limit})
	}

	retrySecs := int(res.RetryAfter.Round(time.Second).Seconds())
	if retrySecs < 1 {
		retrySecs = 1
	}
	d := pipeline.Reject(pipeline.OutcomeRateLimited, http.StatusTooManyRequests,
		pipeline.CodeRateLimitExceeded,
		fmt.Sprintf("rate limit of %d requests per %s exceeded for %s endpoints", res.Limit, res.Window, class))
	d.Headers = map[string]string{
		"Retry-After":        strconv.Itoa(retrySecs),
		"X-RateLimit-Limit":  strconv.Itoa(res.Limit),
		"X-RateLimit-Window": strconv.Itoa(int(res.Window.Seconds())),
	}
	return d
}
