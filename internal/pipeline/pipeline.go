package pipeline

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Request is the pipeline's view of an inbound HTTP request. Stages read
// from it and may replace Body; the driver propagates the replacement to
// the downstream handler.
type Request struct {
	HTTP          *http.Request
	ClientAddr    string
	RateKey       string
	CorrelationID string

	// Body holds the buffered request body for mutating methods. A stage
	// that rewrites it must set BodyReplaced so the driver reinstalls it.
	Body         []byte
	BodyReplaced bool
}

// Stage is a single pipeline step with a uniform request -> decision
// contract. Stages must not perform blocking I/O; decisions are synchronous.
type Stage interface {
	Name() string
	Inspect(req *Request) Decision
}

// Chain is the fixed, ordered pipeline driver. Stages run in registration
// order; the first rejection short-circuits the rest.
type Chain struct {
	stages       []Stage
	logger       zerolog.Logger
	maxBodyBytes int64

	mu      sync.Mutex
	seen    int64
	metrics map[string]*stageStats
}

type stageStats struct {
	Inspected int64 `json:"inspected"`
	Rejected  int64 `json:"rejected"`
}

// NewChain creates a pipeline driver. maxBodyBytes bounds how much request
// body is buffered for inspection.
func NewChain(logger zerolog.Logger, maxBodyBytes int64, stages ...Stage) *Chain {
	c := &Chain{
		stages:       stages,
		logger:       logger.With().Str("component", "pipeline").Logger(),
		maxBodyBytes: maxBodyBytes,
		metrics:      make(map[string]*stageStats),
	}
	for _, s := range stages {
		c.metrics[s.Name()] = &stageStats{}
	}
	return c
}

// Middleware wraps a downstream handler with the defense pipeline.
func (c *Chain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &Request{
			HTTP:          r,
			ClientAddr:    ClientAddr(r),
			RateKey:       RateLimitKey(r),
			CorrelationID: uuid.New().String(),
		}

		if bodyCarryingMethod(r.Method) && r.Body != nil {
			// Read one byte past the cap so an over-limit body is detected
			// and rejected outright rather than truncated and corrupted.
			body, err := io.ReadAll(io.LimitReader(r.Body, c.maxBodyBytes+1))
			if err != nil {
				WriteRejection(w, Reject(OutcomeInvalidInput, http.StatusBadRequest,
					CodeSecurityViolation, "request body could not be read"), req.CorrelationID)
				return
			}
			_ = r.Body.Close()
			if int64(len(body)) > c.maxBodyBytes {
				WriteRejection(w, Reject(OutcomeInvalidInput, http.StatusRequestEntityTooLarge,
					CodeSecurityViolation, "request body exceeds the inspectable size limit"), req.CorrelationID)
				return
			}
			req.Body = body
			// Stages see the buffered copy; restore for the case where no
			// stage rewrites it.
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		c.mu.Lock()
		c.seen++
		c.mu.Unlock()

		for _, stage := range c.stages {
			d := c.safeInspect(stage, req)
			c.record(stage.Name(), d)
			if !d.Allowed() {
				c.logger.Debug().
					Str("stage", stage.Name()).
					Str("client", req.ClientAddr).
					Str("outcome", d.Outcome.String()).
					Str("path", r.URL.Path).
					Msg("request rejected")
				WriteRejection(w, d, req.CorrelationID)
				return
			}
		}

		if req.BodyReplaced {
			r.Body = io.NopCloser(bytes.NewReader(req.Body))
			r.ContentLength = int64(len(req.Body))
		}
		r.Header.Set("X-Correlation-ID", req.CorrelationID)

		next.ServeHTTP(w, r)
	})
}

// safeInspect runs a stage inside a recover() so a panicking stage cannot
// crash the server. A panic fails open: defense heuristics must not take
// down legitimate traffic.
func (c *Chain) safeInspect(stage Stage, req *Request) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str("stage", stage.Name()).
				Str("correlation_id", req.CorrelationID).
				Interface("panic", rec).
				Msg("STAGE PANIC — recovered, request allowed through")
			d = Allow()
		}
	}()
	return stage.Inspect(req)
}

func (c *Chain) record(name string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.metrics[name]
	if st == nil {
		st = &stageStats{}
		c.metrics[name] = st
	}
	st.Inspected++
	if d.Outcome != OutcomeAllow {
		st.Rejected++
	}
}

// Metrics returns a snapshot of per-stage counters.
func (c *Chain) Metrics() map[string]map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]int64, len(c.metrics)+1)
	for name, st := range c.metrics {
		out[name] = map[string]int64{
			"inspected": st.Inspected,
			"rejected":  st.Rejected,
		}
	}
	out["_chain"] = map[string]int64{"requests": c.seen}
	return out
}

// Stages returns the stage names in execution order.
func (c *Chain) Stages() []string {
	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		names = append(names, s.Name())
	}
	return names
}

func bodyCarryingMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
