package anomaly

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/guard/ratelimit"
	"github.com/gatewarden-project/gatewarden/internal/pipeline"
)

const (
	BlockStageName    = "block_registry"
	DetectorStageName = "anomaly_detector"
)

// User-agent substrings that mark automated tooling. Heuristic, not a
// security boundary: legitimate integrations can match and obfuscated bots
// will not.
var automationAgents = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "go-http-client", "scanner",
}

// AuditLogger is the subset of the audit recorder the detector needs.
type AuditLogger interface {
	LogSecurity(action, clientAddr, userAgent, correlationID string, details map[string]interface{})
}

// Detector scores ongoing client behavior and promotes suspicious clients
// into the block registry. It is independent of the rate limiter: it exists
// to catch patterns, not just volume.
type Detector struct {
	cfg    core.AnomalyConfig
	store  ClientStateStore
	audit  AuditLogger
	logger zerolog.Logger
}

// NewDetector creates a Detector on top of an injected state store.
func NewDetector(cfg core.AnomalyConfig, store ClientStateStore, audit AuditLogger, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		store:  store,
		audit:  audit,
		logger: logger.With().Str("component", DetectorStageName).Logger(),
	}
}

// Store exposes the underlying state store for introspection endpoints.
func (d *Detector) Store() ClientStateStore { return d.store }

// IsSuspicious observes one request and reports whether the client crossed a
// detection threshold this request. A suspicious client is placed in the
// block registry; future requests are rejected by the block stage without
// re-scoring until the block expires.
func (d *Detector) IsSuspicious(clientKey string, req *pipeline.Request) bool {
	snap := d.store.Record(clientKey, time.Now(), RecordParams{
		Window:       d.cfg.DetectionWindow,
		MinInterval:  d.cfg.MinInterval,
		PatternDelta: d.scorePatterns(req),
	})

	return snap.Count > d.cfg.MaxRequests || snap.Patterns > d.cfg.PatternCeiling
}

// scorePatterns counts the heuristic attack/bot indicators present in a
// single request.
func (d *Detector) scorePatterns(req *pipeline.Request) int {
	score := 0
	r := req.HTTP

	ua := strings.ToLower(r.UserAgent())
	if ua == "" {
		score++
	} else {
		for _, marker := range automationAgents {
			if strings.Contains(ua, marker) {
				score++
				break
			}
		}
	}

	if strings.Contains(r.URL.Path, "..") || strings.Contains(r.URL.Path, "//") {
		score++
	}

	if len(r.URL.Query()) > d.cfg.MaxQueryParams {
		score++
	}

	// ContentLength is -1 for chunked bodies, so compare against zero.
	if r.Method == http.MethodGet && (len(req.Body) > 0 || r.ContentLength != 0) {
		score++
	}

	return score
}

// SweepLoop periodically evicts expired block entries and purges activity
// records idle for longer than the configured staleness horizon.
func (d *Detector) SweepLoop(ctx context.Context) {
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			blocks, records := d.store.Sweep(time.Now(), d.cfg.StaleAfter)
			if blocks > 0 || records > 0 {
				d.logger.Debug().
					Int("blocks", blocks).
					Int("records", records).
					Msg("swept expired blocks and stale activity records")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Pipeline stages
// ---------------------------------------------------------------------------

// BlockStage rejects clients with an unexpired block entry. It runs before
// any scoring so blocked clients cost one map lookup per request.
type BlockStage struct {
	store ClientStateStore
}

// NewBlockStage creates the block registry pipeline stage.
func NewBlockStage(store ClientStateStore) *BlockStage {
	return &BlockStage{store: store}
}

func (s *BlockStage) Name() string { return BlockStageName }

func (s *BlockStage) Inspect(req *pipeline.Request) pipeline.Decision {
	if s.store.IsBlocked(req.ClientAddr, time.Now()) {
		return pipeline.Reject(pipeline.OutcomeBlocked, http.StatusForbidden,
			pipeline.CodeAccessBlocked, "access temporarily blocked due to suspicious activity")
	}
	return pipeline.Allow()
}

// DetectorStage scores the request and blocks the client when a threshold
// is crossed.
type DetectorStage struct {
	detector *Detector
}

// NewDetectorStage creates the anomaly scoring pipeline stage.
func NewDetectorStage(detector *Detector) *DetectorStage {
	return &DetectorStage{detector: detector}
}

func (s *DetectorStage) Name() string { return DetectorStageName }

func (s *DetectorStage) Inspect(req *pipeline.Request) pipeline.Decision {
	if ratelimit.ExemptPath(req.HTTP.URL.Path) {
		return pipeline.Allow()
	}

	d := s.detector
	if !d.IsSuspicious(req.ClientAddr, req) {
		return pipeline.Allow()
	}

	until := time.Now().Add(d.cfg.BlockDuration)
	d.store.Block(req.ClientAddr, until)

	d.logger.Warn().
		Str("client", req.ClientAddr).
		Time("blocked_until", until).
		Str("path", req.HTTP.URL.Path).
		Msg("client blocked")

	if d.audit != nil {
		d.audit.LogSecurity("client_blocked", req.ClientAddr, req.HTTP.UserAgent(), req.CorrelationID,
			map[string]interface{}{
				"blocked_until": until.UTC(),
				"path":          req.HTTP.URL.Path,
			})
	}

	return pipeline.Reject(pipeline.OutcomeSuspicious, http.StatusForbidden,
		pipeline.CodeSuspiciousActivity, "suspicious activity detected")
}
