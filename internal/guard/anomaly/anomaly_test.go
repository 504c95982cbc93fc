package anomaly

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/pipeline"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type capAudit struct {
	mu      sync.Mutex
	actions []string
}

func (c *capAudit) LogSecurity(action, clientAddr, userAgent, correlationID string, details map[string]interface{}) {
	c.mu.Lock()
	c.actions = append(c.actions, action)
	c.mu.Unlock()
}

func (c *capAudit) has(action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.actions {
		if a == action {
			return true
		}
	}
	return false
}

func testCfg() core.AnomalyConfig {
	return core.AnomalyConfig{
		DetectionWindow: time.Minute,
		BlockDuration:   10 * time.Minute,
		MinInterval:     100 * time.Millisecond,
		MaxRequests:     300,
		PatternCeiling:  3,
		MaxQueryParams:  20,
		StaleAfter:      time.Hour,
	}
}

func browserRequest(path string) *pipeline.Request {
	r := httptest.NewRequest("GET", path, nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	r.RemoteAddr = "192.0.2.1:1234"
	return &pipeline.Request{HTTP: r, ClientAddr: "192.0.2.1", RateKey: "192.0.2.1", CorrelationID: "corr-1"}
}

var (
	_ pipeline.Stage   = (*BlockStage)(nil)
	_ pipeline.Stage   = (*DetectorStage)(nil)
	_ ClientStateStore = (*MemoryStore)(nil)
)

// ─── MemoryStore ─────────────────────────────────────────────────────────────

func TestMemoryStore_CountResetsAcrossWindows(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	p := RecordParams{Window: time.Minute, MinInterval: 100 * time.Millisecond}

	for i := 0; i < 5; i++ {
		store.Record("client-a", base.Add(time.Duration(i)*time.Second), p)
	}
	snap := store.Record("client-a", base.Add(5*time.Second), p)
	if snap.Count != 6 {
		t.Errorf("in-window count = %d, want 6", snap.Count)
	}

	// A request after the window elapsed starts a fresh count, never an
	// increment of the stale one.
	snap = store.Record("client-a", base.Add(2*time.Minute), p)
	if snap.Count != 1 {
		t.Errorf("cross-window count = %d, want 1", snap.Count)
	}
}

func TestMemoryStore_FastIntervalsAccumulatePatterns(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	p := RecordParams{Window: time.Minute, MinInterval: 100 * time.Millisecond}

	// Five requests 10ms apart: the first has no interval, the next four
	// each land under the minimum.
	var snap Snapshot
	for i := 0; i < 5; i++ {
		snap = store.Record("client-a", base.Add(time.Duration(i)*10*time.Millisecond), p)
	}
	if snap.Patterns != 4 {
		t.Errorf("patterns = %d, want 4", snap.Patterns)
	}
}

func TestMemoryStore_PatternDeltaAccumulates(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	p := RecordParams{Window: time.Minute, MinInterval: time.Millisecond, PatternDelta: 2}

	store.Record("client-a", base, p)
	snap := store.Record("client-a", base.Add(time.Second), p)
	if snap.Patterns != 4 {
		t.Errorf("patterns = %d, want 4 after two requests with delta 2", snap.Patterns)
	}
}

func TestMemoryStore_BlockAndExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	if store.IsBlocked("client-a", now) {
		t.Fatal("unknown client should not be blocked")
	}

	store.Block("client-a", now.Add(10*time.Minute))
	if !store.IsBlocked("client-a", now.Add(9*time.Minute)) {
		t.Error("client should be blocked inside the window")
	}
	if store.IsBlocked("client-a", now.Add(11*time.Minute)) {
		t.Error("client should be unblocked after expiry")
	}
	// Expired entries are removed on read
	if store.BlockedCount(now.Add(11*time.Minute)) != 0 {
		t.Error("expired entry should be gone")
	}
}

func TestMemoryStore_BlockedKeys(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.Block("client-a", now.Add(time.Minute))
	store.Block("client-b", now.Add(-time.Minute))

	keys := store.BlockedKeys(now)
	if len(keys) != 1 {
		t.Fatalf("BlockedKeys() has %d entries, want 1", len(keys))
	}
	if _, ok := keys["client-a"]; !ok {
		t.Error("client-a should be listed")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	store.Block("expired", now.Add(-time.Minute))
	store.Block("live", now.Add(time.Minute))
	store.Record("stale", now.Add(-2*time.Hour), RecordParams{Window: time.Minute})
	store.Record("fresh", now, RecordParams{Window: time.Minute})

	blocks, records := store.Sweep(now, time.Hour)
	if blocks != 1 {
		t.Errorf("swept %d blocks, want 1", blocks)
	}
	if records != 1 {
		t.Errorf("swept %d records, want 1", records)
	}
	if !store.IsBlocked("live", now) {
		t.Error("live block must survive the sweep")
	}
}

// ─── Pattern scoring ─────────────────────────────────────────────────────────

func TestDetector_ScorePatterns(t *testing.T) {
	d := NewDetector(testCfg(), NewMemoryStore(), nil, zerolog.Nop())

	tests := []struct {
		name  string
		setup func(*pipeline.Request)
		want  int
	}{
		{"clean browser request", func(req *pipeline.Request) {}, 0},
		{"missing user agent", func(req *pipeline.Request) {
			req.HTTP.Header.Del("User-Agent")
		}, 1},
		{"bot user agent", func(req *pipeline.Request) {
			req.HTTP.Header.Set("User-Agent", "python-requests/2.31")
		}, 1},
		{"path traversal", func(req *pipeline.Request) {
			req.HTTP.URL.Path = "/api/files/../../etc/passwd"
		}, 1},
		{"query param flood", func(req *pipeline.Request) {
			q := req.HTTP.URL.Query()
			for i := 0; i < 25; i++ {
				q.Set(strings.Repeat("p", i+1), "v")
			}
			req.HTTP.URL.RawQuery = q.Encode()
		}, 1},
		{"get with body", func(req *pipeline.Request) {
			req.Body = []byte("payload")
		}, 1},
		{"get with chunked body", func(req *pipeline.Request) {
			req.HTTP.ContentLength = -1
		}, 1},
		{"bot plus traversal", func(req *pipeline.Request) {
			req.HTTP.Header.Set("User-Agent", "curl/8.0")
			req.HTTP.URL.Path = "/a//b"
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := browserRequest("/api/orders")
			tt.setup(req)
			if got := d.scorePatterns(req); got != tt.want {
				t.Errorf("scorePatterns() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ─── Detection ───────────────────────────────────────────────────────────────

func TestDetector_RapidFireCrossesPatternCeiling(t *testing.T) {
	d := NewDetector(testCfg(), NewMemoryStore(), nil, zerolog.Nop())

	// Clean requests in a tight loop: each after the first arrives well
	// under the 100ms minimum interval. The fifth pushes the pattern
	// counter past the ceiling of 3.
	for i := 0; i < 4; i++ {
		if d.IsSuspicious("client-a", browserRequest("/api/orders")) {
			t.Fatalf("request %d should not yet be suspicious", i+1)
		}
	}
	if !d.IsSuspicious("client-a", browserRequest("/api/orders")) {
		t.Error("fifth rapid-fire request should cross the pattern ceiling")
	}
}

func TestDetector_VolumeThreshold(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRequests = 10
	cfg.MinInterval = 0 // isolate the volume check
	d := NewDetector(cfg, NewMemoryStore(), nil, zerolog.Nop())

	for i := 0; i < 10; i++ {
		if d.IsSuspicious("client-a", browserRequest("/api/orders")) {
			t.Fatalf("request %d should not be suspicious", i+1)
		}
	}
	if !d.IsSuspicious("client-a", browserRequest("/api/orders")) {
		t.Error("request over the volume threshold should be suspicious")
	}
}

// ─── Pipeline stages ─────────────────────────────────────────────────────────

func TestBlockStage(t *testing.T) {
	store := NewMemoryStore()
	stage := NewBlockStage(store)

	req := browserRequest("/api/orders")
	if d := stage.Inspect(req); !d.Allowed() {
		t.Fatal("unblocked client should pass")
	}

	store.Block("192.0.2.1", time.Now().Add(time.Minute))
	d := stage.Inspect(req)
	if d.Allowed() {
		t.Fatal("blocked client should be rejected")
	}
	if d.Status != 403 || d.Code != pipeline.CodeAccessBlocked {
		t.Errorf("decision = %d %q, want 403 ACCESS_BLOCKED", d.Status, d.Code)
	}
}

func TestDetectorStage_BlocksAndAudits(t *testing.T) {
	cfg := testCfg()
	cfg.PatternCeiling = 0 // any pattern hit trips it
	store := NewMemoryStore()
	audit := &capAudit{}
	stage := NewDetectorStage(NewDetector(cfg, store, audit, zerolog.Nop()))

	req := browserRequest("/api/orders")
	req.HTTP.Header.Set("User-Agent", "sqlmap scanner")

	d := stage.Inspect(req)
	if d.Allowed() {
		t.Fatal("scanner should be rejected")
	}
	if d.Status != 403 || d.Code != pipeline.CodeSuspiciousActivity {
		t.Errorf("decision = %d %q, want 403 SUSPICIOUS_ACTIVITY", d.Status, d.Code)
	}
	if !store.IsBlocked("192.0.2.1", time.Now()) {
		t.Error("client should be in the block registry")
	}
	if !audit.has("client_blocked") {
		t.Error("blocking should produce an audit event")
	}
}

func TestDetectorStage_ExemptPathNeverScored(t *testing.T) {
	cfg := testCfg()
	cfg.PatternCeiling = 0
	store := NewMemoryStore()
	stage := NewDetectorStage(NewDetector(cfg, store, nil, zerolog.Nop()))

	req := browserRequest("/health")
	req.HTTP.Header.Del("User-Agent") // would otherwise score

	for i := 0; i < 20; i++ {
		if d := stage.Inspect(req); !d.Allowed() {
			t.Fatal("health checks must never trip the detector")
		}
	}
}
