package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/audit"
	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/guard/anomaly"
	"github.com/gatewarden-project/gatewarden/internal/guard/payment"
	"github.com/gatewarden-project/gatewarden/internal/guard/ratelimit"
	"github.com/gatewarden-project/gatewarden/internal/guard/sanitize"
	"github.com/gatewarden-project/gatewarden/internal/pipeline"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func testServer(t *testing.T, mutate func(*core.Config)) *Server {
	t.Helper()
	cfg := testConfig(mutate)
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	})
	return testServerWithDownstream(t, cfg, echo)
}

func testConfig(mutate func(*core.Config)) *core.Config {
	cfg := core.DefaultConfig()
	cfg.Audit.Sink = "console"
	// Tests fire requests far faster than humans; disable the inter-arrival
	// heuristic so the detector judges content, not the test runner's speed.
	cfg.Anomaly.MinInterval = 0
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func testServerWithDownstream(t *testing.T, cfg *core.Config, downstream http.Handler) *Server {
	t.Helper()
	logger := zerolog.Nop()
	recorder := audit.NewRecorder(audit.NewConsoleSink(logger), cfg.Audit, logger)
	t.Cleanup(func() { recorder.Close() })

	store := anomaly.NewMemoryStore()
	detector := anomaly.NewDetector(cfg.Anomaly, store, recorder, logger)
	limiter := ratelimit.NewLimiter(cfg.Limits, logger)
	sanitizer := sanitize.NewSanitizer(cfg.Sanitizer, recorder, logger)

	vault, err := payment.NewLRUVault(64)
	if err != nil {
		t.Fatal(err)
	}

	chain := pipeline.NewChain(logger, cfg.Sanitizer.MaxBodyBytes,
		anomaly.NewBlockStage(store),
		anomaly.NewDetectorStage(detector),
		ratelimit.NewStage(limiter, recorder),
		sanitize.NewStage(sanitizer),
	)

	return NewServer(cfg, Deps{
		Chain:      chain,
		Detector:   detector,
		Scanner:    payment.NewLeakScanner(recorder, logger),
		Tokenizer:  payment.NewTokenizer(vault, recorder, logger),
		Recorder:   recorder,
		Downstream: downstream,
	}, logger)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

// ─── Health & forwarding ─────────────────────────────────────────────────────

func TestServer_Health(t *testing.T) {
	s := testServer(t, nil)

	for i := 0; i < 20; i++ {
		rec := doRequest(t, s.Handler(), "GET", "/health", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("health check %d returned %d", i, rec.Code)
		}
	}
}

func TestServer_ForwardsAllowedRequests(t *testing.T) {
	s := testServer(t, nil)

	rec := doRequest(t, s.Handler(), "GET", "/api/orders/7", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "/api/orders/7") {
		t.Errorf("downstream did not see the request: %s", rec.Body.String())
	}
}

// ─── Pipeline enforcement ────────────────────────────────────────────────────

func TestServer_RateLimitEnforced(t *testing.T) {
	s := testServer(t, func(cfg *core.Config) {
		cfg.Limits.Rules["general"] = core.LimitRule{MaxRequests: 2, Window: time.Minute}
	})

	headers := map[string]string{"X-Forwarded-For": "203.0.113.50"}
	for i := 0; i < 2; i++ {
		if rec := doRequest(t, s.Handler(), "GET", "/api/misc", "", headers); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rec.Code)
		}
	}

	rec := doRequest(t, s.Handler(), "GET", "/api/misc", "", headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if !strings.Contains(rec.Body.String(), pipeline.CodeRateLimitExceeded) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_InjectionRejected(t *testing.T) {
	s := testServer(t, nil)

	rec := doRequest(t, s.Handler(), "POST", "/api/comments",
		`{"comment": "'; DROP TABLE Users; --"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.51"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), pipeline.CodeSecurityViolation) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_MarkupSanitizedAndForwarded(t *testing.T) {
	s := testServer(t, nil)

	rec := doRequest(t, s.Handler(), "POST", "/api/profile",
		`{"bio": "<img src=x onerror=alert(1)>"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.52"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want sanitize-and-forward, body = %s", rec.Code, rec.Body.String())
	}
}

func TestServer_BlockedClientRejected(t *testing.T) {
	s := testServer(t, nil)
	s.detector.Store().Block("203.0.113.53", time.Now().Add(time.Minute))

	rec := doRequest(t, s.Handler(), "GET", "/api/orders", "",
		map[string]string{"X-Forwarded-For": "203.0.113.53"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), pipeline.CodeAccessBlocked) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_VolumeFloodBlockedThroughRateLimit(t *testing.T) {
	// The volume ceiling sits above the class rate limit, so most of the
	// flood is answered with 429. Scoring runs before the rate limiter, so
	// those rejected requests still count and the client ends up blocked.
	s := testServer(t, func(cfg *core.Config) {
		cfg.Limits.Rules["general"] = core.LimitRule{MaxRequests: 3, Window: time.Minute}
		cfg.Anomaly.MaxRequests = 6
	})

	headers := map[string]string{"X-Forwarded-For": "203.0.113.70"}
	for i := 0; i < 3; i++ {
		if rec := doRequest(t, s.Handler(), "GET", "/api/misc", "", headers); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, rec.Code)
		}
	}
	for i := 3; i < 6; i++ {
		if rec := doRequest(t, s.Handler(), "GET", "/api/misc", "", headers); rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d = %d, want 429", i+1, rec.Code)
		}
	}

	rec := doRequest(t, s.Handler(), "GET", "/api/misc", "", headers)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("request over the volume ceiling = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), pipeline.CodeSuspiciousActivity) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if !s.detector.Store().IsBlocked("203.0.113.70", time.Now()) {
		t.Error("flooding client should be in the block registry")
	}

	rec = doRequest(t, s.Handler(), "GET", "/api/misc", "", headers)
	if !strings.Contains(rec.Body.String(), pipeline.CodeAccessBlocked) {
		t.Errorf("follow-up request body = %s, want ACCESS_BLOCKED", rec.Body.String())
	}
}

// ─── Introspection API ───────────────────────────────────────────────────────

func TestServer_StatusEndpoint(t *testing.T) {
	s := testServer(t, nil)

	rec := doRequest(t, s.Handler(), "GET", "/api/v1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if body["status"] != "running" {
		t.Errorf("status field = %v", body["status"])
	}
	if _, ok := body["pipeline"]; !ok {
		t.Error("pipeline metrics missing")
	}
}

func TestServer_IntrospectionRequiresKey(t *testing.T) {
	s := testServer(t, func(cfg *core.Config) {
		cfg.Server.APIKeys = []string{"secret-key"}
	})

	rec := doRequest(t, s.Handler(), "GET", "/api/v1/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, s.Handler(), "GET", "/api/v1/status", "",
		map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong key: status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, s.Handler(), "GET", "/api/v1/status", "",
		map[string]string{"Authorization": "Bearer secret-key"})
	if rec.Code != http.StatusOK {
		t.Errorf("bearer key: status = %d, want 200", rec.Code)
	}
}

func TestServer_ConfigEndpointRedactsKeys(t *testing.T) {
	s := testServer(t, func(cfg *core.Config) {
		cfg.Server.APIKeys = []string{"secret-key"}
	})

	rec := doRequest(t, s.Handler(), "GET", "/api/v1/config", "",
		map[string]string{"X-API-Key": "secret-key"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-key") {
		t.Error("config endpoint leaked an API key")
	}
}

func TestServer_BlockedEndpoint(t *testing.T) {
	s := testServer(t, nil)
	s.detector.Store().Block("203.0.113.60", time.Now().Add(time.Minute))

	rec := doRequest(t, s.Handler(), "GET", "/api/v1/blocked", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Total   int `json:"total"`
		Blocked []struct {
			ClientKey string `json:"client_key"`
		} `json:"blocked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if body.Total != 1 || body.Blocked[0].ClientKey != "203.0.113.60" {
		t.Errorf("body = %+v", body)
	}
}

// ─── Tokenization endpoint ───────────────────────────────────────────────────

func TestServer_Tokenize(t *testing.T) {
	s := testServer(t, nil)

	future := time.Now().AddDate(1, 0, 0)
	payload := fmt.Sprintf(`{"number": "4111111111111111", "expiry": "%02d/%d", "cvv": "123"}`,
		int(future.Month()), future.Year())

	rec := doRequest(t, s.Handler(), "POST", "/api/payment/tokenize", payload,
		map[string]string{"X-Forwarded-For": "203.0.113.54"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if !strings.HasPrefix(body["token"], "tok_") {
		t.Errorf("token = %q", body["token"])
	}
	if body["masked"] != "4111********1111" {
		t.Errorf("masked = %q", body["masked"])
	}
	if strings.Contains(rec.Body.String(), "4111111111111111") {
		t.Error("response leaked the full card number")
	}
}

func TestServer_TokenizeInvalidCard(t *testing.T) {
	s := testServer(t, nil)

	rec := doRequest(t, s.Handler(), "POST", "/api/payment/tokenize",
		`{"number": "4111111111111112", "expiry": "12/30", "cvv": "123"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.55"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", rec.Code, rec.Body.String())
	}
}

// ─── Outbound leak protection ────────────────────────────────────────────────

func TestServer_LeakyDownstreamRedacted(t *testing.T) {
	leaky := testServerWithDownstream(t, testConfig(nil), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"card": "4111111111111111"}`)
	}))

	rec := doRequest(t, leaky.Handler(), "GET", "/api/payment/methods", "",
		map[string]string{"X-Forwarded-For": "203.0.113.56"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "4111111111111111") {
		t.Error("full card number reached the client")
	}
	if !strings.Contains(rec.Body.String(), "4111********1111") {
		t.Errorf("masked form missing: %s", rec.Body.String())
	}
}
