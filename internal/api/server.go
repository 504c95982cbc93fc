package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/audit"
	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/guard/anomaly"
	"github.com/gatewarden-project/gatewarden/internal/guard/payment"
	"github.com/gatewarden-project/gatewarden/internal/pipeline"
)

// Server fronts the downstream application with the defense pipeline and
// exposes the Gatewarden introspection API.
type Server struct {
	cfg       *core.Config
	chain     *pipeline.Chain
	detector  *anomaly.Detector
	scanner   *payment.LeakScanner
	tokenizer *payment.Tokenizer
	recorder  *audit.Recorder
	server    *http.Server
	logger    zerolog.Logger
}

// Deps carries the constructed pipeline components into the server.
type Deps struct {
	Chain     *pipeline.Chain
	Detector  *anomaly.Detector
	Scanner   *payment.LeakScanner
	Tokenizer *payment.Tokenizer
	Recorder  *audit.Recorder
	// Downstream is the business application behind the pipeline. Requests
	// the pipeline allows are forwarded here unchanged except for sanitized
	// bodies and the correlation header.
	Downstream http.Handler
}

// NewServer builds the full handler chain:
// CORS -> request logging -> defense pipeline -> response leak scan -> routes.
func NewServer(cfg *core.Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		chain:     deps.Chain,
		detector:  deps.Detector,
		scanner:   deps.Scanner,
		tokenizer: deps.Tokenizer,
		recorder:  deps.Recorder,
		logger:    logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.protect(s.handleStatus))
	mux.HandleFunc("/api/v1/blocked", s.protect(s.handleBlocked))
	mux.HandleFunc("/api/v1/config", s.protect(s.handleConfig))
	mux.HandleFunc("/api/payment/tokenize", s.handleTokenize)
	if deps.Downstream != nil {
		mux.Handle("/", deps.Downstream)
	}

	handler := corsMiddleware(
		loggingMiddleware(
			deps.Chain.Middleware(
				deps.Scanner.Middleware(mux),
			),
			s.logger,
		),
		cfg.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the composed handler, used directly by tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("server starting")
	if s.cfg.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.cfg.Server.APIKeys)).Msg("introspection API authentication enabled")
	} else {
		s.logger.Warn().Msg("introspection API authentication disabled — set api_keys in config or GATEWARDEN_API_KEY env var")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "running",
		"stages":    s.chain.Stages(),
		"pipeline":  s.chain.Metrics(),
		"blocked":   s.detector.Store().BlockedCount(time.Now()),
		"audit":     s.recorder.Metrics(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := s.detector.Store().BlockedKeys(time.Now())
	out := make([]map[string]interface{}, 0, len(entries))
	for key, until := range entries {
		out = append(out, map[string]interface{}{
			"client_key":    key,
			"blocked_until": until.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked": out,
		"total":   len(out),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Redact API keys from the response
	safeCfg := *s.cfg
	safeCfg.Server.APIKeys = nil
	writeJSON(w, http.StatusOK, safeCfg)
}

// handleTokenize exchanges card data for an opaque token. The card number
// never appears in the response or the audit trail.
func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Number string `json:"number"`
		Expiry string `json:"expiry"`
		CVV    string `json:"cvv"`
	}
	limited := io.LimitReader(r.Body, 1<<16)
	if err := json.NewDecoder(limited).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	token, err := s.tokenizer.Tokenize(body.Number, body.Expiry, body.CVV,
		r.Header.Get("X-User-ID"), pipeline.ClientAddr(r), r.Header.Get("X-Correlation-ID"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":  token,
		"masked": payment.MaskNumber(body.Number),
	})
}

// protect enforces API key authentication on an introspection endpoint.
// If no keys are configured, all requests are allowed (open mode with a
// warning logged on startup).
func (s *Server) protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			next(w, r)
			return
		}

		key := r.Header.Get("Authorization")
		if strings.HasPrefix(key, "Bearer ") {
			key = key[7:]
		}
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing authentication — provide Authorization: Bearer <key> or X-API-Key header",
			})
			return
		}

		if !s.cfg.ValidateAPIKey(key) {
			s.logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			s.recorder.LogAuthentication("api_key_check", "", false, pipeline.ClientAddr(r), r.UserAgent())
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}

		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := "*"
		if len(allowedOrigins) > 0 {
			allowed = ""
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = origin
					break
				}
			}
			if allowed == "" {
				// Origin not in allow list — skip CORS headers
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
