package sanitize

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/pipeline"
)

const StageName = "input_sanitizer"

// AuditLogger is the subset of the audit recorder the sanitizer needs.
type AuditLogger interface {
	LogSecurity(action, clientAddr, userAgent, correlationID string, details map[string]interface{})
}

// Sanitizer validates headers, query parameters, and bodies against the
// attack pattern libraries, and rewrites string leaves of JSON bodies
// through a strict HTML policy. Regex detection is best-effort: it will
// flag SQL keywords in legitimate prose and miss obfuscated payloads; it is
// one layer, not the security boundary.
type Sanitizer struct {
	cfg       core.SanitizerConfig
	injection []Pattern
	markup    []Pattern
	policy    *bluemonday.Policy
	audit     AuditLogger
	logger    zerolog.Logger
}

// NewSanitizer compiles the pattern libraries and the HTML policy. The
// policy allows no tags and no attributes; only the configured URL schemes
// survive in text.
func NewSanitizer(cfg core.SanitizerConfig, audit AuditLogger, logger zerolog.Logger) *Sanitizer {
	policy := bluemonday.NewPolicy()
	if len(cfg.AllowedSchemes) > 0 {
		policy.AllowURLSchemes(cfg.AllowedSchemes...)
	}

	return &Sanitizer{
		cfg:       cfg,
		injection: compileInjectionPatterns(),
		markup:    compileMarkupPatterns(),
		policy:    policy,
		audit:     audit,
		logger:    logger.With().Str("component", StageName).Logger(),
	}
}

// SanitizeString passes a single string through the strict HTML policy.
// Plain text is unchanged; the operation is idempotent.
func (s *Sanitizer) SanitizeString(in string) string {
	return s.policy.Sanitize(in)
}

// Inspect reports the name of every attack pattern a value matches after one
// layer of URL decoding. Used by the offline check command.
func (s *Sanitizer) Inspect(value string) []string {
	norm := normalize(value)
	var hits []string
	for _, lib := range [][]Pattern{s.injection, s.markup} {
		for i := range lib {
			if lib[i].Regex.MatchString(norm) {
				hits = append(hits, lib[i].Name)
			}
		}
	}
	return hits
}

// Validate checks one request. ok=false means the caller must reject with a
// security-violation response and must not forward the request. On ok=true
// the request body may have been rewritten in place.
func (s *Sanitizer) Validate(req *pipeline.Request) (ok bool, reason string) {
	r := req.HTTP

	if s.exemptPath(r.URL.Path) {
		return true, ""
	}

	if reason := s.scanHeaders(r); reason != "" {
		return false, reason
	}
	if reason := s.scanQuery(r); reason != "" {
		return false, reason
	}

	if len(req.Body) == 0 {
		return true, ""
	}

	body := string(req.Body)

	// Any injection-library match on the raw body is terminal regardless of
	// content type.
	if p := matchAny(s.injection, normalize(body)); p != nil {
		return false, "body matched " + p.Name
	}

	if isJSONRequest(r) {
		// UseNumber keeps numeric leaves as their source text, so a re-encode
		// after sanitization cannot corrupt integers beyond float64 precision.
		dec := json.NewDecoder(bytes.NewReader(req.Body))
		dec.UseNumber()
		var parsed interface{}
		if err := dec.Decode(&parsed); err != nil || dec.More() {
			return false, "body declared as JSON but is not well-formed"
		}
		// Markup inside JSON string leaves is rewritten, not rejected. The
		// body is only replaced when a leaf actually changed; clean bodies
		// are forwarded byte-for-byte.
		cleaned, changed := s.sanitizeValue(parsed)
		if changed {
			rewritten, err := json.Marshal(cleaned)
			if err != nil {
				return false, "sanitized body could not be re-encoded"
			}
			req.Body = rewritten
			req.BodyReplaced = true
		}
		return true, ""
	}

	if p := matchAny(s.markup, normalize(body)); p != nil {
		return false, "body matched " + p.Name
	}
	return true, ""
}

func (s *Sanitizer) exemptPath(path string) bool {
	for _, exempt := range s.cfg.ExemptPaths {
		if path == exempt || strings.HasPrefix(path, exempt+"/") {
			return true
		}
	}
	return false
}

func (s *Sanitizer) scanHeaders(r *http.Request) string {
	for name, values := range r.Header {
		for _, v := range values {
			norm := normalize(v)
			if p := matchAny(s.injection, norm); p != nil {
				return "header " + name + " matched " + p.Name
			}
			if p := matchAny(s.markup, norm); p != nil {
				return "header " + name + " matched " + p.Name
			}
		}
	}
	return ""
}

func (s *Sanitizer) scanQuery(r *http.Request) string {
	for name, values := range r.URL.Query() {
		for _, v := range values {
			norm := normalize(v)
			if p := matchAny(s.injection, norm); p != nil {
				return "query parameter " + name + " matched " + p.Name
			}
			if p := matchAny(s.markup, norm); p != nil {
				return "query parameter " + name + " matched " + p.Name
			}
		}
	}
	return ""
}

// sanitizeValue walks a decoded JSON structure and passes every string leaf
// through the HTML policy. It reports whether any leaf was altered.
func (s *Sanitizer) sanitizeValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case string:
		clean := s.policy.Sanitize(val)
		return clean, clean != val
	case map[string]interface{}:
		changed := false
		for k, inner := range val {
			cleaned, c := s.sanitizeValue(inner)
			if c {
				val[k] = cleaned
				changed = true
			}
		}
		return val, changed
	case []interface{}:
		changed := false
		for i, inner := range val {
			cleaned, c := s.sanitizeValue(inner)
			if c {
				val[i] = cleaned
				changed = true
			}
		}
		return val, changed
	default:
		return v, false
	}
}

// normalize URL-decodes one layer so trivially encoded payloads do not slip
// past the pattern libraries.
func normalize(in string) string {
	if decoded, err := url.QueryUnescape(in); err == nil {
		return decoded
	}
	return in
}

func matchAny(patterns []Pattern, input string) *Pattern {
	for i := range patterns {
		if patterns[i].Regex.MatchString(input) {
			return &patterns[i]
		}
	}
	return nil
}

func isJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.Contains(strings.ToLower(ct), "application/json")
}

// ---------------------------------------------------------------------------
// Pipeline stage
// ---------------------------------------------------------------------------

// Stage adapts the Sanitizer to the pipeline contract.
type Stage struct {
	sanitizer *Sanitizer
}

// NewStage creates the input sanitization pipeline stage.
func NewStage(sanitizer *Sanitizer) *Stage {
	return &Stage{sanitizer: sanitizer}
}

func (s *Stage) Name() string { return StageName }

func (s *Stage) Inspect(req *pipeline.Request) pipeline.Decision {
	ok, reason := s.sanitizer.Validate(req)
	if ok {
		return pipeline.Allow()
	}

	if s.sanitizer.audit != nil {
		s.sanitizer.audit.LogSecurity("input_rejected", req.ClientAddr, req.HTTP.UserAgent(), req.CorrelationID,
			map[string]interface{}{"reason": reason, "path": req.HTTP.URL.Path})
	}

	return pipeline.Reject(pipeline.OutcomeInvalidInput, http.StatusBadRequest,
		pipeline.CodeSecurityViolation, "request contains disallowed content")
}
