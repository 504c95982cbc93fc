package payment

import (
	"bytes"
	"net/http"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"
)

// Outbound leak detection patterns: the brand library, a generic grouped
// 13-16 digit number, and CVV/expiry co-occurrence.
var (
	brandLeakPattern = regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`)
	groupedPattern   = regexp.MustCompile(`\b\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{1,4}\b`)
	cvvPatternLoose  = regexp.MustCompile(`(?i)\b(cvv|cvc|security[ _]?code)\b["':=\s]{0,4}\d{3,4}\b`)
	expiryPattern    = regexp.MustCompile(`(?i)\b(exp|expiry|expiration)\b["':=\s]{0,4}\d{1,2}\s*/\s*\d{2,4}\b`)
	digitRun         = regexp.MustCompile(`\d`)
)

// ScanReport summarizes one response scan.
type ScanReport struct {
	NumbersMasked int
	CVVContext    bool
}

// Leaked reports whether anything card-like was found.
func (r ScanReport) Leaked() bool { return r.NumbersMasked > 0 || r.CVVContext }

// ScanAndMask rewrites every detected card number in a response body to its
// masked form and redacts CVV values found next to expiry data. A body with
// no card-like substrings comes back unchanged.
func ScanAndMask(body []byte) ([]byte, ScanReport) {
	report := ScanReport{}

	mask := func(match []byte) []byte {
		report.NumbersMasked++
		return []byte(MaskNumber(string(match)))
	}
	out := brandLeakPattern.ReplaceAllFunc(body, mask)
	out = groupedPattern.ReplaceAllFunc(out, mask)

	// CVV plus expiry in the same body is card data even without a number.
	if cvvPatternLoose.Match(out) && expiryPattern.Match(out) {
		report.CVVContext = true
		out = cvvPatternLoose.ReplaceAllFunc(out, func(match []byte) []byte {
			return digitRun.ReplaceAll(match, []byte("*"))
		})
	}

	return out, report
}

// AuditSecurityLogger is the subset of the audit recorder the scanner needs.
type AuditSecurityLogger interface {
	LogSecurity(action, clientAddr, userAgent, correlationID string, details map[string]interface{})
}

// LeakScanner is the outbound half of the compliance guard: every response
// body is scanned and redacted before it reaches the client, so a
// downstream bug can never ship an unmasked card number.
type LeakScanner struct {
	audit  AuditSecurityLogger
	logger zerolog.Logger
}

// NewLeakScanner creates a LeakScanner.
func NewLeakScanner(audit AuditSecurityLogger, logger zerolog.Logger) *LeakScanner {
	return &LeakScanner{
		audit:  audit,
		logger: logger.With().Str("component", "leak_scanner").Logger(),
	}
}

// Middleware buffers the downstream response, scans it, and sends the
// redacted form. Outbound violations redact rather than block: the response
// still ships, sanitized.
func (ls *LeakScanner) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &bufferingWriter{header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		body, report := ScanAndMask(rec.buf.Bytes())
		if report.Leaked() {
			ls.logger.Error().
				Str("path", r.URL.Path).
				Int("numbers_masked", report.NumbersMasked).
				Bool("cvv_context", report.CVVContext).
				Msg("card data detected in outbound response — redacted")
			if ls.audit != nil {
				ls.audit.LogSecurity("card_data_leak_redacted", r.RemoteAddr, r.UserAgent(),
					r.Header.Get("X-Correlation-ID"),
					map[string]interface{}{
						"path":           r.URL.Path,
						"numbers_masked": report.NumbersMasked,
						"cvv_context":    report.CVVContext,
					})
			}
		}

		for k, vals := range rec.header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(rec.status)
		_, _ = w.Write(body)
	})
}

// bufferingWriter captures the downstream response so it can be scanned
// before transmission.
type bufferingWriter struct {
	header http.Header
	buf    bytes.Buffer
	status int
}

func (b *bufferingWriter) Header() http.Header { return b.header }

func (b *bufferingWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *bufferingWriter) WriteHeader(status int) { b.status = status }
