package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/core"
)

// Sink is the injected audit destination. Implementations receive one
// structured event per call; the schema is stable regardless of backend.
type Sink interface {
	Write(event *core.AuditEvent) error
	Close() error
}

// BusSink publishes audit events to the NATS JetStream audit stream.
type BusSink struct {
	bus *core.AuditBus
}

// NewBusSink wraps an AuditBus as a Sink.
func NewBusSink(bus *core.AuditBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Write(event *core.AuditEvent) error {
	return s.bus.PublishEvent(event)
}

func (s *BusSink) Close() error {
	return s.bus.Close()
}

// FileSink appends audit events to a file as JSON lines.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a FileSink, creating the parent directory if needed.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Write(event *core.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error { return nil }

// ConsoleSink logs audit events through zerolog. Intended for development
// and as a last-resort fallback.
type ConsoleSink struct {
	logger zerolog.Logger
}

// NewConsoleSink creates a ConsoleSink.
func NewConsoleSink(logger zerolog.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *ConsoleSink) Write(event *core.AuditEvent) error {
	s.logger.Info().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("action", event.Action).
		Str("severity", event.Severity.String()).
		Str("actor", event.Actor).
		Str("client", event.ClientAddr).
		Msg("audit event")
	return nil
}

func (s *ConsoleSink) Close() error { return nil }
