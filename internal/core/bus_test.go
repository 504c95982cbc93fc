package core

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// ─── Embedded bus ────────────────────────────────────────────────────────────

func TestAuditBus_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}

	cfg := &BusConfig{
		Embedded: true,
		Port:     freePort(t),
		DataDir:  t.TempDir(),
	}
	bus, err := NewAuditBus(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAuditBus() error: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	if !bus.IsConnected() {
		t.Fatal("bus should be connected after startup")
	}

	received := make(chan *AuditEvent, 1)
	if err := bus.SubscribeToAllEvents(func(ev *AuditEvent) {
		select {
		case received <- ev:
		default:
		}
	}); err != nil {
		t.Fatalf("SubscribeToAllEvents() error: %v", err)
	}

	ev := NewAuditEvent(EventSecurity, "client_blocked", SeverityHigh)
	ev.ClientAddr = "203.0.113.9"
	ev.CorrelationID = "corr-bus-1"
	if err := bus.PublishEvent(ev); err != nil {
		t.Fatalf("PublishEvent() error: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != ev.ID || got.Action != "client_blocked" {
			t.Errorf("delivered event = %+v, want %+v", got, ev)
		}
		if got.Severity != SeverityHigh {
			t.Errorf("Severity = %v, want HIGH", got.Severity)
		}
		if got.ClientAddr != "203.0.113.9" || got.CorrelationID != "corr-bus-1" {
			t.Errorf("event fields lost in transit: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("published event was never delivered to the subscriber")
	}

	if m := bus.GetMetrics(); m["events_published"] != 1 || m["events_failed"] != 0 {
		t.Errorf("metrics = %v, want 1 published, 0 failed", m)
	}
}
