package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetConnectionState(1)
	m.ReconnectAttempt()
	m.FrameReceived("chat_message")
	m.FrameDropped()
	m.SetOutboxDepth(3)
	m.OutboxDrained(3)
	m.Upload("image", "ok")
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReconnectAttempt()
	m.ReconnectAttempt()
	m.SetOutboxDepth(4)
	m.Upload("audio", "failed")
	m.FrameReceived("read_receipt")

	if got := testutil.ToFloat64(m.reconnectAttempts); got != 2 {
		t.Fatalf("reconnect attempts = %v", got)
	}
	if got := testutil.ToFloat64(m.outboxDepth); got != 4 {
		t.Fatalf("outbox depth = %v", got)
	}
	if got := testutil.ToFloat64(m.uploads.WithLabelValues("audio", "failed")); got != 1 {
		t.Fatalf("uploads = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered families")
	}
}
