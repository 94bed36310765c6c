package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/luciancaetano/kephaschat"
)

// TestNilMetrics tests that a nil *Metrics is a no-op
func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.SetState(kephaschat.StateOpen)
	m.FrameIn("pong")
	m.FrameOut("ping")
	m.Dropped(DropMalformed)
	m.ReconnectScheduled(time.Second)
	m.TerminalFailure()
}

// TestMetricsRecord tests that the collectors record values
func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.SetState(kephaschat.StateOpen)
	m.FrameIn("message")
	m.FrameIn("message")
	m.FrameOut("ping")
	m.Dropped(DropMalformed)
	m.ReconnectScheduled(2 * time.Second)
	m.TerminalFailure()

	if got := testutil.ToFloat64(m.connectionState); got != float64(kephaschat.StateOpen) {
		t.Errorf("connection_state = %v, want %v", got, float64(kephaschat.StateOpen))
	}
	if got := testutil.ToFloat64(m.framesIn.WithLabelValues("message")); got != 2 {
		t.Errorf("frames_received_total{message} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.framesOut.WithLabelValues("ping")); got != 1 {
		t.Errorf("frames_sent_total{ping} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesDropped.WithLabelValues(DropMalformed)); got != 1 {
		t.Errorf("frames_dropped_total{malformed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconnects); got != 1 {
		t.Errorf("reconnects_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.terminal); got != 1 {
		t.Errorf("terminal_failures_total = %v, want 1", got)
	}

	count, err := testutil.GatherAndCount(reg, "test_client_reconnect_delay_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("reconnect_delay_seconds series = %d, want 1", count)
	}
}

// TestMetricsSharedRegistry tests that two sessions on one registry share collectors
func TestMetricsSharedRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := New(WithRegistry(reg))
	b := New(WithRegistry(reg))

	a.FrameIn("pong")
	b.FrameIn("pong")

	if got := testutil.ToFloat64(a.framesIn.WithLabelValues("pong")); got != 2 {
		t.Errorf("shared frames_received_total{pong} = %v, want 2", got)
	}
}
