package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordsOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TurnPersisted("user")
	m.TurnPersisted("user")
	m.TurnPersisted("ai")
	m.StreamFailed()
	m.StreamFinished(3)
	m.Summary("ok")

	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("user")); got != 2 {
		t.Fatalf("expected 2 user turns, got %v", got)
	}
	if got := testutil.ToFloat64(m.StreamErrorsTotal); got != 1 {
		t.Fatalf("expected 1 stream error, got %v", got)
	}
	if got := testutil.ToFloat64(m.SummariesTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 summary, got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "companion_stream_chunks"); err != nil || n != 1 {
		t.Fatalf("expected one chunk histogram, got %d (err=%v)", n, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnPersisted("user")
	m.StreamFailed()
	m.StreamFinished(1)
	m.Summary("error")
}
