package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRegistry_CountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.IncBufferHit()
	m.IncBufferHit()
	m.IncBufferMiss()

	var metric dto.Metric
	if err := m.BufferHits.Write(&metric); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if metric.GetCounter().GetValue() != 2 {
		t.Fatalf("expected 2 hits, got %v", metric.GetCounter().GetValue())
	}
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var m *Registry
	m.IncBufferHit()
	m.IncBufferMiss()
	m.ObserveWALFlush(0.01)
	m.IncVacuumRun()
	m.IncDeadlockDetected()
}
