package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Assessment("PREFLIGHT", "durable")
	m.Assessment("PREFLIGHT", "durable")
	m.CheckDecision("investigate", true)
	m.GateDecision("controller", "deny", "no_preflight")
	m.StorageRetry("append")
	m.AuditFailure("redis")
	m.EvidenceCollected("partial", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.assessments.WithLabelValues("PREFLIGHT", "durable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checks.WithLabelValues("investigate", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gate.WithLabelValues("controller", "deny", "no_preflight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("append")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditFailures.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evidence.WithLabelValues("partial")))

	n, err := testutil.GatherAndCount(reg, "epistemic_evidence_collection_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Assessment("CHECK", "pending")
		m.CheckDecision("proceed", false)
		m.GateDecision("observer", "allow", "")
		m.StorageRetry("x")
		m.AuditFailure("git")
		m.EvidenceCollected("complete", time.Millisecond)
	})
}
