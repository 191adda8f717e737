// Package metrics exposes Prometheus counters for the epistemic engine.
//
// Every method is safe on a nil *Metrics so components can run without a
// registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	assessments   *prometheus.CounterVec
	checks        *prometheus.CounterVec
	gate          *prometheus.CounterVec
	retries       *prometheus.CounterVec
	auditFailures *prometheus.CounterVec
	evidence      *prometheus.CounterVec
	evidenceTime  prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		assessments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epistemic_assessments_total",
			Help: "Assessments accepted, by phase and durability",
		}, []string{"phase", "durability"}),
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epistemic_check_decisions_total",
			Help: "CHECK outcomes by decision and whether the anti-gaming rule fired",
		}, []string{"decision", "rushed"}),
		gate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epistemic_gate_decisions_total",
			Help: "Policy gate decisions by mode, outcome and reason",
		}, []string{"mode", "outcome", "reason"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epistemic_storage_retries_total",
			Help: "Relational writes retried on a fresh transaction",
		}, []string{"op"}),
		auditFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epistemic_audit_log_failures_total",
			Help: "Audit log writes left pending in the outbox",
		}, []string{"backend"}),
		evidence: f.NewCounterVec(prometheus.CounterOpts{
			Name: "epistemic_evidence_collections_total",
			Help: "Evidence collections by outcome",
		}, []string{"outcome"}),
		evidenceTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "epistemic_evidence_collection_seconds",
			Help:    "Time spent collecting evidence after POSTFLIGHT",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) Assessment(phase, durability string) {
	if m == nil {
		return
	}
	m.assessments.WithLabelValues(phase, durability).Inc()
}

func (m *Metrics) CheckDecision(decision string, rushed bool) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(decision, fmt.Sprint(rushed)).Inc()
}

func (m *Metrics) GateDecision(mode, outcome, reason string) {
	if m == nil {
		return
	}
	m.gate.WithLabelValues(mode, outcome, reason).Inc()
}

func (m *Metrics) StorageRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) AuditFailure(backend string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(backend).Inc()
}

// EvidenceCollected records one collection; outcome is complete, partial or
// failed.
func (m *Metrics) EvidenceCollected(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.evidence.WithLabelValues(outcome).Inc()
	m.evidenceTime.Observe(d.Seconds())
}

// Serve exposes g on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
