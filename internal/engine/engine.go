package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/calibration"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/memory"
	"github.com/roach88/epistemic/internal/metrics"
	"github.com/roach88/epistemic/internal/resolver"
	"github.com/roach88/epistemic/internal/storage"
	"github.com/roach88/epistemic/internal/store"
)

// DefaultMinWindow is the anti-gaming window: a CHECK this soon after
// PREFLIGHT with no artifacts logged is forced to investigate.
const DefaultMinWindow = 30 * time.Second

// Engine runs the epistemic loop.
type Engine struct {
	backend     *storage.Backend
	store       *store.Store
	resolver    *resolver.Resolver
	calibration *calibration.Engine
	verifier    Verifier
	memory      memory.Service

	clock      Clock
	ids        IDGenerator
	antiGaming bool
	minWindow  time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// Verifier starts grounded verification of a closed transaction without
// blocking the caller. *calibration.Verifier runs it in a goroutine; short
// lived processes hand it to another process instead.
type Verifier interface {
	Trigger(ctx context.Context, transactionID string)
}

// WithVerifier enables asynchronous evidence collection after POSTFLIGHT.
// Each closed transaction is queued in pending_verifications until its
// evidence is applied.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithMemory enables the semantic memory collaborator. Without it the engine
// is purely relational.
func WithMemory(m memory.Service) Option {
	return func(e *Engine) { e.memory = m }
}

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithAntiGaming configures the rushed-CHECK rule. A non-positive window
// keeps the default.
func WithAntiGaming(enabled bool, window time.Duration) Option {
	return func(e *Engine) {
		e.antiGaming = enabled
		if window > 0 {
			e.minWindow = window
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine over b. r and c must share b's store.
func New(b *storage.Backend, r *resolver.Resolver, c *calibration.Engine, opts ...Option) *Engine {
	e := &Engine{
		backend:     b,
		store:       b.Store(),
		resolver:    r,
		calibration: c,
		clock:       SystemClock{},
		ids:         UUIDv7Generator{},
		antiGaming:  true,
		minWindow:   DefaultMinWindow,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backend returns the storage backend the engine writes through.
func (e *Engine) Backend() *storage.Backend { return e.backend }

// Resolver returns the context resolver.
func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }

// Calibration returns the calibration engine.
func (e *Engine) Calibration() *calibration.Engine { return e.calibration }

// Readiness is the gate-facing view of a transaction. It never carries
// thresholds or vector values.
type Readiness struct {
	TransactionID string     `json:"transaction_id"`
	State         ir.TxState `json:"state"`
	Ready         bool       `json:"ready"`
	Rushed        bool       `json:"rushed"`
}

// Readiness reports whether praxic work may proceed in txn. A CLOSED
// transaction is never ready. Otherwise the transaction is ready when the
// latest CHECK decided proceed, or when the latest assessment's corrected
// vectors already satisfy the thresholds. A rushed latest CHECK is never
// ready. A PREFLIGHT that already satisfies the thresholds is ready with no
// CHECK at all; the minimum window only governs CHECKs.
func (e *Engine) Readiness(ctx context.Context, txn ir.Transaction) (Readiness, error) {
	r := Readiness{TransactionID: txn.ID, State: txn.State}
	if txn.State == ir.StateClosed {
		return r, nil
	}

	assessments, err := e.store.TransactionAssessments(ctx, txn.ID)
	if err != nil {
		return r, &ir.StorageError{Op: "readiness", Err: err}
	}
	if len(assessments) == 0 {
		return r, nil
	}
	latest := assessments[len(assessments)-1]
	if latest.Phase == ir.PhaseCheck && rushedMetadata(latest.Metadata) {
		r.Rushed = true
		return r, nil
	}
	if txn.State == ir.StateOpenChecked {
		r.Ready = true
		return r, nil
	}

	rec, err := e.calibration.Record(ctx)
	if err != nil {
		return r, err
	}
	r.Ready = rec.Thresholds.Satisfied(calibration.Corrected(latest.Vectors, rec))
	return r, nil
}

// Status describes the resolved context of an identity.
type Status struct {
	Context   resolver.Context `json:"context"`
	Readiness *Readiness       `json:"readiness,omitempty"`
	Latest    *ir.Assessment   `json:"latest,omitempty"`
}

// Status resolves identity and reports its transaction's readiness.
func (e *Engine) Status(ctx context.Context, identity string, h resolver.Hints) (Status, error) {
	rc, err := e.resolver.Resolve(ctx, identity, h)
	if err != nil {
		return Status{}, err
	}
	st := Status{Context: rc}
	if rc.Transaction == nil {
		return st, nil
	}
	rd, err := e.Readiness(ctx, *rc.Transaction)
	if err != nil {
		return st, err
	}
	st.Readiness = &rd

	assessments, err := e.store.TransactionAssessments(ctx, rc.TransactionID)
	if err != nil {
		return st, &ir.StorageError{Op: "status", Err: err}
	}
	if n := len(assessments); n > 0 {
		st.Latest = &assessments[n-1]
	}
	return st, nil
}

// remember writes r to semantic memory if configured. Failures are logged.
func (e *Engine) remember(ctx context.Context, r memory.Record) {
	if e.memory == nil || r.Text == "" {
		return
	}
	if err := e.memory.Store(ctx, r); err != nil {
		e.logger.Warn("semantic memory write failed",
			zap.String("kind", r.Kind),
			zap.String("session_id", r.SessionID),
			zap.Error(err))
	}
}

func rushedMetadata(meta map[string]any) bool {
	v, ok := meta[metaRushed].(bool)
	return ok && v
}
