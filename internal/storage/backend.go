// Package storage unifies the relational store, the audit log and the JSON
// export behind one write path.
//
// The relational store is authoritative. Every assessment is committed
// together with an outbox row; the audit log write follows the commit and a
// failure there only leaves the outbox row behind for Flush. The JSON export
// is rewritten after each commit and is never read back.
package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/auditlog"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/metrics"
	"github.com/roach88/epistemic/internal/store"
)

// Durability tells a caller whether an accepted write has reached every
// backend.
type Durability string

const (
	// DurabilityDurable means the relational commit and the audit log write
	// both succeeded.
	DurabilityDurable Durability = "durable"
	// DurabilityPending means the write is committed relationally and queued
	// in the outbox; the audit log has not confirmed it yet.
	DurabilityPending Durability = "pending"
)

// AppendResult describes an accepted assessment.
type AppendResult struct {
	ID         string     `json:"id"`
	Ref        string     `json:"ref"`
	Durability Durability `json:"durability"`
}

// BuildFunc produces the assessment to append from inside the relational
// transaction. It may write other rows through tx; they commit or roll back
// with the assessment. It may run twice when the write is retried.
type BuildFunc func(ctx context.Context, tx *store.Tx) (ir.Assessment, error)

// Backend is the single write path for assessments and calibration.
type Backend struct {
	store     *store.Store
	log       auditlog.Log
	exportDir string
	defaults  ir.Thresholds
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// calMu serialises calibration updates inside this process. The
	// immediate-mode SQLite transaction serialises them across processes.
	calMu sync.Mutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithAuditLog sets the audit log. The default discards writes.
func WithAuditLog(l auditlog.Log) Option {
	return func(b *Backend) { b.log = l }
}

// WithExportDir enables the per-session JSON export.
func WithExportDir(dir string) Option {
	return func(b *Backend) { b.exportDir = dir }
}

// WithThresholdDefaults sets the thresholds used until calibration persists
// its own.
func WithThresholdDefaults(th ir.Thresholds) Option {
	return func(b *Backend) { b.defaults = th }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Backend) { b.metrics = m }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New wraps an open store.
func New(s *store.Store, opts ...Option) *Backend {
	b := &Backend{
		store:    s,
		log:      auditlog.Noop{},
		defaults: ir.Thresholds{Know: 0.70, Uncertainty: 0.35},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store exposes the relational store for reads.
func (b *Backend) Store() *store.Store { return b.store }

// AuditLog returns the configured audit log.
func (b *Backend) AuditLog() auditlog.Log { return b.log }

// Defaults returns the seed thresholds.
func (b *Backend) Defaults() ir.Thresholds { return b.defaults }

// Append writes a prepared assessment. Extra functions run in the same
// relational transaction before the assessment row is inserted.
func (b *Backend) Append(ctx context.Context, a ir.Assessment, extra ...store.TxFunc) (AppendResult, error) {
	if err := a.Vectors.Validate(); err != nil {
		return AppendResult{}, err
	}
	op := "append_" + strings.ToLower(string(a.Phase))
	return b.AppendWith(ctx, op, func(ctx context.Context, tx *store.Tx) (ir.Assessment, error) {
		for _, fn := range extra {
			if err := fn(ctx, tx); err != nil {
				return ir.Assessment{}, err
			}
		}
		return a, nil
	})
}

// AppendWith commits the assessment produced by build together with its
// outbox row, then publishes it to the audit log and refreshes the session
// export. Only the relational commit can fail the call.
func (b *Backend) AppendWith(ctx context.Context, op string, build BuildFunc) (AppendResult, error) {
	var (
		a       ir.Assessment
		ref     string
		payload []byte
	)
	err := b.store.Update(ctx, op, func(ctx context.Context, tx *store.Tx) error {
		built, err := build(ctx, tx)
		if err != nil {
			return err
		}
		r, p, err := ir.AssessmentRef(built)
		if err != nil {
			return err
		}
		if err := tx.InsertAssessment(ctx, built); err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, store.OutboxEntry{
			Ref:          r,
			AssessmentID: built.ID,
			Payload:      p,
			CreatedAt:    built.CreatedAt,
		}); err != nil {
			return err
		}
		a, ref, payload = built, r, p
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}

	res := AppendResult{ID: a.ID, Ref: ref, Durability: b.publish(ctx, ref, payload)}
	b.metrics.Assessment(string(a.Phase), string(res.Durability))
	b.exportQuietly(ctx, a.SessionID)
	return res, nil
}

// AppendWithCalibration is AppendWith inside the calibration single-writer
// section, for builds that also update the calibration record through tx.
func (b *Backend) AppendWithCalibration(ctx context.Context, op string, build BuildFunc) (AppendResult, error) {
	b.calMu.Lock()
	defer b.calMu.Unlock()
	return b.AppendWith(ctx, op, build)
}

// Update runs fn in one relational transaction with the store's retry
// policy. Use it for writes that carry no assessment.
func (b *Backend) Update(ctx context.Context, op string, fn store.TxFunc) error {
	return b.store.Update(ctx, op, fn)
}

func (b *Backend) publish(ctx context.Context, ref string, payload []byte) Durability {
	if err := b.log.Append(ctx, ref, payload); err != nil {
		b.logger.Warn("audit log write failed; entry left in outbox",
			zap.String("backend", b.log.Name()),
			zap.String("ref", ref),
			zap.Error(err))
		b.metrics.AuditFailure(b.log.Name())
		if ferr := b.store.FailOutbox(ctx, ref, err); ferr != nil {
			b.logger.Warn("record outbox failure", zap.String("ref", ref), zap.Error(ferr))
		}
		return DurabilityPending
	}
	if err := b.store.CompleteOutbox(ctx, ref); err != nil {
		// The log has the entry; a later Flush re-appends idempotently.
		b.logger.Warn("clear outbox entry", zap.String("ref", ref), zap.Error(err))
	}
	return DurabilityDurable
}

// FlushReport summarises a Flush run.
type FlushReport struct {
	Flushed   int `json:"flushed"`
	Remaining int `json:"remaining"`
}

// Flush re-sends every pending outbox entry to the audit log.
func (b *Backend) Flush(ctx context.Context) (FlushReport, error) {
	pending, err := b.store.PendingOutbox(ctx, 0)
	if err != nil {
		return FlushReport{}, &ir.StorageError{Op: "flush", Err: err}
	}
	var rep FlushReport
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			rep.Remaining += len(pending) - rep.Flushed - rep.Remaining
			return rep, err
		}
		if b.publish(ctx, e.Ref, e.Payload) == DurabilityDurable {
			rep.Flushed++
		} else {
			rep.Remaining++
		}
	}
	return rep, nil
}

// Latest returns the newest assessment of phase in the session, or nil.
func (b *Backend) Latest(ctx context.Context, sessionID string, phase ir.Phase) (*ir.Assessment, error) {
	a, err := b.store.LatestAssessment(ctx, sessionID, phase)
	if err != nil {
		return nil, &ir.StorageError{Op: "latest", Err: err}
	}
	return a, nil
}

// AllByPhase returns every assessment of phase in the session, oldest first.
func (b *Backend) AllByPhase(ctx context.Context, sessionID string, phase ir.Phase) ([]ir.Assessment, error) {
	out, err := b.store.AssessmentsByPhase(ctx, sessionID, phase)
	if err != nil {
		return nil, &ir.StorageError{Op: "all_by_phase", Err: err}
	}
	return out, nil
}

// MigrateLegacy folds the per-phase legacy tables into assessments. Repeated
// calls are no-ops.
func (b *Backend) MigrateLegacy(ctx context.Context) (store.MigrationReport, error) {
	rep, err := b.store.MigrateLegacy(ctx, b.now())
	if err != nil {
		return rep, err
	}
	if !rep.AlreadyApplied {
		for _, t := range rep.Tables {
			b.logger.Info("migrated legacy table",
				zap.String("table", t.Table), zap.String("phase", string(t.Phase)), zap.Int("rows", t.Rows))
		}
	}
	return rep, nil
}

// CalibrationFunc mutates the calibration record inside the single-writer
// section. rec is the freshly loaded record; persist changes through tx.
type CalibrationFunc func(ctx context.Context, tx *store.Tx, rec ir.CalibrationRecord) error

// UpdateCalibration runs fn under the process mutex and an immediate
// relational transaction, so concurrent closes cannot lose updates.
func (b *Backend) UpdateCalibration(ctx context.Context, op string, fn CalibrationFunc) error {
	b.calMu.Lock()
	defer b.calMu.Unlock()
	return b.store.Update(ctx, op, func(ctx context.Context, tx *store.Tx) error {
		rec, err := tx.LoadCalibration(ctx, b.defaults)
		if err != nil {
			return err
		}
		return fn(ctx, tx, rec)
	})
}

// Calibration loads the current calibration record.
func (b *Backend) Calibration(ctx context.Context) (ir.CalibrationRecord, error) {
	rec, err := b.store.LoadCalibration(ctx, b.defaults)
	if err != nil {
		return rec, &ir.StorageError{Op: "load_calibration", Err: err}
	}
	return rec, nil
}

// Close closes the relational store.
func (b *Backend) Close() error {
	return b.store.Close()
}
