package calibration

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/evidence"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/metrics"
	"github.com/roach88/epistemic/internal/store"
)

// MaxAttempts is how many failed verifications a queued transaction gets
// before Resume and Drain leave it alone.
const MaxAttempts = 3

// Verifier runs grounded verification off the caller's path. Each run has
// its own deadline and survives cancellation of the context that triggered
// it.
type Verifier struct {
	collector evidence.Collector
	engine    *Engine
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onDone    func(Track2Result, error)

	wg sync.WaitGroup
}

type VerifierOption func(*Verifier)

// WithVerifyTimeout bounds collection plus the Track 2 write.
func WithVerifyTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.timeout = d }
}

func WithVerifierLogger(l *zap.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func WithVerifierMetrics(m *metrics.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// WithOnDone registers a callback run after each detached verification.
func WithOnDone(fn func(Track2Result, error)) VerifierOption {
	return func(v *Verifier) { v.onDone = fn }
}

func NewVerifier(c evidence.Collector, e *Engine, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		collector: c,
		engine:    e,
		timeout:   evidence.DefaultTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Trigger starts verification of transactionID in the background and
// returns immediately.
func (v *Verifier) Trigger(ctx context.Context, transactionID string) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		res, err := v.Verify(context.WithoutCancel(ctx), transactionID)
		if err != nil {
			v.logger.Warn("grounded verification failed",
				zap.String("transaction_id", transactionID), zap.Error(err))
		}
		if v.onDone != nil {
			v.onDone(res, err)
		}
	}()
}

// Verify collects evidence and applies Track 2 synchronously. A collection
// timeout is logged and the partial bundle is still applied.
func (v *Verifier) Verify(ctx context.Context, transactionID string) (Track2Result, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	bundle, err := v.collector.Collect(ctx, transactionID)
	outcome := "complete"
	var timeout *ir.EvidenceCollectionTimeout
	switch {
	case errors.As(err, &timeout):
		outcome = "partial"
		v.logger.Warn("evidence collection timed out; keeping partial bundle",
			zap.String("transaction_id", transactionID), zap.Int("collected", timeout.Collected))
	case err != nil:
		v.metrics.EvidenceCollected("failed", time.Since(start))
		v.fail(transactionID, err)
		return Track2Result{TransactionID: transactionID}, err
	case bundle.Partial:
		outcome = "partial"
	}
	v.metrics.EvidenceCollected(outcome, time.Since(start))

	// The collection deadline may have consumed ctx; the write gets its own.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer wcancel()
	res, err := v.engine.ApplyEvidence(wctx, bundle)
	if err != nil {
		v.fail(transactionID, err)
	}
	return res, err
}

// fail counts a failed attempt against the queued transaction.
func (v *Verifier) fail(transactionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := v.engine.backend.Update(ctx, "fail_verification", func(ctx context.Context, tx *store.Tx) error {
		return tx.FailVerification(ctx, transactionID, cause)
	})
	if err != nil {
		v.logger.Warn("could not record failed verification",
			zap.String("transaction_id", transactionID), zap.Error(err))
	}
}

// Pending lists queued transactions that still have attempts left.
func (v *Verifier) Pending(ctx context.Context) ([]store.PendingVerification, error) {
	pending, err := v.engine.backend.Store().PendingVerifications(ctx, MaxAttempts, 0)
	if err != nil {
		return nil, &ir.StorageError{Op: "pending_verifications", Err: err}
	}
	return pending, nil
}

// VerifyQueued verifies transactionID only while it is queued with attempts
// left, so evidence is never applied twice. ok is false otherwise.
func (v *Verifier) VerifyQueued(ctx context.Context, transactionID string) (res Track2Result, ok bool, err error) {
	pending, err := v.Pending(ctx)
	if err != nil {
		return Track2Result{}, false, err
	}
	for _, p := range pending {
		if p.TransactionID == transactionID {
			res, err = v.Verify(ctx, transactionID)
			return res, true, err
		}
	}
	return Track2Result{TransactionID: transactionID}, false, nil
}

// Resume triggers every queued verification in the background and returns
// how many were started.
func (v *Verifier) Resume(ctx context.Context) (int, error) {
	pending, err := v.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		v.Trigger(ctx, p.TransactionID)
	}
	if len(pending) > 0 {
		v.logger.Info("resumed queued verifications", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// DrainReport summarizes a synchronous pass over the queue.
type DrainReport struct {
	Verified []string          `json:"verified"`
	Failed   map[string]string `json:"failed"`
}

// Drain verifies every queued transaction one at a time.
func (v *Verifier) Drain(ctx context.Context) (DrainReport, error) {
	rep := DrainReport{Verified: []string{}, Failed: map[string]string{}}
	pending, err := v.Pending(ctx)
	if err != nil {
		return rep, err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, err := v.Verify(ctx, p.TransactionID); err != nil {
			rep.Failed[p.TransactionID] = err.Error()
			continue
		}
		rep.Verified = append(rep.Verified, p.TransactionID)
	}
	return rep, nil
}

// Wait blocks until every triggered verification has finished.
func (v *Verifier) Wait() {
	v.wg.Wait()
}
