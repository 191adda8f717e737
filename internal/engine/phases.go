package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/calibration"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/memory"
	"github.com/roach88/epistemic/internal/resolver"
	"github.com/roach88/epistemic/internal/storage"
	"github.com/roach88/epistemic/internal/store"
)

// Metadata keys written by the engine. Caller-supplied keys with the same
// names are overwritten.
const (
	metaRushed     = "rushed"
	metaDecision   = "decision"
	metaCorrection = "correction"
	metaCorrected  = "corrected"
	metaDelta      = "delta"
	metaParallel   = "parallel"
)

// relatedLimit caps the memory matches returned with a PREFLIGHT.
const relatedLimit = 5

// PreflightRequest opens a transaction.
type PreflightRequest struct {
	Identity string
	// SessionID selects the session explicitly. Empty resolves the identity's
	// current session, or starts a new one.
	SessionID   string
	ProjectPath string
	Vectors     ir.VectorSet
	Reasoning   string
	Metadata    map[string]any
	// Parallel declares that this transaction may run alongside other open
	// transactions in the session, including ones owned by other identities.
	Parallel bool
}

// PreflightResult describes an opened transaction.
type PreflightResult struct {
	SessionID     string               `json:"session_id"`
	TransactionID string               `json:"transaction_id"`
	State         ir.TxState           `json:"state"`
	NewSession    bool                 `json:"new_session"`
	Assessment    storage.AppendResult `json:"assessment"`
	Related       []memory.Match       `json:"related,omitempty"`
}

// Preflight opens a transaction and records its baseline assessment. The
// session row, transaction row, identity pointer and assessment commit
// together.
func (e *Engine) Preflight(ctx context.Context, req PreflightRequest) (PreflightResult, error) {
	if err := req.Vectors.Validate(); err != nil {
		return PreflightResult{}, err
	}
	if req.Identity == "" {
		return PreflightResult{}, &ir.ValidationError{Fields: []string{"execution_identity"}, Message: "required"}
	}

	sessionID, projectPath, err := e.preflightSession(ctx, req)
	if err != nil {
		return PreflightResult{}, err
	}
	newSession := sessionID == ""
	if newSession {
		sessionID = e.ids.Generate()
	}
	if req.ProjectPath != "" {
		projectPath = req.ProjectPath
	}

	txID := e.ids.Generate()
	now := e.clock.Now()

	ar, err := e.backend.AppendWith(ctx, "append_preflight", func(ctx context.Context, tx *store.Tx) (ir.Assessment, error) {
		if err := tx.InsertSession(ctx, ir.Session{
			ID:            sessionID,
			OwnerIdentity: req.Identity,
			ProjectPath:   projectPath,
			CreatedAt:     now,
		}); err != nil {
			return ir.Assessment{}, err
		}
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return ir.Assessment{}, err
		}
		if !req.Parallel && sess.OwnerIdentity != req.Identity {
			return ir.Assessment{}, &ir.TransactionStateError{
				Message: fmt.Sprintf("session %s belongs to another execution identity; declare parallel mode to join it", sessionID),
			}
		}
		open, err := tx.OpenTransactions(ctx, sessionID)
		if err != nil {
			return ir.Assessment{}, err
		}
		if len(open) > 0 && !req.Parallel {
			return ir.Assessment{}, &ir.TransactionStateError{
				TransactionID: open[0].ID,
				State:         open[0].State,
				Message:       "another transaction is already open in this session; submit its POSTFLIGHT or declare parallel mode",
			}
		}

		if err := tx.InsertTransaction(ctx, ir.Transaction{
			ID:            txID,
			SessionID:     sessionID,
			OwnerIdentity: req.Identity,
			ProjectPath:   projectPath,
			State:         ir.StateOpenPreflight,
			Parallel:      req.Parallel,
			PreflightAt:   now,
		}); err != nil {
			return ir.Assessment{}, err
		}
		if err := tx.UpsertActiveContext(ctx, ir.ActiveContext{
			ExecutionIdentity: req.Identity,
			SessionID:         sessionID,
			TransactionID:     txID,
			ProjectPath:       projectPath,
			UpdatedAt:         now,
		}); err != nil {
			return ir.Assessment{}, err
		}

		meta := mergeMetadata(req.Metadata)
		if req.Parallel {
			meta[metaParallel] = true
		}
		return ir.Assessment{
			ID:            e.ids.Generate(),
			SessionID:     sessionID,
			TransactionID: txID,
			Phase:         ir.PhasePreflight,
			Vectors:       req.Vectors,
			Reasoning:     req.Reasoning,
			Metadata:      meta,
			CreatedAt:     now,
		}, nil
	})
	if err != nil {
		return PreflightResult{}, err
	}

	e.logger.Info("transaction opened",
		zap.String("transaction_id", txID),
		zap.String("session_id", sessionID),
		zap.String("identity", req.Identity),
		zap.Bool("parallel", req.Parallel),
		zap.String("durability", string(ar.Durability)))

	res := PreflightResult{
		SessionID:     sessionID,
		TransactionID: txID,
		State:         ir.StateOpenPreflight,
		NewSession:    newSession,
		Assessment:    ar,
		Related:       e.related(ctx, req.Reasoning),
	}
	e.remember(ctx, memory.Record{
		Kind: "preflight", SessionID: sessionID, TransactionID: txID,
		Text: req.Reasoning, CreatedAt: now,
	})
	return res, nil
}

// preflightSession picks the session for a PREFLIGHT. An empty id means a
// new session is needed.
func (e *Engine) preflightSession(ctx context.Context, req PreflightRequest) (id, projectPath string, err error) {
	if req.SessionID != "" {
		return req.SessionID, "", nil
	}
	rc, err := e.resolver.Resolve(ctx, req.Identity, resolver.Hints{})
	switch {
	case err == nil:
		return rc.SessionID, rc.ProjectPath, nil
	case ir.IsResolutionError(err), ir.IsSessionNotFoundError(err):
		return "", "", nil
	default:
		return "", "", err
	}
}

func (e *Engine) related(ctx context.Context, text string) []memory.Match {
	if e.memory == nil || text == "" {
		return nil
	}
	matches, err := e.memory.Query(ctx, text, relatedLimit)
	if err != nil {
		e.logger.Warn("semantic memory query failed", zap.Error(err))
		return nil
	}
	return matches
}

// CheckRequest re-evaluates readiness inside an open transaction.
type CheckRequest struct {
	Identity        string
	TransactionID   string
	SessionOverride string
	Vectors         ir.VectorSet
	Reasoning       string
	Metadata        map[string]any
}

// CheckResult is the outcome of a CHECK. It reports the decision but never
// the thresholds or corrected values it was made against.
type CheckResult struct {
	SessionID     string               `json:"session_id"`
	TransactionID string               `json:"transaction_id"`
	Decision      ir.Decision          `json:"decision"`
	Round         int                  `json:"round"`
	State         ir.TxState           `json:"state"`
	Rushed        bool                 `json:"rushed"`
	Assessment    storage.AppendResult `json:"assessment"`
}

// Guidance returns the anti-gaming error for a rushed CHECK, or nil. The
// CHECK itself was recorded either way.
func (r CheckResult) Guidance() error {
	if !r.Rushed {
		return nil
	}
	return &ir.RushedAssessmentError{TransactionID: r.TransactionID}
}

// Check records a CHECK and moves the transaction to OPEN_CHECKED on proceed
// or OPEN_INVESTIGATING on investigate. The submitted vectors are stored
// unmodified. The decision uses them plus the current calibration
// correction, against the calibrated thresholds.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	if err := req.Vectors.Validate(); err != nil {
		return CheckResult{}, err
	}
	rc, err := e.resolver.Resolve(ctx, req.Identity, resolver.Hints{
		TransactionID:   req.TransactionID,
		SessionOverride: req.SessionOverride,
	})
	if err != nil {
		return CheckResult{}, err
	}
	if rc.TransactionID == "" {
		return CheckResult{}, noTransaction()
	}

	var res CheckResult
	ar, err := e.backend.AppendWith(ctx, "append_check", func(ctx context.Context, tx *store.Tx) (ir.Assessment, error) {
		txn, err := tx.GetTransaction(ctx, rc.TransactionID)
		if err != nil {
			return ir.Assessment{}, err
		}
		if txn == nil {
			return ir.Assessment{}, noTransaction()
		}
		if err := resolver.CheckOwner(*txn, req.Identity); err != nil {
			return ir.Assessment{}, err
		}
		if txn.State == ir.StateClosed {
			return ir.Assessment{}, &ir.TransactionClosedError{TransactionID: txn.ID}
		}

		now := e.clock.Now()
		rushed, err := e.rushed(ctx, tx, *txn, now)
		if err != nil {
			return ir.Assessment{}, err
		}

		rec, err := tx.LoadCalibration(ctx, e.backend.Defaults())
		if err != nil {
			return ir.Assessment{}, err
		}
		correction := calibration.Correction(rec)
		corrected := req.Vectors.Add(correction)

		decision := ir.DecisionInvestigate
		if !rushed && rec.Thresholds.Satisfied(corrected) {
			decision = ir.DecisionProceed
		}
		state, err := next(*txn, checkEvent(decision))
		if err != nil {
			return ir.Assessment{}, err
		}

		prior, err := tx.TransactionAssessments(ctx, txn.ID)
		if err != nil {
			return ir.Assessment{}, err
		}
		round := 1
		for _, a := range prior {
			if a.Phase == ir.PhaseCheck {
				round++
			}
		}

		if err := tx.SetTransactionState(ctx, txn.ID, state); err != nil {
			return ir.Assessment{}, err
		}

		meta := mergeMetadata(req.Metadata)
		meta[metaRushed] = rushed
		meta[metaDecision] = string(decision)
		meta[metaCorrection] = correction
		meta[metaCorrected] = corrected

		res = CheckResult{
			SessionID:     txn.SessionID,
			TransactionID: txn.ID,
			Decision:      decision,
			Round:         round,
			State:         state,
			Rushed:        rushed,
		}
		return ir.Assessment{
			ID:            e.ids.Generate(),
			SessionID:     txn.SessionID,
			TransactionID: txn.ID,
			Phase:         ir.PhaseCheck,
			Round:         round,
			Vectors:       req.Vectors,
			Reasoning:     req.Reasoning,
			Metadata:      meta,
			CreatedAt:     now,
		}, nil
	})
	if err != nil {
		return CheckResult{}, err
	}
	res.Assessment = ar

	e.metrics.CheckDecision(string(res.Decision), res.Rushed)
	fields := []zap.Field{
		zap.String("transaction_id", res.TransactionID),
		zap.String("decision", string(res.Decision)),
		zap.Int("round", res.Round),
	}
	if res.Rushed {
		e.logger.Warn("rushed CHECK forced to investigate", fields...)
	} else {
		e.logger.Info("check recorded", fields...)
	}
	return res, nil
}

// rushed applies the anti-gaming rule: inside the minimum window after
// PREFLIGHT with no artifacts logged since.
func (e *Engine) rushed(ctx context.Context, tx *store.Tx, txn ir.Transaction, now time.Time) (bool, error) {
	if !e.antiGaming || now.Sub(txn.PreflightAt) >= e.minWindow {
		return false, nil
	}
	n, err := tx.CountArtifactsSince(ctx, txn.ID, txn.PreflightAt)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// PostflightRequest closes a transaction.
type PostflightRequest struct {
	Identity        string
	TransactionID   string
	SessionOverride string
	Vectors         ir.VectorSet
	Reasoning       string
	Metadata        map[string]any
}

// PostflightResult carries the learning delta. AlreadyClosed is set when the
// transaction had been closed by an earlier POSTFLIGHT; the delta is then
// the stored one and nothing new was written.
type PostflightResult struct {
	SessionID     string                `json:"session_id"`
	TransactionID string                `json:"transaction_id"`
	State         ir.TxState            `json:"state"`
	Delta         ir.Delta              `json:"delta"`
	AlreadyClosed bool                  `json:"already_closed"`
	Verification  bool                  `json:"verification_pending"`
	Assessment    *storage.AppendResult `json:"assessment,omitempty"`
}

// Postflight closes the transaction, stores the delta, applies Track 1
// calibration in the same relational transaction and triggers evidence
// verification in the background. A second POSTFLIGHT is a no-op that
// returns the original delta. Only the owning identity may close a
// transaction.
func (e *Engine) Postflight(ctx context.Context, req PostflightRequest) (PostflightResult, error) {
	if err := req.Vectors.Validate(); err != nil {
		return PostflightResult{}, err
	}
	rc, err := e.resolver.Resolve(ctx, req.Identity, resolver.Hints{
		TransactionID:   req.TransactionID,
		SessionOverride: req.SessionOverride,
	})
	if err != nil {
		return PostflightResult{}, err
	}
	if rc.Transaction == nil {
		return PostflightResult{}, noTransaction()
	}
	if rc.Transaction.State == ir.StateClosed {
		return e.closedResult(ctx, rc.TransactionID)
	}

	var (
		res PostflightResult
		now = e.clock.Now()
	)
	ar, err := e.backend.AppendWithCalibration(ctx, "append_postflight", func(ctx context.Context, tx *store.Tx) (ir.Assessment, error) {
		txn, err := tx.GetTransaction(ctx, rc.TransactionID)
		if err != nil {
			return ir.Assessment{}, err
		}
		if txn == nil {
			return ir.Assessment{}, noTransaction()
		}
		if err := resolver.CheckOwner(*txn, req.Identity); err != nil {
			return ir.Assessment{}, err
		}
		state, err := next(*txn, eventPostflight)
		if err != nil {
			return ir.Assessment{}, err
		}
		pre, err := tx.TransactionPhase(ctx, txn.ID, ir.PhasePreflight)
		if err != nil {
			return ir.Assessment{}, err
		}
		if pre == nil {
			return ir.Assessment{}, &ir.TransactionStateError{
				TransactionID: txn.ID, State: txn.State, Message: "transaction has no PREFLIGHT assessment",
			}
		}

		delta := req.Vectors.Sub(pre.Vectors)
		if err := tx.CloseTransaction(ctx, txn.ID, delta, now); err != nil {
			return ir.Assessment{}, err
		}
		if err := e.calibration.ApplyTrack1(ctx, tx, txn.ID, delta); err != nil {
			return ir.Assessment{}, err
		}
		if e.verifier != nil {
			if err := tx.QueueVerification(ctx, txn.ID, now); err != nil {
				return ir.Assessment{}, err
			}
		}

		meta := mergeMetadata(req.Metadata)
		meta[metaDelta] = delta
		res = PostflightResult{
			SessionID:     txn.SessionID,
			TransactionID: txn.ID,
			State:         state,
			Delta:         delta,
		}
		return ir.Assessment{
			ID:            e.ids.Generate(),
			SessionID:     txn.SessionID,
			TransactionID: txn.ID,
			Phase:         ir.PhasePostflight,
			Vectors:       req.Vectors,
			Reasoning:     req.Reasoning,
			Metadata:      meta,
			CreatedAt:     now,
		}, nil
	})
	if ir.IsTransactionClosedError(err) {
		// Lost a race with a concurrent POSTFLIGHT.
		return e.closedResult(ctx, rc.TransactionID)
	}
	if err != nil {
		return PostflightResult{}, err
	}
	res.Assessment = &ar

	e.logger.Info("transaction closed",
		zap.String("transaction_id", res.TransactionID),
		zap.String("session_id", res.SessionID),
		zap.Float64("delta_know", res.Delta.Know),
		zap.Float64("delta_uncertainty", res.Delta.Uncertainty))

	if e.verifier != nil {
		e.verifier.Trigger(ctx, res.TransactionID)
		res.Verification = true
	}
	e.remember(ctx, memory.Record{
		Kind: "postflight", SessionID: res.SessionID, TransactionID: res.TransactionID,
		Text: req.Reasoning, CreatedAt: now,
	})
	return res, nil
}

func (e *Engine) closedResult(ctx context.Context, txID string) (PostflightResult, error) {
	txn, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return PostflightResult{}, &ir.StorageError{Op: "postflight", Err: err}
	}
	if txn == nil {
		return PostflightResult{}, noTransaction()
	}
	res := PostflightResult{
		SessionID:     txn.SessionID,
		TransactionID: txn.ID,
		State:         txn.State,
		AlreadyClosed: true,
	}
	if txn.Delta != nil {
		res.Delta = *txn.Delta
	}
	post, err := e.store.TransactionPhase(ctx, txn.ID, ir.PhasePostflight)
	if err != nil {
		return res, &ir.StorageError{Op: "postflight", Err: err}
	}
	if post != nil {
		ref, _, err := ir.AssessmentRef(*post)
		if err != nil {
			return res, err
		}
		durability, err := e.durability(ctx, ref)
		if err != nil {
			return res, err
		}
		res.Assessment = &storage.AppendResult{ID: post.ID, Ref: ref, Durability: durability}
	}
	e.logger.Debug("postflight repeated; returning stored delta", zap.String("transaction_id", txn.ID))
	return res, nil
}

// durability reports whether ref is still waiting in the audit outbox.
func (e *Engine) durability(ctx context.Context, ref string) (storage.Durability, error) {
	pending, err := e.store.PendingOutbox(ctx, 0)
	if err != nil {
		return "", &ir.StorageError{Op: "postflight", Err: err}
	}
	for _, p := range pending {
		if p.Ref == ref {
			return storage.DurabilityPending, nil
		}
	}
	return storage.DurabilityDurable, nil
}

func noTransaction() error {
	return &ir.TransactionStateError{Message: "no open transaction; submit PREFLIGHT first"}
}

func mergeMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
