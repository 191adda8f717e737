// Package resolver determines the live session and transaction for an
// execution identity.
//
// Resolution never consults the working directory. Sources are tried in
// order and the first match wins:
//
//  1. the session id stored on a transaction record (immutable once written)
//  2. the active-context pointer keyed by execution identity
//  3. an explicit caller override
//
// If none applies the result is *ir.ResolutionError.
//
// A transaction belongs to the identity that opened it. An explicit hint
// naming another identity's transaction is rejected with
// *ir.TransactionStateError, and a pointer to one is ignored.
package resolver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/store"
)

// Source names the priority level that produced a resolution.
type Source string

const (
	SourceTransaction Source = "transaction"
	SourcePointer     Source = "pointer"
	SourceOverride    Source = "override"
)

// Hints are caller-supplied inputs to resolution.
type Hints struct {
	// TransactionID names a transaction explicitly. It must exist and be
	// owned by the resolving identity.
	TransactionID string
	// SessionOverride is consulted only when no transaction or pointer
	// resolves.
	SessionOverride string
}

// Context is a resolved execution context.
type Context struct {
	Identity      string          `json:"execution_identity"`
	SessionID     string          `json:"session_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	ProjectPath   string          `json:"project_path,omitempty"`
	Source        Source          `json:"source"`
	Transaction   *ir.Transaction `json:"transaction,omitempty"`
}

// Resolver reads and writes active-context pointers.
type Resolver struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Resolver)

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func WithNow(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func New(s *store.Store, opts ...Option) *Resolver {
	r := &Resolver{store: s, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the context for identity.
func (r *Resolver) Resolve(ctx context.Context, identity string, h Hints) (Context, error) {
	res := Context{Identity: identity}

	var ptr *ir.ActiveContext
	if identity != "" {
		p, err := r.store.GetActiveContext(ctx, identity)
		if err != nil {
			return res, &ir.StorageError{Op: "resolve", Err: err}
		}
		ptr = p
	}

	txn, err := r.transaction(ctx, identity, ptr, h)
	if err != nil {
		return res, err
	}

	switch {
	case txn != nil:
		res.SessionID = txn.SessionID
		res.TransactionID = txn.ID
		res.ProjectPath = txn.ProjectPath
		res.Source = SourceTransaction
		res.Transaction = txn
		if ptr != nil && ptr.SessionID != txn.SessionID {
			r.logger.Debug("pointer disagrees with transaction record; using transaction",
				zap.String("identity", identity),
				zap.String("pointer_session", ptr.SessionID),
				zap.String("transaction_session", txn.SessionID))
		}
	case ptr != nil && ptr.SessionID != "":
		res.SessionID = ptr.SessionID
		res.ProjectPath = ptr.ProjectPath
		res.Source = SourcePointer
	case h.SessionOverride != "":
		res.SessionID = h.SessionOverride
		res.Source = SourceOverride
	default:
		return res, &ir.ResolutionError{
			Identity: identity,
			Message:  "no transaction, pointer or override identifies a session; submit PREFLIGHT first",
		}
	}

	sess, err := r.store.GetSession(ctx, res.SessionID)
	if err != nil {
		if ir.IsSessionNotFoundError(err) {
			return res, err
		}
		return res, &ir.StorageError{Op: "resolve", Err: err}
	}
	if res.ProjectPath == "" {
		res.ProjectPath = sess.ProjectPath
	}
	return res, nil
}

// transaction finds the transaction record for level 1: the explicit hint,
// else the pointer's transaction, else the identity's newest open one.
func (r *Resolver) transaction(ctx context.Context, identity string, ptr *ir.ActiveContext, h Hints) (*ir.Transaction, error) {
	if h.TransactionID != "" {
		txn, err := r.store.GetTransaction(ctx, h.TransactionID)
		if err != nil {
			return nil, &ir.StorageError{Op: "resolve", Err: err}
		}
		if txn == nil {
			return nil, &ir.ResolutionError{
				Identity: identity,
				Message:  fmt.Sprintf("transaction %s does not exist", h.TransactionID),
			}
		}
		if err := CheckOwner(*txn, identity); err != nil {
			return nil, err
		}
		return txn, nil
	}

	if ptr != nil && ptr.TransactionID != "" {
		txn, err := r.store.GetTransaction(ctx, ptr.TransactionID)
		if err != nil {
			return nil, &ir.StorageError{Op: "resolve", Err: err}
		}
		switch {
		case txn == nil:
			r.logger.Debug("pointer names a missing transaction",
				zap.String("identity", identity), zap.String("transaction_id", ptr.TransactionID))
		case txn.OwnerIdentity != identity:
			r.logger.Warn("pointer names another identity's transaction; ignoring it",
				zap.String("identity", identity),
				zap.String("transaction_id", txn.ID),
				zap.String("owner", txn.OwnerIdentity))
		default:
			return txn, nil
		}
	}

	if identity == "" {
		return nil, nil
	}
	txn, err := r.store.LatestOpenTransactionForIdentity(ctx, identity)
	if err != nil {
		return nil, &ir.StorageError{Op: "resolve", Err: err}
	}
	return txn, nil
}

// CheckOwner returns *ir.TransactionStateError unless identity opened txn.
func CheckOwner(txn ir.Transaction, identity string) error {
	if txn.OwnerIdentity == identity {
		return nil
	}
	return &ir.TransactionStateError{
		TransactionID: txn.ID,
		State:         txn.State,
		Message:       "transaction belongs to another execution identity; submit your own PREFLIGHT",
	}
}

// Bind sets the pointer for ac.ExecutionIdentity.
func (r *Resolver) Bind(ctx context.Context, ac ir.ActiveContext) error {
	if ac.ExecutionIdentity == "" {
		return &ir.ValidationError{Fields: []string{"execution_identity"}, Message: "required"}
	}
	if ac.UpdatedAt.IsZero() {
		ac.UpdatedAt = r.now()
	}
	return r.store.Update(ctx, "bind_context", func(ctx context.Context, tx *store.Tx) error {
		if _, err := tx.GetSession(ctx, ac.SessionID); err != nil {
			return err
		}
		return tx.UpsertActiveContext(ctx, ac)
	})
}

// Clear removes the pointer for identity.
func (r *Resolver) Clear(ctx context.Context, identity string) error {
	return r.store.Update(ctx, "clear_context", func(ctx context.Context, tx *store.Tx) error {
		return tx.DeleteActiveContext(ctx, identity)
	})
}

// IdentityFromEnv derives a stable execution identity for the calling
// process from its terminal environment. The working directory is never
// part of it: two instances on one project must not collide.
func IdentityFromEnv(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, src := range []struct{ env, prefix string }{
		{"EPISTEMIC_INSTANCE_ID", ""},
		{"TMUX_PANE", "tmux:"},
		{"TERM_SESSION_ID", "term:"},
		{"WT_SESSION", "wt:"},
	} {
		if v := getenv(src.env); v != "" {
			return src.prefix + v
		}
	}
	return "ppid:" + strconv.Itoa(os.Getppid())
}
