// Package policy authorizes praxic actions against transaction readiness.
//
// The gate fails safe: an error or panic while evaluating yields a denial
// with reason internal_error. Denials explain themselves qualitatively and
// suggest one next step; they never reveal thresholds or submitted values.
package policy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/metrics"
	"github.com/roach88/epistemic/internal/resolver"
)

// Mode selects whether denials block.
type Mode string

const (
	// ModeController blocks denied actions.
	ModeController Mode = "controller"
	// ModeObserver logs denials and never blocks.
	ModeObserver Mode = "observer"
)

// ParseMode accepts "controller" or "observer".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeController, ModeObserver:
		return m, nil
	}
	return "", fmt.Errorf("unknown gate mode %q", s)
}

// Kind classifies an action.
type Kind string

const (
	KindNoetic Kind = "noetic"
	KindPraxic Kind = "praxic"
)

// Reason is the machine-readable cause of a denial.
type Reason string

const (
	ReasonNoPreflight   Reason = "no_preflight"
	ReasonLoopClosed    Reason = "loop_closed"
	ReasonNotReady      Reason = "not_ready"
	ReasonInternalError Reason = "internal_error"
)

// Action is a request to do something.
type Action struct {
	Tool string `json:"tool"`
	// Kind overrides the tool classification when set.
	Kind            Kind   `json:"kind,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`
	SessionOverride string `json:"session_id,omitempty"`
}

// Decision is the gate's answer. Allowed is what the caller must obey; in
// observer mode it is always true and Verdict records what a controller
// would have done.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Verdict  string `json:"verdict"`
	Kind     Kind   `json:"kind"`
	Mode     Mode   `json:"mode"`
	Reason   Reason `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	NextStep string `json:"next_step,omitempty"`
}

// StatusReader reports the resolved context and readiness of an identity.
// *engine.Engine implements it.
type StatusReader interface {
	Status(ctx context.Context, identity string, h resolver.Hints) (engine.Status, error)
}

// Gate evaluates actions.
type Gate struct {
	status     StatusReader
	classifier Classifier
	mode       Mode
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Gate)

func WithMode(m Mode) Option {
	return func(g *Gate) { g.mode = m }
}

func WithClassifier(c Classifier) Option {
	return func(g *Gate) { g.classifier = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a controller-mode gate with the default classifier.
func NewGate(s StatusReader, opts ...Option) *Gate {
	g := &Gate{
		status:     s,
		classifier: DefaultClassifier(),
		mode:       ModeController,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode returns the configured mode.
func (g *Gate) Mode() Mode { return g.mode }

// Authorize decides whether identity may perform a.
func (g *Gate) Authorize(ctx context.Context, identity string, a Action) (d Decision) {
	kind := a.Kind
	if kind == "" {
		kind = g.classifier.Classify(a.Tool)
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gate panicked; denying",
				zap.String("tool", a.Tool), zap.Any("panic", r))
			d = g.finish(identity, a, deny(kind, ReasonInternalError))
		}
	}()

	if kind == KindNoetic {
		return g.finish(identity, a, Decision{Allowed: true, Verdict: "allow", Kind: kind})
	}
	return g.finish(identity, a, g.evaluate(ctx, identity, a, kind))
}

func (g *Gate) evaluate(ctx context.Context, identity string, a Action, kind Kind) Decision {
	st, err := g.status.Status(ctx, identity, resolver.Hints{
		TransactionID:   a.TransactionID,
		SessionOverride: a.SessionOverride,
	})
	if err != nil {
		// A transaction hint owned by another identity counts as none.
		if ir.IsResolutionError(err) || ir.IsSessionNotFoundError(err) || ir.IsTransactionStateError(err) {
			return deny(kind, ReasonNoPreflight)
		}
		g.logger.Error("gate could not read status; denying",
			zap.String("identity", identity), zap.Error(err))
		return deny(kind, ReasonInternalError)
	}

	rd := st.Readiness
	switch {
	case rd == nil:
		return deny(kind, ReasonNoPreflight)
	case rd.State == ir.StateClosed:
		return deny(kind, ReasonLoopClosed)
	case rd.Rushed:
		d := deny(kind, ReasonNotReady)
		d.Message = "readiness was claimed before any investigation was recorded"
		d.NextStep = "log findings or unknowns from your investigation, then submit CHECK again"
		return d
	case !rd.Ready:
		return deny(kind, ReasonNotReady)
	}
	return Decision{Allowed: true, Verdict: "allow", Kind: kind}
}

// finish applies the mode and records the decision.
func (g *Gate) finish(identity string, a Action, d Decision) Decision {
	d.Mode = g.mode
	if !d.Allowed && g.mode == ModeObserver {
		d.Allowed = true
	}
	g.metrics.GateDecision(string(g.mode), d.Verdict, string(d.Reason))

	if d.Verdict == "deny" {
		g.logger.Info("action denied",
			zap.String("identity", identity),
			zap.String("tool", a.Tool),
			zap.String("reason", string(d.Reason)),
			zap.Bool("enforced", !d.Allowed))
	}
	return d
}

func deny(kind Kind, reason Reason) Decision {
	d := Decision{Verdict: "deny", Kind: kind, Reason: reason}
	switch reason {
	case ReasonNoPreflight:
		d.Message = "no epistemic transaction is open for this context"
		d.NextStep = "submit PREFLIGHT describing what you know before acting"
	case ReasonLoopClosed:
		d.Message = "the transaction for this context is already closed"
		d.NextStep = "submit a new PREFLIGHT for this unit of work"
	case ReasonNotReady:
		d.Message = "readiness to act has not been established"
		d.NextStep = "keep investigating, then submit CHECK"
	default:
		d.Message = "the gate could not evaluate readiness"
		d.NextStep = "run resolve-context to inspect the current context, then retry"
	}
	return d
}
