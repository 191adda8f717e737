package harness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/config"
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/policy"
	"github.com/roach88/epistemic/internal/testutil"
)

// Harness executes one scenario against an isolated engine.
type Harness struct {
	app      *app.App
	clock    *testutil.FakeClock
	scenario *Scenario

	lastGoal    string
	lastSubtask string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a fake clock
// starting at testutil.Epoch and sequential ids, so traces are reproducible.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}
	clock := testutil.NewFakeClock(time.Time{})

	opts := []app.Option{
		app.WithLogger(zap.NewNop()),
		app.WithClock(clock),
		app.WithIDGenerator(engine.NewSequenceGenerator("id")),
	}
	if len(scenario.Evidence) > 0 {
		opts = append(opts, app.WithCollector(stubCollector{items: scenario.Evidence, now: clock.Now}))
	}
	a, err := app.Open(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	defer a.Close()

	h := &Harness{app: a, clock: clock, scenario: scenario}
	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
		ev = result.AddTrace(ev)
		if step.Expect != nil {
			for _, msg := range checkExpect(ev, *step.Expect) {
				result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, step.Op, msg))
			}
		}
	}

	if a.Verifier != nil {
		a.Verifier.Wait()
	}
	actx := &AssertionContext{Store: a.Backend.Store(), Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario) (*config.Config, error) {
	cfg := config.Default()
	cfg.Storage.DBPath = ":memory:"
	cfg.Storage.ExportDir = ""
	cfg.Audit.Backend = "memory"
	cfg.Memory.Enabled = false
	cfg.Evidence.Enabled = len(s.Evidence) > 0

	if s.Settings.AntiGaming != nil {
		cfg.AntiGaming.Enabled = *s.Settings.AntiGaming
	}
	if s.Settings.MinWindow != "" {
		d, err := time.ParseDuration(s.Settings.MinWindow)
		if err != nil {
			return nil, fmt.Errorf("settings.min_window: %w", err)
		}
		cfg.AntiGaming.MinWindow = d
	}
	if s.Settings.GateMode != "" {
		cfg.Gate.Mode = s.Settings.GateMode
	}
	if th := s.Settings.Thresholds; th != nil {
		cfg.Thresholds.Know = th.Know
		cfg.Thresholds.Uncertainty = th.Uncertainty
	}
	return cfg, nil
}

// execute runs one step. Engine errors become failed trace events; only
// harness faults are returned.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	identity := step.Identity
	if identity == "" {
		identity = h.scenario.Identity
	}
	eng := h.app.Engine

	switch step.Op {
	case OpPreflight:
		vs, err := h.vectors(step)
		if err != nil {
			return failed(step.Op, err), nil
		}
		res, err := eng.Preflight(ctx, engine.PreflightRequest{
			Identity: identity, Vectors: vs, Reasoning: step.Reasoning, Parallel: step.Parallel,
		})
		if err != nil {
			return failed(step.Op, err), nil
		}
		return TraceEvent{Op: step.Op, OK: true, Fields: map[string]any{
			"state":       string(res.State),
			"new_session": res.NewSession,
		}}, nil

	case OpCheck:
		vs, err := h.vectors(step)
		if err != nil {
			return failed(step.Op, err), nil
		}
		res, err := eng.Check(ctx, engine.CheckRequest{Identity: identity, Vectors: vs, Reasoning: step.Reasoning})
		if err != nil {
			return failed(step.Op, err), nil
		}
		out := app.CheckOutcome(res)
		return TraceEvent{Op: step.Op, OK: out.OK, ErrorType: out.ErrorType, Fields: map[string]any{
			"decision": string(res.Decision),
			"round":    res.Round,
			"state":    string(res.State),
			"rushed":   res.Rushed,
		}}, nil

	case OpPostflight:
		vs, err := h.vectors(step)
		if err != nil {
			return failed(step.Op, err), nil
		}
		res, err := eng.Postflight(ctx, engine.PostflightRequest{Identity: identity, Vectors: vs, Reasoning: step.Reasoning})
		if err != nil {
			return failed(step.Op, err), nil
		}
		return TraceEvent{Op: step.Op, OK: true, Fields: map[string]any{
			"state":          string(res.State),
			"already_closed": res.AlreadyClosed,
			"delta":          nonZero(res.Delta),
		}}, nil

	case OpLog:
		art, err := eng.LogArtifact(ctx, engine.ArtifactRequest{
			Identity: identity, SubtaskID: h.lastSubtask, Kind: ir.ArtifactKind(step.Kind), Text: step.Text,
		})
		if err != nil {
			return failed(step.Op, err), nil
		}
		return TraceEvent{Op: step.Op, OK: true, Fields: map[string]any{
			"kind":     string(art.Kind),
			"attached": art.TransactionID != "",
		}}, nil

	case OpGoal:
		g, err := eng.CreateGoal(ctx, identity, "", step.Text, "")
		if err != nil {
			return failed(step.Op, err), nil
		}
		h.lastGoal, h.lastSubtask = g.ID, ""
		return TraceEvent{Op: step.Op, OK: true, Fields: map[string]any{"status": string(g.Status)}}, nil

	case OpSubtask:
		st, err := eng.AddSubtask(ctx, h.lastGoal, step.Text)
		if err != nil {
			return failed(step.Op, err), nil
		}
		h.lastSubtask = st.ID
		return TraceEvent{Op: step.Op, OK: true, Fields: map[string]any{"status": string(st.Status)}}, nil

	case OpComplete:
		if err := eng.CompleteSubtask(ctx, h.lastSubtask); err != nil {
			return failed(step.Op, err), nil
		}
		return TraceEvent{Op: step.Op, OK: true}, nil

	case OpAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return TraceEvent{}, err
		}
		h.clock.Advance(d)
		return TraceEvent{Op: step.Op, OK: true, Fields: map[string]any{"by": d.String()}}, nil

	case OpAuthorize:
		d := h.app.Gate.Authorize(ctx, identity, policy.Action{Tool: step.Tool})
		fields := map[string]any{
			"allowed": d.Allowed,
			"verdict": d.Verdict,
			"kind":    string(d.Kind),
		}
		if d.Reason != "" {
			fields["reason"] = string(d.Reason)
		}
		return TraceEvent{Op: step.Op, OK: d.Allowed, Fields: fields}, nil

	case OpVerify:
		if h.app.Verifier != nil {
			h.app.Verifier.Wait()
		}
		rep, err := h.app.Calibration.Report(ctx)
		if err != nil {
			return failed(step.Op, err), nil
		}
		grounded := []any{}
		for _, v := range rep.Grounded() {
			grounded = append(grounded, string(v.Vector))
		}
		return TraceEvent{Op: step.Op, OK: true, Fields: map[string]any{"grounded": grounded}}, nil

	case OpSetThresholds:
		if err := h.app.Calibration.SetThresholds(ctx, *step.Thresholds); err != nil {
			return failed(step.Op, err), nil
		}
		return TraceEvent{Op: step.Op, OK: true}, nil
	}
	return TraceEvent{}, fmt.Errorf("unknown op %q", step.Op)
}

// vectors builds the full vector set for a phase step.
func (h *Harness) vectors(step Step) (ir.VectorSet, error) {
	m := make(map[string]any, ir.NumVectors)
	for _, name := range ir.VectorNames {
		m[string(name)] = h.scenario.Defaults.Uniform
	}
	for k, v := range h.scenario.Defaults.Vectors {
		m[k] = v
	}
	for k, v := range step.Vectors {
		m[k] = v
	}
	return ir.VectorSetFromMap(m)
}

func failed(op string, err error) TraceEvent {
	return TraceEvent{Op: op, ErrorType: ir.ErrorType(err)}
}

// nonZero keeps the components that moved.
func nonZero(d ir.Delta) map[string]any {
	out := map[string]any{}
	for _, name := range ir.VectorNames {
		if v, _ := d.Get(name); v != 0 {
			out[string(name)] = v
		}
	}
	return out
}

// stubCollector returns fixed evidence for any transaction.
type stubCollector struct {
	items []ir.EvidenceItem
	now   func() time.Time
}

func (s stubCollector) Collect(_ context.Context, transactionID string) (ir.EvidenceBundle, error) {
	return ir.EvidenceBundle{
		TransactionID: transactionID,
		Items:         append([]ir.EvidenceItem(nil), s.items...),
		CollectedAt:   s.now(),
	}, nil
}
