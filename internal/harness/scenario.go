package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/policy"
)

// Scenario replays an epistemic loop against a fresh engine and checks the
// outcomes.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Identity is the execution identity steps use unless they name one.
	Identity string `yaml:"identity,omitempty"`

	// Defaults fill every vector a step does not set.
	Defaults Defaults `yaml:"defaults,omitempty"`

	// Settings override engine configuration.
	Settings Settings `yaml:"settings,omitempty"`

	// Evidence is what the stub collector returns after each POSTFLIGHT.
	// Empty disables evidence collection.
	Evidence []ir.EvidenceItem `yaml:"evidence,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Defaults describe the baseline vector set.
type Defaults struct {
	// Uniform is assigned to every vector before Vectors apply.
	Uniform float64            `yaml:"uniform"`
	Vectors map[string]float64 `yaml:"vectors,omitempty"`
}

// Settings override engine configuration for one scenario.
type Settings struct {
	AntiGaming *bool          `yaml:"anti_gaming,omitempty"`
	MinWindow  string         `yaml:"min_window,omitempty"`
	GateMode   string         `yaml:"gate_mode,omitempty"`
	Thresholds *ir.Thresholds `yaml:"thresholds,omitempty"`
}

// Step operations.
const (
	OpPreflight     = "preflight"
	OpCheck         = "check"
	OpPostflight    = "postflight"
	OpLog           = "log"
	OpGoal          = "goal"
	OpSubtask       = "subtask"
	OpComplete      = "complete"
	OpAdvance       = "advance"
	OpAuthorize     = "authorize"
	OpVerify        = "verify"
	OpSetThresholds = "set_thresholds"
)

var validOps = map[string]bool{
	OpPreflight: true, OpCheck: true, OpPostflight: true, OpLog: true,
	OpGoal: true, OpSubtask: true, OpComplete: true, OpAdvance: true,
	OpAuthorize: true, OpVerify: true, OpSetThresholds: true,
}

// Step is one operation in the flow.
type Step struct {
	Op string `yaml:"op"`

	// Identity overrides the scenario identity.
	Identity string `yaml:"identity,omitempty"`

	// Vectors override the defaults for phase submissions.
	Vectors   map[string]float64 `yaml:"vectors,omitempty"`
	Reasoning string             `yaml:"reasoning,omitempty"`
	Parallel  bool               `yaml:"parallel,omitempty"`

	// Kind is the artifact kind for log steps.
	Kind string `yaml:"kind,omitempty"`
	// Text is the artifact text, goal objective or subtask description.
	Text string `yaml:"text,omitempty"`

	// By is how far advance moves the clock, e.g. "45s".
	By string `yaml:"by,omitempty"`

	// Tool is the action authorize evaluates.
	Tool string `yaml:"tool,omitempty"`

	Thresholds *ir.Thresholds `yaml:"thresholds,omitempty"`

	// Expect is checked against the step's outcome when set.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	OK        *bool  `yaml:"ok,omitempty"`
	ErrorType string `yaml:"error_type,omitempty"`
	// Fields is a subset match against the trace event's fields.
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an op appears with matching fields
	// - "trace_order": ops appear in order
	// - "trace_count": an op appears exactly N times
	// - "final_state": query a table and verify expected values
	Type string `yaml:"type"`

	// Op is the step operation (trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Fields is a subset match (trace_contains).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Table, Where and Expect drive final_state. Expect is a subset match
	// against the first matching row.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Ops is the expected order (trace_order).
	Ops []string `yaml:"ops,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a scenario. Unknown fields are rejected so typos
// fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Identity == "" {
		scenario.Identity = "agent"
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Defaults.Uniform < 0 || s.Defaults.Uniform > 1 {
		return fmt.Errorf("defaults.uniform must be in [0,1]")
	}
	if s.Settings.MinWindow != "" {
		if _, err := time.ParseDuration(s.Settings.MinWindow); err != nil {
			return fmt.Errorf("settings.min_window: %w", err)
		}
	}
	if s.Settings.GateMode != "" {
		if _, err := policy.ParseMode(s.Settings.GateMode); err != nil {
			return fmt.Errorf("settings.gate_mode: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	if !validOps[step.Op] {
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}
	for name := range step.Vectors {
		if !ir.IsVectorName(name) {
			return fmt.Errorf("steps[%d]: unknown vector %q", i, name)
		}
	}
	switch step.Op {
	case OpAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance needs a duration in by: %w", i, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d]: advance must not go backwards", i)
		}
	case OpLog:
		if step.Kind == "" {
			return fmt.Errorf("steps[%d]: log needs a kind", i)
		}
	case OpGoal, OpSubtask:
		if step.Text == "" {
			return fmt.Errorf("steps[%d]: %s needs text", i, step.Op)
		}
	case OpAuthorize:
		if step.Tool == "" {
			return fmt.Errorf("steps[%d]: authorize needs a tool", i)
		}
	case OpSetThresholds:
		if step.Thresholds == nil {
			return fmt.Errorf("steps[%d]: set_thresholds needs thresholds", i)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
