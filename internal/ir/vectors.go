package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// VectorName identifies one of the thirteen self-assessment dimensions.
type VectorName string

const (
	VectorEngagement  VectorName = "engagement"
	VectorKnow        VectorName = "know"
	VectorDo          VectorName = "do"
	VectorContext     VectorName = "context"
	VectorClarity     VectorName = "clarity"
	VectorCoherence   VectorName = "coherence"
	VectorSignal      VectorName = "signal"
	VectorDensity     VectorName = "density"
	VectorState       VectorName = "state"
	VectorChange      VectorName = "change"
	VectorCompletion  VectorName = "completion"
	VectorImpact      VectorName = "impact"
	VectorUncertainty VectorName = "uncertainty"
)

// NumVectors is the fixed width of a VectorSet.
const NumVectors = 13

// VectorNames lists every dimension in declaration order. The order is part of
// the storage and audit formats and must not change.
var VectorNames = [NumVectors]VectorName{
	VectorEngagement,
	VectorKnow,
	VectorDo,
	VectorContext,
	VectorClarity,
	VectorCoherence,
	VectorSignal,
	VectorDensity,
	VectorState,
	VectorChange,
	VectorCompletion,
	VectorImpact,
	VectorUncertainty,
}

// IsVectorName reports whether name is one of the thirteen dimensions.
func IsVectorName(name string) bool {
	for _, n := range VectorNames {
		if string(n) == name {
			return true
		}
	}
	return false
}

// VectorSet is a complete self-assessment. Every component must lie in [0,1];
// use Validate before persisting. Out-of-range values are rejected, never clamped.
type VectorSet struct {
	Engagement  float64 `json:"engagement"`
	Know        float64 `json:"know"`
	Do          float64 `json:"do"`
	Context     float64 `json:"context"`
	Clarity     float64 `json:"clarity"`
	Coherence   float64 `json:"coherence"`
	Signal      float64 `json:"signal"`
	Density     float64 `json:"density"`
	State       float64 `json:"state"`
	Change      float64 `json:"change"`
	Completion  float64 `json:"completion"`
	Impact      float64 `json:"impact"`
	Uncertainty float64 `json:"uncertainty"`
}

// Delta holds per-vector differences (POSTFLIGHT - PREFLIGHT). Components may be
// negative and are not range checked.
type Delta VectorSet

// fields returns pointers to the components in VectorNames order.
func (v *VectorSet) fields() [NumVectors]*float64 {
	return [NumVectors]*float64{
		&v.Engagement, &v.Know, &v.Do, &v.Context, &v.Clarity, &v.Coherence,
		&v.Signal, &v.Density, &v.State, &v.Change, &v.Completion, &v.Impact,
		&v.Uncertainty,
	}
}

// Values returns the components in VectorNames order.
func (v VectorSet) Values() [NumVectors]float64 {
	var out [NumVectors]float64
	for i, f := range v.fields() {
		out[i] = *f
	}
	return out
}

// VectorSetFromValues builds a VectorSet from components in VectorNames order.
func VectorSetFromValues(vals [NumVectors]float64) VectorSet {
	var v VectorSet
	for i, f := range v.fields() {
		*f = vals[i]
	}
	return v
}

// Get returns the named component.
func (v VectorSet) Get(name VectorName) (float64, bool) {
	for i, n := range VectorNames {
		if n == name {
			return v.Values()[i], true
		}
	}
	return 0, false
}

// With returns a copy of v with the named component replaced.
func (v VectorSet) With(name VectorName, value float64) VectorSet {
	fs := v.fields()
	for i, n := range VectorNames {
		if n == name {
			*fs[i] = value
		}
	}
	return v
}

// Validate rejects any component that is NaN, infinite or outside [0,1].
func (v VectorSet) Validate() error {
	var bad []string
	for i, val := range v.Values() {
		if math.IsNaN(val) || math.IsInf(val, 0) || val < 0 || val > 1 {
			bad = append(bad, string(VectorNames[i]))
		}
	}
	if len(bad) > 0 {
		return &ValidationError{
			Fields:  bad,
			Message: fmt.Sprintf("vector components out of range [0,1]: %s", strings.Join(bad, ", ")),
		}
	}
	return nil
}

// Sub returns v - base per component.
func (v VectorSet) Sub(base VectorSet) Delta {
	a, b := v.Values(), base.Values()
	var out [NumVectors]float64
	for i := range out {
		out[i] = roundMicro(a[i] - b[i])
	}
	return Delta(VectorSetFromValues(out))
}

// Add returns v + offsets per component. The result is not range checked.
func (v VectorSet) Add(offsets Delta) VectorSet {
	a, b := v.Values(), VectorSet(offsets).Values()
	var out [NumVectors]float64
	for i := range out {
		out[i] = roundMicro(a[i] + b[i])
	}
	return VectorSetFromValues(out)
}

// Get returns the named component of the delta.
func (d Delta) Get(name VectorName) (float64, bool) {
	return VectorSet(d).Get(name)
}

// Values returns the delta components in VectorNames order.
func (d Delta) Values() [NumVectors]float64 {
	return VectorSet(d).Values()
}

// ParseVectorSet decodes a JSON object holding exactly the thirteen named
// components. Unknown keys, missing keys and non-numeric values are rejected.
func ParseVectorSet(data []byte) (VectorSet, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return VectorSet{}, &ValidationError{Message: fmt.Sprintf("vectors must be a JSON object: %v", err)}
	}
	return vectorSetFromRaw(raw)
}

// VectorSetFromMap builds a VectorSet from a loosely typed map, as produced by
// YAML decoding or MCP tool arguments.
func VectorSetFromMap(m map[string]any) (VectorSet, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return VectorSet{}, &ValidationError{Message: fmt.Sprintf("vectors: %v", err)}
	}
	return ParseVectorSet(data)
}

func vectorSetFromRaw(raw map[string]json.RawMessage) (VectorSet, error) {
	var unknown, missing []string
	for k := range raw {
		if !IsVectorName(k) {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)

	var v VectorSet
	fs := v.fields()
	for i, name := range VectorNames {
		msg, ok := raw[string(name)]
		if !ok {
			missing = append(missing, string(name))
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(msg))
		var f float64
		if err := dec.Decode(&f); err != nil {
			return VectorSet{}, &ValidationError{
				Fields:  []string{string(name)},
				Message: fmt.Sprintf("vector %q must be a number", name),
			}
		}
		*fs[i] = f
	}

	switch {
	case len(unknown) > 0:
		return VectorSet{}, &ValidationError{
			Fields:  unknown,
			Message: fmt.Sprintf("unknown vectors: %s", strings.Join(unknown, ", ")),
		}
	case len(missing) > 0:
		return VectorSet{}, &ValidationError{
			Fields:  missing,
			Message: fmt.Sprintf("missing vectors: %s", strings.Join(missing, ", ")),
		}
	}

	if err := v.Validate(); err != nil {
		return VectorSet{}, err
	}
	return v, nil
}

// Micros converts a unit value to integer millionths. Canonical JSON forbids
// floats, so audit payloads carry vectors in this form.
func Micros(v float64) int64 {
	return int64(math.Round(v * 1e6))
}

func roundMicro(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
