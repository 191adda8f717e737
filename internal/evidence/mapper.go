package evidence

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/epistemic/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

//go:embed rules.cue
var defaultRulesCUE string

// Transform names accepted in mapping rules.
const (
	TransformIdentity = "identity"
	TransformInvert   = "invert"
)

// Rule maps one source signal onto one vector.
type Rule struct {
	Signal     string        `json:"signal"`
	Vector     ir.VectorName `json:"vector"`
	Transform  string        `json:"transform"`
	MinQuality ir.Quality    `json:"min_quality"`
}

// Grounded is the evidence-implied value of one vector.
type Grounded struct {
	Value   float64    `json:"value"`
	Quality ir.Quality `json:"quality"`
	Signals []string   `json:"signals"`
}

// Mapper turns an EvidenceBundle into grounded vector values.
type Mapper struct {
	rules []Rule
}

// DefaultMapper returns the mapper built from the embedded rules.
func DefaultMapper() *Mapper {
	m, err := ParseRules([]byte(defaultRulesCUE), "rules.cue")
	if err != nil {
		panic(fmt.Errorf("embedded evidence rules invalid: %w", err))
	}
	return m
}

// LoadMapper reads rules from path, or returns the default when path is "".
func LoadMapper(path string) (*Mapper, error) {
	if path == "" {
		return DefaultMapper(), nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence rules: %w", err)
	}
	return ParseRules(src, path)
}

// ParseRules compiles CUE rule source and validates it against the embedded
// schema.
func ParseRules(src []byte, filename string) (*Mapper, error) {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile evidence schema: %w", err)
	}
	user := cctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", filename, err)
	}

	v := schema.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %w", filename, err)
	}

	var rules []Rule
	if err := v.LookupPath(cue.ParsePath("rules")).Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}
	for i := range rules {
		if rules[i].Transform == "" {
			rules[i].Transform = TransformIdentity
		}
		if rules[i].MinQuality == "" {
			rules[i].MinQuality = ir.QualitySemiObjective
		}
		if !ir.IsVectorName(string(rules[i].Vector)) {
			return nil, fmt.Errorf("%s: rule %d: unknown vector %q", filename, i, rules[i].Vector)
		}
	}
	return &Mapper{rules: rules}, nil
}

// Rules returns a copy of the mapping rules.
func (m *Mapper) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// Groundable reports whether any rule targets name.
func (m *Mapper) Groundable(name ir.VectorName) bool {
	for _, r := range m.rules {
		if r.Vector == name {
			return true
		}
	}
	return false
}

func qualityRank(q ir.Quality) int {
	switch q {
	case ir.QualityObjective:
		return 2
	case ir.QualitySemiObjective:
		return 1
	}
	return 0
}

// Map returns grounded values for the vectors the bundle's items reach.
// Several items mapping to one vector are averaged and the weakest quality
// wins. Vectors with no qualifying item are absent.
func (m *Mapper) Map(b ir.EvidenceBundle) map[ir.VectorName]Grounded {
	type acc struct {
		sum     float64
		n       int
		quality ir.Quality
		signals []string
	}
	accs := map[ir.VectorName]*acc{}

	for _, r := range m.rules {
		for _, it := range b.Items {
			if it.Signal != r.Signal || qualityRank(it.Quality) < qualityRank(r.MinQuality) {
				continue
			}
			if it.Value < 0 || it.Value > 1 {
				continue
			}
			val := it.Value
			if r.Transform == TransformInvert {
				val = 1 - val
			}
			a := accs[r.Vector]
			if a == nil {
				a = &acc{quality: it.Quality}
				accs[r.Vector] = a
			}
			a.sum += val
			a.n++
			if qualityRank(it.Quality) < qualityRank(a.quality) {
				a.quality = it.Quality
			}
			a.signals = append(a.signals, it.Signal)
		}
	}

	out := make(map[ir.VectorName]Grounded, len(accs))
	for name, a := range accs {
		sort.Strings(a.signals)
		out[name] = Grounded{Value: a.sum / float64(a.n), Quality: a.quality, Signals: a.signals}
	}
	return out
}
