package policy

import "strings"

// Classifier sorts tools into noetic and praxic. A tool listed as praxic is
// praxic even if it is also listed as noetic. Unknown tools are praxic.
type Classifier struct {
	noetic map[string]bool
	praxic map[string]bool
}

// NewClassifier builds a classifier from tool name lists. Names match
// case-insensitively.
func NewClassifier(noetic, praxic []string) Classifier {
	c := Classifier{noetic: map[string]bool{}, praxic: map[string]bool{}}
	for _, t := range noetic {
		c.noetic[strings.ToLower(t)] = true
	}
	for _, t := range praxic {
		c.praxic[strings.ToLower(t)] = true
	}
	return c
}

// DefaultClassifier matches the documented config defaults.
func DefaultClassifier() Classifier {
	return NewClassifier(
		[]string{"Read", "Grep", "Glob", "LS", "WebFetch", "WebSearch", "resolve-context", "get-calibration", "log", "goal"},
		[]string{"Edit", "Write", "MultiEdit", "NotebookEdit", "Bash"},
	)
}

func (c Classifier) Classify(tool string) Kind {
	key := strings.ToLower(strings.TrimSpace(tool))
	if c.noetic[key] && !c.praxic[key] {
		return KindNoetic
	}
	return KindPraxic
}
