package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAssessment() Assessment {
	return Assessment{
		ID:            "a-1",
		SessionID:     "s-1",
		TransactionID: "t-1",
		Phase:         PhasePreflight,
		Round:         0,
		Vectors:       uniformVectors(0.5).With(VectorKnow, 0.25),
		Reasoning:     "initial read of the code",
		Metadata:      map[string]any{"correction": 0.1},
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAssessmentRefDeterministic(t *testing.T) {
	a := sampleAssessment()

	ref1, payload1, err := AssessmentRef(a)
	require.NoError(t, err)
	ref2, payload2, err := AssessmentRef(a)
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, payload1, payload2)
	assert.Len(t, ref1, 64)
	assert.Contains(t, string(payload1), `"know":250000`)
}

func TestAssessmentRefIgnoresMetadata(t *testing.T) {
	a := sampleAssessment()
	b := sampleAssessment()
	b.Metadata = map[string]any{"other": "value"}

	refA, _, err := AssessmentRef(a)
	require.NoError(t, err)
	refB, _, err := AssessmentRef(b)
	require.NoError(t, err)
	assert.Equal(t, refA, refB)
}

func TestAssessmentRefChangesWithContent(t *testing.T) {
	base, _, err := AssessmentRef(sampleAssessment())
	require.NoError(t, err)

	mutations := map[string]func(*Assessment){
		"phase":     func(a *Assessment) { a.Phase = PhaseCheck },
		"round":     func(a *Assessment) { a.Round = 1 },
		"vector":    func(a *Assessment) { a.Vectors.Impact = 0.500001 },
		"session":   func(a *Assessment) { a.SessionID = "s-2" },
		"reasoning": func(a *Assessment) { a.Reasoning = "changed" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			a := sampleAssessment()
			mutate(&a)
			ref, _, err := AssessmentRef(a)
			require.NoError(t, err)
			assert.NotEqual(t, base, ref)
		})
	}
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t,
		hashWithDomain(DomainAssessment, data),
		hashWithDomain(DomainEvidence, data))
}

func TestEvidenceRef(t *testing.T) {
	b := EvidenceBundle{
		TransactionID: "t-1",
		Items: []EvidenceItem{
			{Source: "goals", Signal: "goals.completion_ratio", Value: 0.9, Quality: QualityObjective},
		},
	}
	ref1, err := EvidenceRef(b)
	require.NoError(t, err)

	b.Partial = true
	ref2, err := EvidenceRef(b)
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)
}
