package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: minimal
description: "one preflight"
defaults:
  uniform: 0.4
  vectors: { know: 0.2 }
settings:
  anti_gaming: false
  min_window: 10s
  thresholds: { know: 0.6, uncertainty: 0.4 }
evidence:
  - { source: tests, signal: test_pass_rate, value: 0.9, quality: OBJECTIVE }
steps:
  - op: preflight
    vectors: { uncertainty: 0.9 }
`))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, "agent", s.Identity, "identity defaults")
	assert.Equal(t, 0.4, s.Defaults.Uniform)
	assert.Equal(t, 0.2, s.Defaults.Vectors["know"])
	require.NotNil(t, s.Settings.AntiGaming)
	assert.False(t, *s.Settings.AntiGaming)
	require.NotNil(t, s.Settings.Thresholds)
	assert.Equal(t, 0.6, s.Settings.Thresholds.Know)
	require.Len(t, s.Evidence, 1)
	assert.Equal(t, "test_pass_rate", s.Evidence[0].Signal)
	assert.Equal(t, 0.9, s.Steps[0].Vectors["uncertainty"])
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nsteps: [{op: verify}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nsteps: [{op: verify}]\n",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: n\ndescription: d\n",
			want: "steps list is required",
		},
		{
			name: "unknown field",
			yaml: "name: n\ndescription: d\nstep: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "unknown op",
			yaml: "name: n\ndescription: d\nsteps: [{op: launch}]\n",
			want: `unknown op "launch"`,
		},
		{
			name: "unknown vector",
			yaml: "name: n\ndescription: d\nsteps: [{op: preflight, vectors: {confidence: 0.5}}]\n",
			want: `unknown vector "confidence"`,
		},
		{
			name: "advance without duration",
			yaml: "name: n\ndescription: d\nsteps: [{op: advance}]\n",
			want: "advance needs a duration",
		},
		{
			name: "authorize without tool",
			yaml: "name: n\ndescription: d\nsteps: [{op: authorize}]\n",
			want: "authorize needs a tool",
		},
		{
			name: "bad gate mode",
			yaml: "name: n\ndescription: d\nsettings: {gate_mode: strict}\nsteps: [{op: verify}]\n",
			want: "settings.gate_mode",
		},
		{
			name: "uniform out of range",
			yaml: "name: n\ndescription: d\ndefaults: {uniform: 2}\nsteps: [{op: verify}]\n",
			want: "defaults.uniform",
		},
		{
			name: "final_state without expect",
			yaml: "name: n\ndescription: d\nsteps: [{op: verify}]\nassertions: [{type: final_state, table: goals}]\n",
			want: "expect is required for final_state",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nsteps: [{op: verify}]\nassertions: [{type: trace_exists}]\n",
			want: `unknown assertion type "trace_exists"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestGoldenFiles_WriteAndCompare(t *testing.T) {
	dir := t.TempDir()
	scenarioFile := filepath.Join(dir, "loop.yaml")
	path := GoldenPath(scenarioFile)
	assert.Equal(t, filepath.Join(dir, "golden", "loop.golden"), path)

	result := NewResult()
	result.AddTrace(TraceEvent{Op: OpAdvance, OK: true, Fields: map[string]any{"by": "1s"}})

	_, err := CompareGolden(path, "loop", result)
	require.Error(t, err, "missing golden file")

	require.NoError(t, WriteGolden(path, "loop", result))
	match, err := CompareGolden(path, "loop", result)
	require.NoError(t, err)
	assert.True(t, match)

	result.AddTrace(TraceEvent{Op: OpVerify, OK: true})
	match, err = CompareGolden(path, "loop", result)
	require.NoError(t, err)
	assert.False(t, match)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name": "loop"`)
}
