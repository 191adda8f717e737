package evidence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/store"
)

// Signal names emitted by the built-in sources.
const (
	SignalGoalCompletion   = "goal_completion"
	SignalUnknownsResolved = "unknowns_resolved_ratio"
	SignalFindings         = "findings_logged"
	SignalTestPassRate     = "test_pass_rate"
	SignalDiffPresent      = "diff_present"
	SignalDiffFiles        = "diff_files_changed"
)

func sortItems(items []ir.EvidenceItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Source != items[j].Source {
			return items[i].Source < items[j].Source
		}
		return items[i].Signal < items[j].Signal
	})
}

// GoalSource reports the subtask completion ratio of the session's goals.
type GoalSource struct {
	Store *store.Store
}

func (GoalSource) Name() string { return "goals" }

func (p GoalSource) Gather(ctx context.Context, t Target) ([]ir.EvidenceItem, error) {
	completed, total, err := p.Store.GoalProgress(ctx, t.SessionID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	return []ir.EvidenceItem{{
		Source:  "goals",
		Signal:  SignalGoalCompletion,
		Value:   float64(completed) / float64(total),
		Quality: ir.QualityObjective,
		Detail:  fmt.Sprintf("%d/%d subtasks completed", completed, total),
	}}, nil
}

// ArtifactSource reports how much of the logged investigation was resolved.
type ArtifactSource struct {
	Store *store.Store
}

func (ArtifactSource) Name() string { return "artifacts" }

func (p ArtifactSource) Gather(ctx context.Context, t Target) ([]ir.EvidenceItem, error) {
	arts, err := p.Store.TransactionArtifacts(ctx, t.TransactionID)
	if err != nil {
		return nil, err
	}
	counts := map[ir.ArtifactKind]int{}
	for _, a := range arts {
		counts[a.Kind]++
	}

	items := []ir.EvidenceItem{{
		Source:  "artifacts",
		Signal:  SignalFindings,
		Value:   float64(counts[ir.ArtifactFinding]),
		Quality: ir.QualitySemiObjective,
	}}
	if u := counts[ir.ArtifactUnknown]; u > 0 {
		ratio := float64(counts[ir.ArtifactResolved]) / float64(u)
		if ratio > 1 {
			ratio = 1
		}
		items = append(items, ir.EvidenceItem{
			Source:  "artifacts",
			Signal:  SignalUnknownsResolved,
			Value:   ratio,
			Quality: ir.QualitySemiObjective,
			Detail:  fmt.Sprintf("%d of %d unknowns resolved", counts[ir.ArtifactResolved], u),
		})
	}
	return items, nil
}

// TestSource runs the configured test command in the project directory.
// Output from `go test -json` is read per test; any other command is judged
// by its exit status.
type TestSource struct {
	Command []string
}

func (TestSource) Name() string { return "tests" }

func (p TestSource) Gather(ctx context.Context, t Target) ([]ir.EvidenceItem, error) {
	if len(p.Command) == 0 {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Dir = t.ProjectPath
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if passed, failed, ok := parseGoTestJSON(stdout.Bytes()); ok {
		return []ir.EvidenceItem{{
			Source:  "tests",
			Signal:  SignalTestPassRate,
			Value:   float64(passed) / float64(passed+failed),
			Quality: ir.QualityObjective,
			Detail:  fmt.Sprintf("%d passed, %d failed", passed, failed),
		}}, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return []ir.EvidenceItem{{Source: "tests", Signal: SignalTestPassRate, Value: 1, Quality: ir.QualityObjective, Detail: "exit 0"}}, nil
	case errors.As(runErr, &exitErr):
		return []ir.EvidenceItem{{
			Source: "tests", Signal: SignalTestPassRate, Value: 0, Quality: ir.QualityObjective,
			Detail: fmt.Sprintf("exit %d", exitErr.ExitCode()),
		}}, nil
	}
	return nil, fmt.Errorf("run %s: %w", p.Command[0], runErr)
}

type testEvent struct {
	Action string `json:"Action"`
	Test   string `json:"Test"`
}

// parseGoTestJSON counts per-test pass and fail events. ok is false when the
// output is not a test2json stream or reports no tests.
func parseGoTestJSON(out []byte) (passed, failed int, ok bool) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			return 0, 0, false
		}
		var ev testEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return 0, 0, false
		}
		if ev.Test == "" {
			continue
		}
		switch ev.Action {
		case "pass":
			passed++
		case "fail":
			failed++
		}
	}
	return passed, failed, passed+failed > 0
}

// DiffSource inspects uncommitted changes with git.
type DiffSource struct{}

func (DiffSource) Name() string { return "diff" }

var shortstatRE = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

func (DiffSource) Gather(ctx context.Context, t Target) ([]ir.EvidenceItem, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--shortstat", "HEAD")
	cmd.Dir = t.ProjectPath
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}
	files, ins, del := parseShortstat(string(out))
	present := 0.0
	if files > 0 {
		present = 1
	}
	return []ir.EvidenceItem{
		{
			Source: "diff", Signal: SignalDiffPresent, Value: present, Quality: ir.QualitySemiObjective,
			Detail: fmt.Sprintf("+%d -%d", ins, del),
		},
		{Source: "diff", Signal: SignalDiffFiles, Value: float64(files), Quality: ir.QualitySemiObjective},
	}, nil
}

func parseShortstat(s string) (files, insertions, deletions int) {
	m := shortstatRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, 0
	}
	atoi := func(x string) int {
		n, _ := strconv.Atoi(x)
		return n
	}
	return atoi(m[1]), atoi(m[2]), atoi(m[3])
}
