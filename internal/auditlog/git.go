package auditlog

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// RefPrefix namespaces audit refs inside the repository.
const RefPrefix = "refs/epistemic/audit/"

// zeroOID makes update-ref refuse to overwrite an existing ref.
const zeroOID = "0000000000000000000000000000000000000000"

// GitRefs stores each payload as a git blob pointed to by
// refs/epistemic/audit/<ref>. Pushing those refs replicates the log.
type GitRefs struct {
	dir string
	git string
}

// NewGitRefs returns a log writing into the repository at dir.
func NewGitRefs(dir string) (*GitRefs, error) {
	bin, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git audit log: %w", err)
	}
	g := &GitRefs{dir: dir, git: bin}
	if _, err := g.run(context.Background(), nil, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("git audit log: %s is not a repository: %w", dir, err)
	}
	return g, nil
}

func (g *GitRefs) Name() string { return "git" }

func (g *GitRefs) Append(ctx context.Context, ref string, payload []byte) error {
	oid, err := g.run(ctx, payload, "hash-object", "-w", "--stdin")
	if err != nil {
		return fmt.Errorf("git hash-object: %w", err)
	}

	name := RefPrefix + ref
	if _, err := g.run(ctx, nil, "update-ref", name, oid, zeroOID); err != nil {
		existing, rerr := g.run(ctx, nil, "rev-parse", "--verify", "--quiet", name)
		if rerr == nil && existing == oid {
			return nil
		}
		if rerr == nil {
			return fmt.Errorf("%s: %w", ref, ErrConflict)
		}
		return fmt.Errorf("git update-ref: %w", err)
	}
	return nil
}

func (g *GitRefs) Read(ctx context.Context, ref string) ([]byte, error) {
	name := RefPrefix + ref
	if _, err := g.run(ctx, nil, "rev-parse", "--verify", "--quiet", name); err != nil {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	cmd := exec.CommandContext(ctx, g.git, "cat-file", "blob", name)
	cmd.Dir = g.dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git cat-file: %w", err)
	}
	return out, nil
}

// run executes git and returns trimmed stdout.
func (g *GitRefs) run(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.git, args...)
	cmd.Dir = g.dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
