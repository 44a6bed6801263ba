package report

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

const prBodyTemplate = `## Summary
Autonomous batch run over %s

## Results
- %d of %d tasks completed
- %d loop iteration(s)
- elapsed: %s

---
Created by Autorun Orchestrator
`

// PRCreator opens a pull request for the changes an agent made during a
// run, using the gh CLI in the run's working directory.
type PRCreator struct {
	repoDir string
}

// NewPRCreator creates a PRCreator rooted at repoDir
func NewPRCreator(repoDir string) *PRCreator {
	return &PRCreator{repoDir: repoDir}
}

// BuildPRBody constructs the PR body from a run outcome
func BuildPRBody(outcome domain.RunOutcome) string {
	return fmt.Sprintf(prBodyTemplate,
		outcome.Folder,
		outcome.CompletedTasks,
		outcome.TotalTasks,
		outcome.LoopIterations,
		outcome.Elapsed.Round(time.Second),
	)
}

// Create pushes the current branch and opens a PR. Returns the PR URL.
func (p *PRCreator) Create(ctx context.Context, outcome domain.RunOutcome) (string, error) {
	branchCmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	branchCmd.Dir = p.repoDir
	branchOut, err := branchCmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	branch := strings.TrimSpace(string(branchOut))

	pushCmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
	pushCmd.Dir = p.repoDir
	if out, err := pushCmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git push: %s: %w", out, err)
	}

	title := fmt.Sprintf("Batch run: %d task(s) in %s", outcome.CompletedTasks, outcome.Folder)
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", title,
		"--body", BuildPRBody(outcome),
		"--head", branch,
	)
	cmd.Dir = p.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %s: %w", out, err)
	}

	return strings.TrimSpace(string(out)), nil
}
