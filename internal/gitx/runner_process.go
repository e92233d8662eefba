package gitx

import (
	"context"
	"strings"

	"github.com/skaphos/fleetctl/internal/process"
)

// ProcessRunner is the production Runner: it shells out to git through
// internal/process so every invocation gets the 180s git timeout category,
// SIGTERM-then-SIGKILL escalation, and context cancellation.
type ProcessRunner struct {
	// GitBin is the path to the git binary. Defaults to "git".
	GitBin string
}

// Run executes a git command and returns combined stdout/stderr, matching
// GitRunner's contract so the two are interchangeable Runner implementations.
func (p *ProcessRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := p.GitBin
	if bin == "" {
		bin = "git"
	}
	result, err := process.Run(ctx, bin, args, process.Options{Dir: dir, Category: process.CategoryGit})
	combined := strings.TrimSpace(string(result.Stdout) + string(result.Stderr))
	if err != nil {
		return combined, err
	}
	return combined, nil
}
