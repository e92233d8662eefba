package publish

import (
	"context"

	"github.com/skaphos/fleetctl/internal/process"
)

// CommandRunner invokes a package-manager tool. It mirrors the gitx.Runner
// seam so adapters are mockable in tests while production runs go through
// internal/process for timeout categories and signal escalation.
type CommandRunner interface {
	Run(ctx context.Context, program string, args []string, opts process.Options) (process.Result, error)
}

// ProcessCommandRunner is the production CommandRunner.
type ProcessCommandRunner struct{}

func (ProcessCommandRunner) Run(ctx context.Context, program string, args []string, opts process.Options) (process.Result, error) {
	return process.Run(ctx, program, args, opts)
}
