package subrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
)

// SyncOptions controls how a drifted group is realigned.
type SyncOptions struct {
	Target string // commit sha to converge on
	Stash  bool
	Force  bool // reset --hard; ignored if Stash is set, per spec precedence
}

// InstanceOutcome is one nested repo's result from a sync/update run.
type InstanceOutcome struct {
	RelativePath  string
	ParentRepoRef string
	Status        model.Status
	SkipReason    model.SkipReason
	Message       string
	Stashed       bool
}

// Sync visits every instance of a group and converges its working tree on
// opts.Target, following the dirty-handling precedence: --stash wins over
// --force when both are given; with neither, a dirty instance is skipped.
func Sync(ctx context.Context, runner gitx.Runner, repoPaths map[string]string, group model.SubrepoGroup, opts SyncOptions) []InstanceOutcome {
	outcomes := make([]InstanceOutcome, 0, len(group.Instances))
	for _, inst := range group.Instances {
		dir, ok := repoPaths[inst.ParentRepoRef+"/"+inst.RelativePath]
		if !ok {
			outcomes = append(outcomes, InstanceOutcome{
				RelativePath: inst.RelativePath, ParentRepoRef: inst.ParentRepoRef,
				Status: model.StatusFailed, Message: "instance path not resolvable",
			})
			continue
		}
		outcomes = append(outcomes, syncOne(ctx, runner, dir, inst, opts))
	}
	return outcomes
}

func syncOne(ctx context.Context, runner gitx.Runner, dir string, inst model.NestedRepo, opts SyncOptions) InstanceOutcome {
	base := InstanceOutcome{RelativePath: inst.RelativePath, ParentRepoRef: inst.ParentRepoRef}

	clean, err := gitx.DiffIndex(ctx, runner, dir)
	if err != nil {
		base.Status = model.StatusFailed
		base.Message = err.Error()
		return base
	}

	if !clean && !opts.Stash && !opts.Force {
		base.Status = model.StatusSkipped
		base.SkipReason = model.SkipDirtyWorktree
		return base
	}

	if !clean && opts.Stash {
		stashed, err := gitx.StashPush(ctx, runner, dir, fmt.Sprintf("fleetctl subrepo sync %s", time.Now().UTC().Format(time.RFC3339)))
		if err != nil {
			base.Status = model.StatusFailed
			base.Message = "stash: " + err.Error()
			return base
		}
		base.Stashed = stashed
		if err := gitx.CheckoutSHA(ctx, runner, dir, opts.Target); err != nil {
			base.Status = model.StatusFailed
			base.Message = "checkout: " + err.Error()
			return base
		}
		base.Status = model.StatusSynced
		return base
	}

	if !clean && opts.Force {
		if err := gitx.ResetHard(ctx, runner, dir, opts.Target); err != nil {
			base.Status = model.StatusFailed
			base.Message = "reset --hard: " + err.Error()
			return base
		}
		base.Status = model.StatusSynced
		return base
	}

	// Clean working tree: a plain checkout suffices.
	if err := gitx.CheckoutSHA(ctx, runner, dir, opts.Target); err != nil {
		base.Status = model.StatusFailed
		base.Message = "checkout: " + err.Error()
		return base
	}
	base.Status = model.StatusSynced
	return base
}

// ResolveUpdateTarget finds the sync target for an `update` run: the head
// commit of the first of origin/HEAD, origin/main, origin/master that
// resolves in dir. Returns "" with no error if none resolve.
func ResolveUpdateTarget(ctx context.Context, runner gitx.Runner, dir string) (string, error) {
	return gitx.RemoteHead(ctx, runner, dir)
}
