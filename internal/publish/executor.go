package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/scheduler"
)

// ExecOptions controls one executor run.
type ExecOptions struct {
	DryRun bool
	// Tag creates and pushes a "v<version>" tag after each successful
	// publish. A pre-existing tag is a warning, not a failure.
	Tag bool
}

// ExecDeps bundles the executor's collaborators.
type ExecDeps struct {
	Registry  *Registry
	Scheduler *scheduler.Scheduler
	Runner    gitx.Runner
	// RepoPath resolves a plan's RepoRef back to its working tree.
	RepoPath func(repoRef string) string
}

// ExecResult is one plan entry's final outcome.
type ExecResult struct {
	Plan    model.PublishPlan
	Outcome model.RepoOutcome
}

// Execute runs every plan entry on the publish lane. Per-entry failures
// never abort the rest of the run; the caller computes the exit code from
// the aggregated statuses.
func Execute(ctx context.Context, plans []model.PublishPlan, deps ExecDeps, opts ExecOptions) ([]ExecResult, *model.SyncStatistics) {
	results := make([]ExecResult, len(plans))
	stats := model.NewSyncStatistics()
	var statsMu sync.Mutex

	var wg sync.WaitGroup
	for i, plan := range plans {
		wg.Add(1)
		go func(i int, plan model.PublishPlan) {
			defer wg.Done()
			outcome := executeOne(ctx, plan, deps, opts)
			statsMu.Lock()
			stats.RecordOutcome(plan.RepoRef, outcome)
			statsMu.Unlock()
			results[i] = ExecResult{Plan: plan, Outcome: outcome}
		}(i, plan)
	}
	wg.Wait()
	return results, stats
}

func executeOne(ctx context.Context, plan model.PublishPlan, deps ExecDeps, opts ExecOptions) model.RepoOutcome {
	started := time.Now()

	if plan.AlreadyPublished == model.PublishedYes {
		return model.RepoOutcome{
			RepoRef: plan.RepoRef, Status: model.StatusSkipped, SkipReason: model.SkipFiltered,
			Message: plan.PackageName + "@" + plan.Version + " already published",
		}
	}

	release, err := deps.Scheduler.Admit(ctx, scheduler.LanePublish)
	if err != nil {
		return model.RepoOutcome{RepoRef: plan.RepoRef, Status: model.StatusFailed, Message: err.Error()}
	}
	defer release()

	adapter := deps.Registry.ByID(plan.AdapterID)
	if adapter == nil {
		return model.RepoOutcome{RepoRef: plan.RepoRef, Status: model.StatusFailed, Message: "no adapter registered for " + plan.AdapterID}
	}
	dir := deps.RepoPath(plan.RepoRef)

	if err := adapter.Publish(ctx, dir, opts.DryRun); err != nil {
		if errors.Is(err, ErrAlreadyPublished) {
			return model.RepoOutcome{
				RepoRef: plan.RepoRef, Status: model.StatusSkipped, SkipReason: model.SkipFiltered,
				Message: plan.PackageName + "@" + plan.Version + " already published", Elapsed: time.Since(started),
			}
		}
		kind := model.ErrorKindUnknown
		if errors.Is(err, ErrAuthRequired) {
			kind = model.ErrorKindAuth
		}
		return model.RepoOutcome{RepoRef: plan.RepoRef, Status: model.StatusFailed, ErrorKind: kind, Message: err.Error(), Elapsed: time.Since(started)}
	}

	message := "published " + plan.PackageName + "@" + plan.Version
	if opts.DryRun {
		message = "dry run: would publish " + plan.PackageName + "@" + plan.Version
	}

	if opts.Tag && !opts.DryRun {
		tagName := "v" + plan.Version
		if err := gitx.TagCreateAndPush(ctx, deps.Runner, dir, tagName); err != nil {
			// The publish itself succeeded; a failed tag push is recorded,
			// never rolled back.
			message += " (tag " + tagName + " push failed)"
		} else {
			message += " (tagged " + tagName + ")"
		}
	}

	return model.RepoOutcome{RepoRef: plan.RepoRef, Status: model.StatusSynced, Message: message, Elapsed: time.Since(started)}
}
