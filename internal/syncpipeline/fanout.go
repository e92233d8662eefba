package syncpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/progress"
	"github.com/skaphos/fleetctl/internal/scheduler"
)

// StageOptions configures a Stage fan-out run.
type StageOptions struct {
	Pattern string
}

// Stage adds Pattern to the index in every repo, single-stage, sharing the
// local-ops lane (no network involved).
func Stage(ctx context.Context, repos []model.Repo, deps Deps, opts StageOptions) ([]PushResult, *model.SyncStatistics) {
	return fanOut(ctx, repos, deps, func(ctx context.Context, repo model.Repo) model.RepoOutcome {
		started := time.Now()
		if err := gitx.Stage(ctx, deps.Runner, repo.Path, opts.Pattern); err != nil {
			return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: classify(err), Message: err.Error(), Elapsed: time.Since(started)}
		}
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusSynced, Elapsed: time.Since(started)}
	})
}

// UnstageOptions configures an Unstage fan-out run.
type UnstageOptions struct {
	Pattern string
}

// Unstage removes Pattern from the index in every repo without touching the
// working tree.
func Unstage(ctx context.Context, repos []model.Repo, deps Deps, opts UnstageOptions) ([]PushResult, *model.SyncStatistics) {
	return fanOut(ctx, repos, deps, func(ctx context.Context, repo model.Repo) model.RepoOutcome {
		started := time.Now()
		if err := gitx.Unstage(ctx, deps.Runner, repo.Path, opts.Pattern); err != nil {
			return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: classify(err), Message: err.Error(), Elapsed: time.Since(started)}
		}
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusSynced, Elapsed: time.Since(started)}
	})
}

// CommitOptions configures a Commit fan-out run.
type CommitOptions struct {
	Message      string
	IncludeEmpty bool
}

// Commit records a commit in every repo with a staged (or, with
// IncludeEmpty, unconditional) change. A repo with nothing staged is
// reported Skipped rather than Failed.
func Commit(ctx context.Context, repos []model.Repo, deps Deps, opts CommitOptions) ([]PushResult, *model.SyncStatistics) {
	return fanOut(ctx, repos, deps, func(ctx context.Context, repo model.Repo) model.RepoOutcome {
		started := time.Now()
		committed, err := gitx.Commit(ctx, deps.Runner, repo.Path, opts.Message, opts.IncludeEmpty)
		if err != nil {
			return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: classify(err), Message: err.Error(), Elapsed: time.Since(started)}
		}
		if !committed {
			return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusSkipped, SkipReason: model.SkipFiltered, Message: "nothing staged to commit", Elapsed: time.Since(started)}
		}
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusSynced, Elapsed: time.Since(started)}
	})
}

// fanOut runs op over every repo on the local-ops lane, one goroutine per
// repo, with no ordering guarantee beyond the serialized statistics
// collector.
func fanOut(ctx context.Context, repos []model.Repo, deps Deps, op func(context.Context, model.Repo) model.RepoOutcome) ([]PushResult, *model.SyncStatistics) {
	sink := deps.sink()
	sink.Begin(len(repos))
	col := newCollector(len(repos))

	results := make([]PushResult, len(repos))
	var wg sync.WaitGroup
	for i, repo := range repos {
		wg.Add(1)
		go func(i int, repo model.Repo) {
			defer wg.Done()
			release, err := deps.Scheduler.Admit(ctx, scheduler.LaneLocalOps)
			if err != nil {
				outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, Message: err.Error()}
				col.record(repo.Name, outcome)
				results[i] = PushResult{Repo: repo, Outcome: outcome}
				return
			}
			sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoRunning, Started: time.Now()})
			outcome := op(ctx, repo)
			release()
			state := progress.RepoDone
			if outcome.Status == model.StatusFailed {
				state = progress.RepoFailed
			} else if outcome.Status == model.StatusSkipped {
				state = progress.RepoSkipped
			}
			sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: state})
			col.record(repo.Name, outcome)
			results[i] = PushResult{Repo: repo, Outcome: outcome}
		}(i, repo)
	}
	wg.Wait()

	stats := col.snapshot()
	sink.Finish(toProgressStats(stats))
	return results, stats
}
