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

// Pull fetches and rebases every repo's current branch onto its upstream.
// It is the mirror of Push's fetch phase: single-stage, sharing the
// git-fetch lane, pre-fetching LFS objects before checkout and aborting any
// repo whose fetch reveals a merge conflict.
func Pull(ctx context.Context, repos []model.Repo, deps Deps) ([]PushResult, *model.SyncStatistics) {
	sink := deps.sink()
	sink.Begin(len(repos))
	col := newCollector(len(repos))

	results := make([]PushResult, len(repos))
	var wg sync.WaitGroup
	for i, repo := range repos {
		wg.Add(1)
		go func(i int, repo model.Repo) {
			defer wg.Done()
			outcome := pullOne(ctx, repo, deps, sink)
			col.record(repo.Name, outcome)
			results[i] = PushResult{Repo: repo, Outcome: outcome}
		}(i, repo)
	}
	wg.Wait()

	stats := col.snapshot()
	sink.Finish(toProgressStats(stats))
	return results, stats
}

func pullOne(ctx context.Context, repo model.Repo, deps Deps, sink progress.Sink) model.RepoOutcome {
	started := time.Now()
	sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoRunning, Started: started})

	if repo.RemoteURL == "" {
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusSkipped, SkipReason: model.SkipNoRemote}
	}

	release, err := deps.Scheduler.Admit(ctx, scheduler.LaneGitFetch)
	if err != nil {
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, Message: err.Error()}
	}
	defer release()

	host := remoteHost(repo.RemoteURL)
	if err := deps.Scheduler.AwaitHost(ctx, host); err != nil {
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, Message: err.Error()}
	}

	if repo.LFSEnabled {
		if err := gitx.FetchLFSObjects(ctx, deps.Runner, repo.Path); err != nil {
			// LFS pre-fetch failure is not fatal to the pull itself; git
			// will lazily fetch missing objects on checkout.
			_ = err
		}
	}

	fetchErr := gitx.Fetch(ctx, deps.Runner, repo.Path)
	if fetchErr != nil && gitx.ClassifyError(fetchErr) == "rate_limited" {
		backoff := deps.Scheduler.MarkRateLimited(host)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: model.ErrorKindTimeout}
		}
		fetchErr = gitx.Fetch(ctx, deps.Runner, repo.Path)
		if fetchErr == nil {
			deps.Scheduler.ClearHost(host)
		}
	}
	if fetchErr != nil {
		sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoFailed})
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: classify(fetchErr), Message: fetchErr.Error(), Elapsed: time.Since(started)}
	}

	tracking, _ := gitx.TrackingStatus(ctx, deps.Runner, repo.Path)
	if tracking.Status == model.TrackingNone {
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusNoUpstream, Elapsed: time.Since(started)}
	}
	if tracking.Status == model.TrackingEqual {
		sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoDone})
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusUpToDate, Elapsed: time.Since(started)}
	}

	behind := 0
	if tracking.Behind != nil {
		behind = *tracking.Behind
	}
	if err := gitx.PullRebase(ctx, deps.Runner, repo.Path); err != nil {
		kind := model.ErrorKindUnknown
		if gitx.ClassifyError(err) == "timeout" {
			kind = model.ErrorKindTimeout
		}
		if tracking.Status == model.TrackingDiverged {
			kind = model.ErrorKindConflict
		}
		sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoFailed})
		return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: kind, Message: err.Error(), Elapsed: time.Since(started)}
	}
	sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoDone})
	return model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusPulled, CommitsPulled: uint32(behind), Elapsed: time.Since(started)}
}
