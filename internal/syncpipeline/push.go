package syncpipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/progress"
	"github.com/skaphos/fleetctl/internal/scheduler"
)

// fetchLaneResult is the classified outcome of the fetch phase for one repo,
// the handoff unit between the fetch lane and the push lane.
type fetchLaneResult struct {
	repo    model.Repo
	state   string // "NeedsPush" when handed to the push phase; empty when outcome is set
	ahead   int
	branch  string
	remote  string
	outcome *model.RepoOutcome // set when the repo is already terminal (no push phase follows)
}

// PushResult is one repo's final outcome from the push pipeline.
type PushResult struct {
	Repo    model.Repo
	Outcome model.RepoOutcome
}

// Push runs the two-phase fetch->push pipeline: every repo is fetched on
// the git-fetch lane, and as soon as a fetch classifies NeedsPush, that
// repo is submitted to the git-push lane. There is no barrier between the
// phases -- the push lane drains as fetches complete, not after all of
// them finish.
func Push(ctx context.Context, repos []model.Repo, deps Deps, force bool) ([]PushResult, *model.SyncStatistics) {
	sink := deps.sink()
	sink.Begin(len(repos))
	col := newCollector(len(repos))

	// Handoff channel sized to the fetch lane. The loop below starts a push
	// goroutine for each result as it arrives, and each of those waits for a
	// git-push lane slot, so fetches are not held back by push throughput.
	handoff := make(chan fetchLaneResult, deps.Scheduler.Width(scheduler.LaneGitFetch))
	results := make(chan PushResult, len(repos))

	var fetchWG, pushWG sync.WaitGroup

	for _, repo := range repos {
		fetchWG.Add(1)
		go func(repo model.Repo) {
			defer fetchWG.Done()
			fr := runFetchPhase(ctx, repo, deps, force, sink)
			if fr.outcome != nil {
				col.record(repo.Name, *fr.outcome)
				results <- PushResult{Repo: repo, Outcome: *fr.outcome}
				return
			}
			select {
			case handoff <- fr:
			case <-ctx.Done():
			}
		}(repo)
	}

	go func() {
		fetchWG.Wait()
		close(handoff)
	}()

	for fr := range handoff {
		pushWG.Add(1)
		go func(fr fetchLaneResult) {
			defer pushWG.Done()
			outcome := runPushPhase(ctx, fr, deps, force, sink)
			col.record(fr.repo.Name, outcome)
			results <- PushResult{Repo: fr.repo, Outcome: outcome}
		}(fr)
	}
	pushWG.Wait()
	close(results)

	out := make([]PushResult, 0, len(repos))
	for r := range results {
		out = append(out, r)
	}
	stats := col.snapshot()
	sink.Finish(toProgressStats(stats))
	return out, stats
}

// runFetchPhase classifies one repo. Terminal outcomes are returned via
// fetchLaneResult.outcome and recorded by the caller; this function never
// touches the statistics collector so every repo is counted exactly once.
func runFetchPhase(ctx context.Context, repo model.Repo, deps Deps, force bool, sink progress.Sink) fetchLaneResult {
	started := time.Now()
	sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoRunning, Started: started})

	if repo.RemoteURL == "" {
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusSkipped, SkipReason: model.SkipNoRemote, Elapsed: time.Since(started)}
		sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoSkipped})
		return fetchLaneResult{repo: repo, outcome: &outcome}
	}

	release, err := deps.Scheduler.Admit(ctx, scheduler.LaneGitFetch)
	if err != nil {
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: model.ErrorKindUnknown, Message: err.Error()}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	}
	defer release()

	host := remoteHost(repo.RemoteURL)
	if err := deps.Scheduler.AwaitHost(ctx, host); err != nil {
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, Message: err.Error()}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	}

	fetchErr := gitx.Fetch(ctx, deps.Runner, repo.Path)
	if fetchErr != nil && gitx.ClassifyError(fetchErr) == "rate_limited" {
		backoff := deps.Scheduler.MarkRateLimited(host)
		// The pause is surfaced through the sink only; the collector sees
		// one terminal outcome per repo, decided after the single retry.
		sink.Tick(progress.RepoUpdate{RepoID: repo.Name, Path: repo.Path, State: progress.RepoRateLimited, Detail: fmt.Sprintf("retrying after %s", backoff)})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: model.ErrorKindTimeout, Message: ctx.Err().Error()}
			return fetchLaneResult{repo: repo, outcome: &outcome}
		}
		// Exactly one retry per scheduler-driven rate-limit pause.
		fetchErr = gitx.Fetch(ctx, deps.Runner, repo.Path)
		if fetchErr == nil {
			deps.Scheduler.ClearHost(host)
		}
	}
	if fetchErr != nil {
		kind := classify(fetchErr)
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: kind, Message: fetchErr.Error(), Elapsed: time.Since(started)}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	}

	tracking, _ := gitx.TrackingStatus(ctx, deps.Runner, repo.Path)
	head, _ := gitx.Head(ctx, deps.Runner, repo.Path)
	if head.Detached {
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusSkipped, SkipReason: model.SkipDetachedHead, Elapsed: time.Since(started)}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	}

	switch tracking.Status {
	case model.TrackingNone:
		if force {
			// No upstream yet: the push phase sets one and pushes.
			return fetchLaneResult{repo: repo, state: "NeedsPush", branch: head.Branch, remote: "origin"}
		}
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusNoUpstream, Elapsed: time.Since(started)}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	case model.TrackingGone:
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusNoUpstream, Message: "upstream ref is gone", Elapsed: time.Since(started)}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	case model.TrackingDiverged:
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusFailed, ErrorKind: model.ErrorKindConflict, Message: "local and upstream have diverged", Elapsed: time.Since(started)}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	case model.TrackingAhead:
		ahead := 0
		if tracking.Ahead != nil {
			ahead = *tracking.Ahead
		}
		return fetchLaneResult{repo: repo, state: "NeedsPush", ahead: ahead, branch: head.Branch, remote: "origin"}
	default: // TrackingEqual, TrackingBehind: push has nothing to do
		outcome := model.RepoOutcome{RepoRef: repo.Name, Status: model.StatusUpToDate, Elapsed: time.Since(started)}
		return fetchLaneResult{repo: repo, outcome: &outcome}
	}
}

func runPushPhase(ctx context.Context, fr fetchLaneResult, deps Deps, force bool, sink progress.Sink) model.RepoOutcome {
	started := time.Now()
	release, err := deps.Scheduler.Admit(ctx, scheduler.LaneGitPush)
	if err != nil {
		return model.RepoOutcome{RepoRef: fr.repo.Name, Status: model.StatusFailed, Message: err.Error()}
	}
	defer release()

	if fr.repo.LFSEnabled {
		if err := gitx.PushLFSObjects(ctx, deps.Runner, fr.repo.Path, fr.remote); err != nil {
			return model.RepoOutcome{RepoRef: fr.repo.Name, Status: model.StatusFailed, ErrorKind: classify(err), Message: "lfs push: " + err.Error(), Elapsed: time.Since(started)}
		}
	}

	pushErr := gitx.Push(ctx, deps.Runner, fr.repo.Path)
	if pushErr != nil {
		if gitx.ClassifyError(pushErr) == "missing_remote" || isNoUpstreamError(pushErr) {
			if !force {
				sink.Tick(progress.RepoUpdate{RepoID: fr.repo.Name, Path: fr.repo.Path, State: progress.RepoSkipped})
				return model.RepoOutcome{RepoRef: fr.repo.Name, Status: model.StatusNoUpstream, Elapsed: time.Since(started)}
			}
			if err := gitx.PushSetUpstream(ctx, deps.Runner, fr.repo.Path, fr.remote, fr.branch); err != nil {
				sink.Tick(progress.RepoUpdate{RepoID: fr.repo.Name, Path: fr.repo.Path, State: progress.RepoFailed})
				return model.RepoOutcome{RepoRef: fr.repo.Name, Status: model.StatusFailed, ErrorKind: classify(err), Message: err.Error(), Elapsed: time.Since(started)}
			}
			sink.Tick(progress.RepoUpdate{RepoID: fr.repo.Name, Path: fr.repo.Path, State: progress.RepoDone})
			return model.RepoOutcome{RepoRef: fr.repo.Name, Status: model.StatusPushed, CommitsPushed: uint32(fr.ahead), Elapsed: time.Since(started)}
		}
		sink.Tick(progress.RepoUpdate{RepoID: fr.repo.Name, Path: fr.repo.Path, State: progress.RepoFailed})
		return model.RepoOutcome{RepoRef: fr.repo.Name, Status: model.StatusFailed, ErrorKind: classify(pushErr), Message: pushErr.Error(), Elapsed: time.Since(started)}
	}
	sink.Tick(progress.RepoUpdate{RepoID: fr.repo.Name, Path: fr.repo.Path, State: progress.RepoDone})
	return model.RepoOutcome{RepoRef: fr.repo.Name, Status: model.StatusPushed, CommitsPushed: uint32(fr.ahead), Elapsed: time.Since(started)}
}

func isNoUpstreamError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "has no upstream branch") || strings.Contains(msg, "set-upstream")
}

func toProgressStats(s *model.SyncStatistics) *progress.Statistics {
	ps := &progress.Statistics{}
	ps.SetTotal(s.Total)
	for i := 0; i < s.Pushed+s.Pulled+s.UpToDate+s.Synced; i++ {
		ps.Record(progress.RepoDone)
	}
	for i := 0; i < s.Failed; i++ {
		ps.Record(progress.RepoFailed)
	}
	for i := 0; i < s.Skipped; i++ {
		ps.Record(progress.RepoSkipped)
	}
	return ps
}
