// Package scheduler provides bounded-concurrency lanes with staggered
// starts and per-remote-host rate-limit backoff, shared by every fan-out
// pipeline in the core.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Lane names the scheduler's named concurrency pools.
type Lane string

const (
	LaneGitFetch   Lane = "git-fetch"
	LaneGitPush    Lane = "git-push"
	LaneLocalOps   Lane = "local-ops"
	LanePublish    Lane = "publish"
	LaneAuditHeavy Lane = "audit-heavy"
	LaneAuditLight Lane = "audit-light"
)

// defaultWidth returns lane's default width before any --jobs/--sequential
// override is applied.
func defaultWidth(lane Lane) int {
	cpu := runtime.NumCPU()
	switch lane {
	case LaneGitFetch:
		return clamp(cpu+2, 1, 24)
	case LaneGitPush:
		return clamp(cpu+2, 1, 12)
	case LaneLocalOps:
		return clamp(cpu*2, 1, 32)
	case LanePublish:
		return 8
	case LaneAuditHeavy:
		return 1
	case LaneAuditLight:
		return 3
	default:
		return clamp(cpu, 1, 8)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// staggerSpacing is the minimum inter-start delay enforced within a lane to
// avoid connection bursts against a single remote.
const staggerSpacing = 25 * time.Millisecond

// Options configures a Scheduler. Jobs, when non-zero, clamps every lane's
// width to min(laneDefault, Jobs); Sequential clamps every lane to 1 and
// takes precedence over Jobs.
type Options struct {
	Jobs       int
	Sequential bool
}

// Scheduler mediates lane admission, staggered starts, and rate-limit
// backoff for one CLI invocation. The zero value is not usable; construct
// with New.
type Scheduler struct {
	lanes map[Lane]*lane
	rl    *rateLimiter
}

type lane struct {
	sem       chan struct{}
	mu        sync.Mutex
	lastStart time.Time
}

// New constructs a Scheduler with the given overrides applied to every lane.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		lanes: make(map[Lane]*lane),
		rl:    newRateLimiter(),
	}
	for _, l := range []Lane{LaneGitFetch, LaneGitPush, LaneLocalOps, LanePublish, LaneAuditHeavy, LaneAuditLight} {
		width := defaultWidth(l)
		if opts.Sequential {
			width = 1
		} else if opts.Jobs > 0 && opts.Jobs < width {
			width = opts.Jobs
		}
		if width < 1 {
			width = 1
		}
		s.lanes[l] = &lane{sem: make(chan struct{}, width)}
	}
	return s
}

// Width reports the configured concurrency width of lane, for tests that
// assert observed concurrency never exceeds it.
func (s *Scheduler) Width(l Lane) int {
	return cap(s.lanes[l].sem)
}

// Admit blocks until a slot in lane is free, honors lane-wide staggered
// start spacing, and returns a release function the caller must call
// exactly once when the unit of work completes. It returns ctx.Err() if ctx
// is cancelled while waiting.
func (s *Scheduler) Admit(ctx context.Context, l Lane) (func(), error) {
	ln := s.lanes[l]
	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ln.mu.Lock()
	wait := staggerSpacing - time.Since(ln.lastStart)
	if wait < 0 {
		wait = 0
	}
	ln.lastStart = time.Now().Add(wait)
	ln.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-ln.sem
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-ln.sem })
	}
	return release, nil
}

// AwaitHost blocks while host is in an active rate-limit backoff window.
// It returns immediately if the host has never been rate limited or its
// backoff has expired.
func (s *Scheduler) AwaitHost(ctx context.Context, host string) error {
	return s.rl.await(ctx, host)
}

// MarkRateLimited records a rate-limit event for host, pausing new task
// starts for that host for an exponentially increasing backoff window
// (2s doubling to a 30s cap per consecutive event).
func (s *Scheduler) MarkRateLimited(host string) time.Duration {
	return s.rl.markLimited(host)
}

// ClearHost resets host's consecutive rate-limit counter after a
// successful retry.
func (s *Scheduler) ClearHost(host string) {
	s.rl.clear(host)
}
