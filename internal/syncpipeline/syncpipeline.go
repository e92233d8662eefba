// Package syncpipeline implements the fan-out engine for push, pull,
// stage, unstage, and commit: the two-phase fetch-to-push pipeline
// plus the single-stage operations that share its worker pool.
package syncpipeline

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/progress"
	"github.com/skaphos/fleetctl/internal/scheduler"
)

// Deps bundles the collaborators every pipeline operation needs. Runner is
// the git Runner (mockable in tests); Scheduler mediates lane admission and
// rate-limit backoff; Sink receives progress updates, defaulting to a
// no-op when nil.
type Deps struct {
	Runner    gitx.Runner
	Scheduler *scheduler.Scheduler
	Sink      progress.Sink
	Timeout   time.Duration
}

func (d Deps) sink() progress.Sink {
	if d.Sink != nil {
		return d.Sink
	}
	return progress.NewQuietSink(nullWriter{})
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// collector serializes RepoOutcome events into a SyncStatistics so the
// per-status summary lists stay ordered by completion time, matching the
// single-serialization-point invariant the final summary depends on.
type collector struct {
	mu    sync.Mutex
	stats *model.SyncStatistics
}

func newCollector(total int) *collector {
	c := &collector{stats: model.NewSyncStatistics()}
	c.stats.Total = 0 // RecordOutcome increments; total is derived, not preset
	_ = total
	return c
}

func (c *collector) record(repoName string, outcome model.RepoOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.RecordOutcome(repoName, outcome)
}

func (c *collector) snapshot() *model.SyncStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.stats
	cp.ByStatus = make(map[model.Status][]model.StatusEntry, len(c.stats.ByStatus))
	for k, v := range c.stats.ByStatus {
		cp.ByStatus[k] = append([]model.StatusEntry(nil), v...)
	}
	return &cp
}

// remoteHost extracts the host component from a remote URL, in either
// scp-like ("git@host:org/repo") or URL form, for rate-limit bookkeeping.
func remoteHost(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if i := strings.Index(rawURL, "@"); i >= 0 && !strings.Contains(rawURL[:i], "://") {
		rest := rawURL[i+1:]
		if c := strings.Index(rest, ":"); c >= 0 {
			return strings.ToLower(rest[:c])
		}
	}
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return ""
}

func classify(err error) model.ErrorKind {
	switch gitx.ClassifyError(err) {
	case "auth":
		return model.ErrorKindAuth
	case "network":
		return model.ErrorKindNetwork
	case "corrupt":
		return model.ErrorKindCorrupt
	case "missing_remote":
		return model.ErrorKindMissingRemote
	case "timeout":
		return model.ErrorKindTimeout
	case "rate_limited":
		return model.ErrorKindUnknown
	default:
		return model.ErrorKindUnknown
	}
}
