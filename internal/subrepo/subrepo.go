// Package subrepo detects nested git repositories embedded inside managed
// repos, groups them by canonicalized remote URL, scores how far a group
// has drifted, and drives the sync/update operations that realign it.
package subrepo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skaphos/fleetctl/internal/discovery"
	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
)

// defaultMaxDepth is the nested-discovery depth cap below a managed repo's
// root, raised well past top-level discovery's default since subrepos can
// be nested several directories deep inside vendored trees.
const defaultMaxDepth = 12

// DiscoverOptions configures nested discovery across a fleet.
type DiscoverOptions struct {
	Exclude  []string
	MaxDepth int
}

// Discover walks beneath every repo's working tree for nested .git entries
// and returns one NestedRepo per find, run concurrently across repos.
func Discover(ctx context.Context, runner gitx.Runner, repos []model.Repo, opts DiscoverOptions) ([]model.NestedRepo, error) {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	var (
		mu       sync.Mutex
		all      []model.NestedRepo
		wg       sync.WaitGroup
		firstErr error
	)

	for _, repo := range repos {
		wg.Add(1)
		go func(repo model.Repo) {
			defer wg.Done()
			found, err := discovery.ScanNested(ctx, repo.Path, discovery.NestedOptions{
				Exclude:  opts.Exclude,
				MaxDepth: maxDepth,
			})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			nested := make([]model.NestedRepo, 0, len(found))
			for _, f := range found {
				n := model.NestedRepo{
					ParentRepoRef: repo.Name,
					RemoteURL:     f.RemoteURL,
				}
				if rel, relErr := relativeTo(repo.Path, f.Path); relErr == nil {
					n.RelativePath = rel
				}
				if sha, ts, err := gitx.HeadCommit(ctx, runner, f.Path); err == nil {
					n.HeadCommit = sha
					if parsed, perr := time.Parse(time.RFC3339, ts); perr == nil {
						n.HeadCommitTime = parsed
					}
				}
				if clean, err := gitx.DiffIndex(ctx, runner, f.Path); err == nil {
					n.Dirty = !clean
				}
				nested = append(nested, n)
			}
			mu.Lock()
			all = append(all, nested...)
			mu.Unlock()
		}(repo)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return all, nil
}

// Drifting filters groups down to those with more than one instance, since
// the spec excludes single-instance groups from drift reporting.
func Drifting(groups []model.SubrepoGroup) []model.SubrepoGroup {
	out := make([]model.SubrepoGroup, 0, len(groups))
	for _, g := range groups {
		if len(g.Instances) > 1 {
			out = append(out, g)
		}
	}
	return out
}

func relativeTo(base, target string) (string, error) {
	rel := strings.TrimPrefix(target, base)
	rel = strings.TrimPrefix(rel, "/")
	return rel, nil
}

// Group buckets nested repos by canonicalized remote URL and computes each
// group's drift metrics and sync-target selection. Single-instance groups
// are included in the returned slice (callers filtering for drift reports
// should skip them) since some callers, like `subrepo status --all`, want
// to enumerate every known subrepo regardless of drift.
func Group(nested []model.NestedRepo) []model.SubrepoGroup {
	byURL := make(map[string][]model.NestedRepo)
	var order []string
	for _, n := range nested {
		key := gitx.NormalizeURL(n.RemoteURL)
		if _, ok := byURL[key]; !ok {
			order = append(order, key)
		}
		byURL[key] = append(byURL[key], n)
	}

	groups := make([]model.SubrepoGroup, 0, len(order))
	for _, key := range order {
		instances := byURL[key]
		groups = append(groups, buildGroup(key, instances))
	}
	return groups
}

func buildGroup(remoteURL string, instances []model.NestedRepo) model.SubrepoGroup {
	commits := make(map[string]struct{})
	for _, inst := range instances {
		if inst.HeadCommit != "" {
			commits[inst.HeadCommit] = struct{}{}
		}
	}
	unique := len(commits)
	g := model.SubrepoGroup{
		RemoteURL:     remoteURL,
		Instances:     instances,
		UniqueCommits: unique,
	}

	denom := len(instances) - 1
	if denom < 1 {
		denom = 1
	}
	g.SyncScore = float64(len(instances)-unique) / float64(denom)
	if unique <= 1 {
		g.SyncScore = 1
	}

	sorted := append([]model.NestedRepo(nil), instances...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Dirty != sorted[j].Dirty {
			return !sorted[i].Dirty // clean (false) sorts first
		}
		return sorted[i].HeadCommitTime.After(sorted[j].HeadCommitTime)
	})
	if unique > 1 {
		for _, inst := range sorted {
			if !inst.Dirty {
				g.SyncTarget = inst.HeadCommit
				break
			}
		}
	}

	latest := sorted
	sort.SliceStable(latest, func(i, j int) bool {
		return latest[i].HeadCommitTime.After(latest[j].HeadCommitTime)
	})
	if len(latest) > 0 {
		g.Latest = latest[0].HeadCommit
	}
	return g
}
