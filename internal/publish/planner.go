package publish

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/skaphos/fleetctl/internal/ghvisibility"
	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
)

// VisibilityFilter selects which repos survive planning based on their
// probed visibility. Unknown is treated as private throughout.
type VisibilityFilter string

const (
	FilterPublicOnly  VisibilityFilter = "public-only"
	FilterPrivateOnly VisibilityFilter = "private-only"
	FilterAll         VisibilityFilter = "all"
)

// PlannerDeps bundles the planner's collaborators.
type PlannerDeps struct {
	Registry *Registry
	Prober   *ghvisibility.Prober
	Runner   gitx.Runner
}

// ErrDirtyRepos is returned by Gate when the cleanliness gate rejects the
// run. It lists every offending repo so the operator fixes them in one pass.
type ErrDirtyRepos struct {
	Repos []string
}

func (e *ErrDirtyRepos) Error() string {
	return fmt.Sprintf("publish: working tree dirty in: %s (commit, stash, or pass --allow-dirty)",
		strings.Join(e.Repos, ", "))
}

// Plan analyzes every candidate repo with three concurrent probes per repo
// (adapter detection, visibility, cleanliness) and returns the plans that
// pass the visibility filter, sorted by repo name. Repos with no detectable
// manifest are silently omitted -- they are not publish candidates.
func Plan(ctx context.Context, repos []model.Repo, deps PlannerDeps, filter VisibilityFilter) ([]model.PublishPlan, error) {
	type slot struct {
		plan model.PublishPlan
		ok   bool
	}
	slots := make([]slot, len(repos))

	var wg sync.WaitGroup
	for i, repo := range repos {
		wg.Add(1)
		go func(i int, repo model.Repo) {
			defer wg.Done()

			var (
				inner   sync.WaitGroup
				adapter Adapter
				name    string
				version string
				found   bool
				vis     model.Visibility
				dirty   bool
			)
			inner.Add(3)
			go func() {
				defer inner.Done()
				adapter, name, version, found = deps.Registry.Detect(ctx, repo.Path)
			}()
			go func() {
				defer inner.Done()
				vis = deps.Prober.Visibility(ctx, repo.RemoteURL)
			}()
			go func() {
				defer inner.Done()
				clean, err := gitx.DiffIndex(ctx, deps.Runner, repo.Path)
				dirty = err == nil && !clean
			}()
			inner.Wait()

			if !found {
				return
			}
			plan := model.PublishPlan{
				RepoRef:          repo.Name,
				AdapterID:        adapter.ID(),
				PackageName:      name,
				Version:          version,
				Visibility:       vis,
				Dirty:            dirty,
				AlreadyPublished: model.PublishedUndetermined,
			}
			if published, err := adapter.AlreadyPublished(ctx, repo.Path, name, version); err == nil {
				if published {
					plan.AlreadyPublished = model.PublishedYes
				} else {
					plan.AlreadyPublished = model.PublishedNo
				}
			}
			slots[i] = slot{plan: plan, ok: true}
		}(i, repo)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plans := make([]model.PublishPlan, 0, len(repos))
	for _, s := range slots {
		if !s.ok {
			continue
		}
		if !passesFilter(s.plan.Visibility, filter) {
			continue
		}
		plans = append(plans, s.plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].RepoRef < plans[j].RepoRef })
	return plans, nil
}

// Gate enforces the cleanliness gate: unless allowDirty, any dirty plan
// aborts the entire publish before any side effect occurs.
func Gate(plans []model.PublishPlan, allowDirty bool) error {
	if allowDirty {
		return nil
	}
	var dirty []string
	for _, p := range plans {
		if p.Dirty {
			dirty = append(dirty, p.RepoRef)
		}
	}
	if len(dirty) > 0 {
		return &ErrDirtyRepos{Repos: dirty}
	}
	return nil
}

// passesFilter treats Unknown as private, the fail-safe direction: an
// unprobeable repo never leaks through --public-only.
func passesFilter(v model.Visibility, filter VisibilityFilter) bool {
	private := v == model.VisibilityPrivate || v == model.VisibilityUnknown
	switch filter {
	case FilterPublicOnly:
		return !private
	case FilterPrivateOnly:
		return private
	case FilterAll:
		return true
	default:
		return !private
	}
}
