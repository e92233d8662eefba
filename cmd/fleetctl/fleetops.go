// SPDX-License-Identifier: MIT
package fleetctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skaphos/fleetctl/internal/config"
	"github.com/skaphos/fleetctl/internal/discovery"
	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/progress"
	"github.com/skaphos/fleetctl/internal/scheduler"
	"github.com/skaphos/fleetctl/internal/syncpipeline"
	"github.com/skaphos/fleetctl/internal/tui"
	"github.com/spf13/cobra"
)

// invocationError marks bad input (unknown repo names, conflicting flags):
// exit code 2, distinct from operational failures.
type invocationError struct{ msg string }

func (e *invocationError) Error() string { return e.msg }

func invocationErrorf(format string, args ...any) error {
	return &invocationError{msg: fmt.Sprintf(format, args...)}
}

// finishWithError folds an error into the shell contract: invocation
// errors print and exit 2, anything else propagates to cobra.
func finishWithError(cmd *cobra.Command, err error) error {
	if err == nil {
		return nil
	}
	var inv *invocationError
	if errors.As(err, &inv) {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "error:", inv.msg)
		raiseExitCode(cmd, 2)
		return nil
	}
	return err
}

// addFleetConcurrencyFlags registers the lane-override flags every fan-out
// command honors.
func addFleetConcurrencyFlags(cmd *cobra.Command) {
	cmd.Flags().Int("jobs", 0, "clamp every scheduler lane to at most N concurrent tasks")
	cmd.Flags().Bool("sequential", false, "run one repo at a time (clamps all lanes to 1)")
}

func schedulerFromFlags(cmd *cobra.Command) *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Jobs:       getIntFlag(cmd, "jobs"),
		Sequential: getBoolFlag(cmd, "sequential"),
	})
}

// resolveWorkingSet produces the fleet a fan-out command operates on: the
// registry when one is populated (scan keeps it fresh), otherwise a live
// fleet discovery from the current directory. names, when non-empty,
// filters the set and rejects unknown entries.
func resolveWorkingSet(cmd *cobra.Command, names []string) ([]model.Repo, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	repos, err := registryWorkingSet(cmd, cwd)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		debugf(cmd, "registry empty; discovering repos under %s", cwd)
		repos, err = discovery.ScanFleet(cmd.Context(), discovery.FleetOptions{
			Root:   cwd,
			Runner: &gitx.ProcessRunner{},
			Warnf: func(format string, args ...any) {
				infof(cmd, format, args...)
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if len(names) == 0 {
		return repos, nil
	}
	byName := make(map[string]model.Repo, len(repos))
	for _, r := range repos {
		byName[r.Name] = r
	}
	selected := make([]model.Repo, 0, len(names))
	for _, name := range names {
		repo, ok := byName[name]
		if !ok {
			return nil, invocationErrorf("unknown repo %q (known: %s)", name, knownNames(repos))
		}
		selected = append(selected, repo)
	}
	return selected, nil
}

// registryWorkingSet converts present registry entries into the fleet's
// Repo shape, disambiguating basename collisions the same way discovery
// does.
func registryWorkingSet(cmd *cobra.Command, cwd string) ([]model.Repo, error) {
	cfgPath, err := config.ResolveConfigPath(configOverride(cmd), cwd)
	if err != nil {
		// No config found is not an error here; the caller falls back to
		// live discovery.
		return nil, nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil || cfg.Registry == nil {
		return nil, nil
	}

	type cand struct {
		path      string
		remoteURL string
		branch    string
	}
	var cands []cand
	for _, entry := range cfg.Registry.Entries {
		if entry.Status == "missing" {
			continue
		}
		cands = append(cands, cand{path: entry.Path, remoteURL: entry.RemoteURL, branch: entry.Branch})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].path < cands[j].path })

	counts := make(map[string]int)
	repos := make([]model.Repo, 0, len(cands))
	for _, c := range cands {
		base := filepath.Base(c.path)
		counts[base]++
		name := base
		if n := counts[base]; n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		repos = append(repos, model.Repo{
			Name:          name,
			Path:          c.path,
			RemoteURL:     c.remoteURL,
			DefaultBranch: c.branch,
		})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos, nil
}

func knownNames(repos []model.Repo) string {
	names := make([]string, len(repos))
	for i, r := range repos {
		names[i] = r.Name
	}
	return strings.Join(names, ", ")
}

// selectSink picks the interactive TUI when stdout is a terminal and the
// run is not quiet, else the tabwriter tally.
func selectSink(cmd *cobra.Command, total int) progress.Sink {
	if !flagQuiet && tui.IsInteractive() {
		return tui.NewSink(total)
	}
	return progress.NewQuietSink(cmd.ErrOrStderr())
}

func pipelineDeps(cmd *cobra.Command, total int) syncpipeline.Deps {
	return syncpipeline.Deps{
		Runner:    &gitx.ProcessRunner{},
		Scheduler: schedulerFromFlags(cmd),
		Sink:      selectSink(cmd, total),
	}
}

// statusSummaryOrder is the stable rendering order for per-status sections.
var statusSummaryOrder = []model.Status{
	model.StatusUpToDate,
	model.StatusPushed,
	model.StatusPulled,
	model.StatusSynced,
	model.StatusSkipped,
	model.StatusNoUpstream,
	model.StatusRateLimited,
	model.StatusFailed,
}

// writeFleetSummary renders the per-repo outcome table plus the per-status
// tallies, and raises the exit code when any repo failed.
func writeFleetSummary(cmd *cobra.Command, results []syncpipeline.PushResult, stats *model.SyncStatistics) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Repo.Name < results[j].Repo.Name })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REPO\tSTATUS\tDETAIL\tELAPSED")
	for _, res := range results {
		detail := res.Outcome.Message
		if res.Outcome.Status == model.StatusSkipped && detail == "" {
			detail = string(res.Outcome.SkipReason)
		}
		if res.Outcome.CommitsPushed > 0 {
			detail = strings.TrimSpace(fmt.Sprintf("%d commit(s) %s", res.Outcome.CommitsPushed, detail))
		}
		if res.Outcome.CommitsPulled > 0 {
			detail = strings.TrimSpace(fmt.Sprintf("%d commit(s) %s", res.Outcome.CommitsPulled, detail))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			res.Repo.Name, res.Outcome.Status, detail, res.Outcome.Elapsed.Round(time.Millisecond))
	}
	_ = w.Flush()

	var parts []string
	for _, status := range statusSummaryOrder {
		if entries := stats.ByStatus[status]; len(entries) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", status, len(entries)))
		}
	}
	infof(cmd, "%d repo(s): %s", stats.Total, strings.Join(parts, ", "))

	if stats.Failed > 0 {
		raiseExitCode(cmd, 1)
	}
}
