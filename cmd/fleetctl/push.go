// SPDX-License-Identifier: MIT
package fleetctl

import (
	"fmt"
	"text/tabwriter"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/subrepo"
	"github.com/skaphos/fleetctl/internal/syncpipeline"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push [repos...]",
	Short: "Fetch then push every repo that is ahead of its upstream",
	Long: "Push runs the two-phase pipeline: every repo is fetched and classified, " +
		"and repos ahead of their upstream are pushed as fetches complete. " +
		"Branches with no upstream are reported; --force sets the upstream and pushes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := resolveWorkingSet(cmd, args)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if len(repos) == 0 {
			infof(cmd, "no repositories found; nothing to push")
			return nil
		}

		force := getBoolFlag(cmd, "force")
		showChanges := getBoolFlag(cmd, "show-changes")
		deps := pipelineDeps(cmd, len(repos))

		if showChanges {
			writePendingChanges(cmd, repos, deps)
		}

		results, stats := syncpipeline.Push(cmd.Context(), repos, deps, force)
		writeFleetSummary(cmd, results, stats)

		if !getBoolFlag(cmd, "no-drift-check") && stats.Failed == 0 {
			writeDriftSection(cmd, repos, deps.Runner)
		}
		return nil
	},
}

// writePendingChanges lists, per repo, the ahead counts about to be pushed.
func writePendingChanges(cmd *cobra.Command, repos []model.Repo, deps syncpipeline.Deps) {
	w := tabwriter.NewWriter(cmd.ErrOrStderr(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REPO\tBRANCH\tAHEAD")
	for _, repo := range repos {
		tracking, err := gitx.TrackingStatus(cmd.Context(), deps.Runner, repo.Path)
		if err != nil {
			continue
		}
		ahead := 0
		if tracking.Ahead != nil {
			ahead = *tracking.Ahead
		}
		if ahead == 0 {
			continue
		}
		head, _ := gitx.Head(cmd.Context(), deps.Runner, repo.Path)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", repo.Name, head.Branch, ahead)
	}
	_ = w.Flush()
}

// writeDriftSection appends the subrepo drift report after a successful
// push, so a fleet-wide push doubles as a drift health check.
func writeDriftSection(cmd *cobra.Command, repos []model.Repo, runner gitx.Runner) {
	nested, err := subrepo.Discover(cmd.Context(), runner, repos, subrepo.DiscoverOptions{})
	if err != nil {
		debugf(cmd, "drift check skipped: %v", err)
		return
	}
	drifting := driftingGroups(nested)
	if len(drifting) == 0 {
		return
	}
	infof(cmd, "")
	infof(cmd, "subrepo drift detected (run `fleetctl subrepo status` for detail):")
	for _, g := range drifting {
		infof(cmd, "  %s: %d instance(s), %d distinct commit(s), sync score %.2f",
			g.RemoteURL, len(g.Instances), g.UniqueCommits, g.SyncScore)
	}
}

func driftingGroups(nested []model.NestedRepo) []model.SubrepoGroup {
	var out []model.SubrepoGroup
	for _, g := range subrepo.Drifting(subrepo.Group(nested)) {
		if g.UniqueCommits > 1 {
			out = append(out, g)
		}
	}
	return out
}

func init() {
	pushCmd.Flags().Bool("force", false, "set upstream and push branches that have none")
	pushCmd.Flags().Bool("show-changes", false, "list pending commits before pushing")
	pushCmd.Flags().Bool("no-drift-check", false, "skip the subrepo drift report after pushing")
	addFleetConcurrencyFlags(pushCmd)
	rootCmd.AddCommand(pushCmd)
}
