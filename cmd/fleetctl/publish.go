// SPDX-License-Identifier: MIT
package fleetctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/skaphos/fleetctl/internal/ghvisibility"
	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/publish"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish [repos...]",
	Short: "Publish detected packages across the fleet",
	Long: "Publish analyzes every candidate repo concurrently (manifest detection, " +
		"visibility probe, cleanliness), gates on dirty working trees, then runs the " +
		"package manager's publisher per plan entry. Visibility defaults to public-only; " +
		"unknown visibility counts as private.",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := visibilityFilterFromFlags(cmd)
		if err != nil {
			return finishWithError(cmd, err)
		}

		repos, err := resolveWorkingSet(cmd, args)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if len(repos) == 0 {
			infof(cmd, "no repositories found; nothing to publish")
			return nil
		}

		runner := &gitx.ProcessRunner{}
		registry := publish.NewRegistry(publish.ProcessCommandRunner{})
		plans, err := publish.Plan(cmd.Context(), repos, publish.PlannerDeps{
			Registry: registry,
			Prober:   ghvisibility.NewProber(),
			Runner:   runner,
		}, filter)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			infof(cmd, "no publishable packages detected")
			return nil
		}

		if err := publish.Gate(plans, getBoolFlag(cmd, "allow-dirty")); err != nil {
			var dirty *publish.ErrDirtyRepos
			if errors.As(err, &dirty) {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				raiseExitCode(cmd, 1)
				return nil
			}
			return err
		}

		pathByRef := make(map[string]string, len(repos))
		for _, repo := range repos {
			pathByRef[repo.Name] = repo.Path
		}
		results, stats := publish.Execute(cmd.Context(), plans, publish.ExecDeps{
			Registry:  registry,
			Scheduler: schedulerFromFlags(cmd),
			Runner:    runner,
			RepoPath:  func(ref string) string { return pathByRef[ref] },
		}, publish.ExecOptions{
			DryRun: getBoolFlag(cmd, "dry-run"),
			Tag:    getBoolFlag(cmd, "tag"),
		})

		if getStringFlag(cmd, "format") == "json" {
			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			writePublishTable(cmd, results)
		}

		if stats.Failed > 0 {
			raiseExitCode(cmd, 1)
		}
		infof(cmd, "%d plan(s): %d published, %d skipped, %d failed",
			stats.Total, stats.Synced, stats.Skipped, stats.Failed)
		return nil
	},
}

func visibilityFilterFromFlags(cmd *cobra.Command) (publish.VisibilityFilter, error) {
	all := getBoolFlag(cmd, "all")
	publicOnly := getBoolFlag(cmd, "public-only")
	privateOnly := getBoolFlag(cmd, "private-only")
	set := 0
	for _, b := range []bool{all, publicOnly, privateOnly} {
		if b {
			set++
		}
	}
	if set > 1 {
		return "", invocationErrorf("--all, --public-only, and --private-only are mutually exclusive")
	}
	switch {
	case all:
		return publish.FilterAll, nil
	case privateOnly:
		return publish.FilterPrivateOnly, nil
	default:
		return publish.FilterPublicOnly, nil
	}
}

func writePublishTable(cmd *cobra.Command, results []publish.ExecResult) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REPO\tADAPTER\tPACKAGE\tSTATUS\tDETAIL")
	for _, res := range results {
		status := string(res.Outcome.Status)
		if res.Outcome.Status == model.StatusSynced {
			status = "published"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s@%s\t%s\t%s\n",
			res.Plan.RepoRef, res.Plan.AdapterID,
			res.Plan.PackageName, res.Plan.Version,
			status, res.Outcome.Message)
	}
	_ = w.Flush()
}

func init() {
	publishCmd.Flags().Bool("dry-run", false, "run the publisher's dry-run mode; no registry mutation")
	publishCmd.Flags().Bool("tag", false, "create and push a v<version> tag after each successful publish")
	publishCmd.Flags().Bool("allow-dirty", false, "skip the cleanliness gate")
	publishCmd.Flags().Bool("all", false, "publish regardless of visibility")
	publishCmd.Flags().Bool("public-only", false, "publish only repos probed public (default)")
	publishCmd.Flags().Bool("private-only", false, "publish only repos probed private or unknown")
	addFormatFlag(publishCmd, "output format: table or json")
	addFleetConcurrencyFlags(publishCmd)
	rootCmd.AddCommand(publishCmd)
}
