// SPDX-License-Identifier: MIT
package fleetctl

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/subrepo"
	"github.com/spf13/cobra"
)

var subrepoCmd = &cobra.Command{
	Use:   "subrepo",
	Short: "Detect and realign nested repositories across the fleet",
	Long: "Subrepo finds git repositories embedded inside managed repos, groups them " +
		"by canonicalized remote URL, scores how far each group has drifted, and can " +
		"converge a group on a chosen commit.",
}

var subrepoValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that every nested repo is resolvable and has a remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, nested, err := discoverNested(cmd)
		if err != nil {
			return finishWithError(cmd, err)
		}
		problems := 0
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PARENT\tPATH\tPROBLEM")
		for _, n := range nested {
			switch {
			case n.RemoteURL == "":
				_, _ = fmt.Fprintf(w, "%s\t%s\tno remote configured\n", n.ParentRepoRef, n.RelativePath)
				problems++
			case n.HeadCommit == "":
				_, _ = fmt.Fprintf(w, "%s\t%s\tHEAD not resolvable\n", n.ParentRepoRef, n.RelativePath)
				problems++
			}
		}
		_ = w.Flush()
		if problems > 0 {
			raiseExitCode(cmd, 1)
		}
		infof(cmd, "%d nested repo(s), %d problem(s)", len(nested), problems)
		return nil
	},
}

var subrepoStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report drift across subrepo groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, nested, err := discoverNested(cmd)
		if err != nil {
			return finishWithError(cmd, err)
		}
		groups := subrepo.Group(nested)
		if !getBoolFlag(cmd, "all") {
			groups = subrepo.Drifting(groups)
		}

		if getStringFlag(cmd, "format") == "json" {
			data, err := json.MarshalIndent(groups, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "GROUP\tINSTANCES\tCOMMITS\tSCORE\tSYNC_TARGET\tLATEST")
		for _, g := range groups {
			target := g.SyncTarget
			if target == "" && g.UniqueCommits > 1 {
				target = "none (all instances dirty)"
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%s\t%s\n",
				groupDisplayName(g), len(g.Instances), g.UniqueCommits, g.SyncScore,
				shortSHA(target), shortSHA(g.Latest))
		}
		_ = w.Flush()

		for _, g := range groups {
			if g.UniqueCommits <= 1 || g.SyncTarget == "" {
				continue
			}
			suggestion := fmt.Sprintf("fleetctl subrepo sync %s --to %s", groupDisplayName(g), shortSHA(g.SyncTarget))
			if anyDirty(g) {
				suggestion += " --stash"
			}
			infof(cmd, "suggested: %s", suggestion)
		}
		return nil
	},
}

var subrepoSyncCmd = &cobra.Command{
	Use:   "sync <group> --to <sha>",
	Short: "Converge every instance of a group on a commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := getStringFlag(cmd, "to")
		if target == "" {
			return finishWithError(cmd, invocationErrorf("--to <sha> is required"))
		}
		return runSubrepoSync(cmd, args[0], target)
	},
}

var subrepoUpdateCmd = &cobra.Command{
	Use:   "update <group>",
	Short: "Converge a group on its remote default branch head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubrepoSync(cmd, args[0], "")
	},
}

// runSubrepoSync drives both sync (explicit target) and update (target
// resolved from origin/HEAD, origin/main, origin/master in order; none
// resolvable reports the group NoUpstream).
func runSubrepoSync(cmd *cobra.Command, groupName, target string) error {
	repos, nested, err := discoverNested(cmd)
	if err != nil {
		return finishWithError(cmd, err)
	}
	group, ok := findGroup(subrepo.Group(nested), groupName)
	if !ok {
		return finishWithError(cmd, invocationErrorf("no subrepo group matches %q", groupName))
	}

	repoPaths := instancePaths(repos, group)
	runner := &gitx.ProcessRunner{}

	if target == "" {
		for _, inst := range group.Instances {
			dir, ok := repoPaths[inst.ParentRepoRef+"/"+inst.RelativePath]
			if !ok {
				continue
			}
			if resolved, err := subrepo.ResolveUpdateTarget(cmd.Context(), runner, dir); err == nil && resolved != "" {
				target = resolved
				break
			}
		}
		if target == "" {
			infof(cmd, "%s: no upstream head resolvable (origin/HEAD, origin/main, origin/master all absent)", groupDisplayName(group))
			return nil
		}
	}

	outcomes := subrepo.Sync(cmd.Context(), runner, repoPaths, group, subrepo.SyncOptions{
		Target: target,
		Stash:  getBoolFlag(cmd, "stash"),
		Force:  getBoolFlag(cmd, "force"),
	})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARENT\tPATH\tSTATUS\tDETAIL")
	failed := 0
	for _, o := range outcomes {
		detail := o.Message
		if o.Status == model.StatusSkipped {
			detail = string(o.SkipReason)
		}
		if o.Stashed {
			detail = strings.TrimSpace("stashed; restore with `git stash pop` " + detail)
		}
		if o.Status == model.StatusFailed {
			failed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.ParentRepoRef, o.RelativePath, o.Status, detail)
	}
	_ = w.Flush()
	if failed > 0 {
		raiseExitCode(cmd, 1)
	}
	return nil
}

func discoverNested(cmd *cobra.Command) ([]model.Repo, []model.NestedRepo, error) {
	repos, err := resolveWorkingSet(cmd, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(repos) == 0 {
		return nil, nil, invocationErrorf("no repositories found")
	}
	nested, err := subrepo.Discover(cmd.Context(), &gitx.ProcessRunner{}, repos, subrepo.DiscoverOptions{})
	if err != nil {
		return nil, nil, err
	}
	return repos, nested, nil
}

// findGroup matches a group by its canonical remote URL or by the URL's
// trailing path segment, the short name users actually type.
func findGroup(groups []model.SubrepoGroup, name string) (model.SubrepoGroup, bool) {
	for _, g := range groups {
		if g.RemoteURL == name || groupDisplayName(g) == name {
			return g, true
		}
	}
	return model.SubrepoGroup{}, false
}

func groupDisplayName(g model.SubrepoGroup) string {
	base := path.Base(g.RemoteURL)
	return strings.TrimSuffix(base, ".git")
}

func instancePaths(repos []model.Repo, group model.SubrepoGroup) map[string]string {
	parentPaths := make(map[string]string, len(repos))
	for _, r := range repos {
		parentPaths[r.Name] = r.Path
	}
	out := make(map[string]string, len(group.Instances))
	for _, inst := range group.Instances {
		parent, ok := parentPaths[inst.ParentRepoRef]
		if !ok {
			continue
		}
		out[inst.ParentRepoRef+"/"+inst.RelativePath] = filepath.Join(parent, filepath.FromSlash(inst.RelativePath))
	}
	return out
}

func anyDirty(g model.SubrepoGroup) bool {
	for _, inst := range g.Instances {
		if inst.Dirty {
			return true
		}
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 12 && !strings.Contains(sha, " ") {
		return sha[:12]
	}
	return sha
}

func init() {
	subrepoStatusCmd.Flags().Bool("all", false, "include single-instance groups")
	addFormatFlag(subrepoStatusCmd, "output format: table or json")
	subrepoSyncCmd.Flags().String("to", "", "commit sha to converge on")
	subrepoSyncCmd.Flags().Bool("stash", false, "stash dirty instances (takes precedence over --force)")
	subrepoSyncCmd.Flags().Bool("force", false, "reset --hard dirty instances")
	subrepoUpdateCmd.Flags().Bool("force", false, "reset --hard dirty instances")
	subrepoCmd.AddCommand(subrepoValidateCmd, subrepoStatusCmd, subrepoSyncCmd, subrepoUpdateCmd)
	rootCmd.AddCommand(subrepoCmd)
}
