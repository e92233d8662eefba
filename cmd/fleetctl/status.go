// SPDX-License-Identifier: MIT
package fleetctl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skaphos/fleetctl/internal/cliio"
	"github.com/skaphos/fleetctl/internal/config"
	"github.com/skaphos/fleetctl/internal/engine"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/registry"
	"github.com/skaphos/fleetctl/internal/remotemismatch"
	"github.com/skaphos/fleetctl/internal/tableutil"
	"github.com/skaphos/fleetctl/internal/termstyle"
	"github.com/skaphos/fleetctl/internal/vcs"
	"github.com/spf13/cobra"
)

type remoteMismatchReconcileMode = remotemismatch.ReconcileMode

const (
	remoteMismatchReconcileNone     = remotemismatch.ReconcileNone
	remoteMismatchReconcileRegistry = remotemismatch.ReconcileRegistry
	remoteMismatchReconcileGit      = remotemismatch.ReconcileGit
)

type remoteMismatchPlan = remotemismatch.Plan

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report branch, worktree, and tracking health across the fleet",
	Long: "Status inspects every repo in the working set concurrently and reports its " +
		"branch, cleanliness, and upstream tracking state. Remotes that disagree with " +
		"the registry are reported and can optionally be reconciled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfgPath, err := config.ResolveConfigPath(configOverride(cmd), cwd)
		if err != nil {
			return err
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfgRoot := config.EffectiveRoot(cfgPath, cfg)

		format := getStringFlag(cmd, "format")
		mode, err := parseOutputMode(format)
		if err != nil {
			return err
		}
		filter, err := parseRepoFilter(getStringFlag(cmd, "only"))
		if err != nil {
			return finishWithError(cmd, err)
		}
		reconcileMode, err := parseRemoteMismatchReconcileMode(getStringFlag(cmd, "reconcile-remote-mismatch"))
		if err != nil {
			return finishWithError(cmd, invocationErrorf("%v", err))
		}

		registryOverride := getStringFlag(cmd, "registry")
		var reg *registry.Registry
		if registryOverride != "" {
			reg, err = registry.Load(registryOverride)
			if err != nil {
				return err
			}
		} else {
			reg = cfg.Registry
			if reg == nil {
				return fmt.Errorf("registry not found in %q (run fleetctl scan first)", cfgPath)
			}
		}

		adapter, err := selectedAdapterForCommand(cmd)
		if err != nil {
			return err
		}
		eng := engine.New(cfg, reg, adapter)

		report, err := eng.Status(cmd.Context(), engine.StatusOptions{Filter: filter})
		if err != nil {
			return err
		}

		dryRun := getBoolFlag(cmd, "dry-run")
		plans := remotemismatch.BuildPlans(report.Repos, reg, adapter, reconcileMode)
		if len(plans) > 0 {
			logOutputWriteFailure(cmd, "status remote mismatch plan",
				writeRemoteMismatchPlan(cmd, plans, cwd, []string{cfgRoot}, dryRun || reconcileMode == remoteMismatchReconcileNone))
		}
		if reconcileMode != remoteMismatchReconcileNone && !dryRun {
			if !assumeYes(cmd) {
				confirmed, err := confirmWithPrompt(cmd, "Proceed with remote mismatch reconciliation? [y/N]: ")
				if err != nil {
					return err
				}
				if !confirmed {
					infof(cmd, "remote mismatch reconcile cancelled")
					return nil
				}
			}
			if err := remotemismatch.ApplyPlans(cmd.Context(), plans, reg, reconcileMode, vcs.NewGitAdapter(nil), nil); err != nil {
				return err
			}
			if reconcileMode == remoteMismatchReconcileRegistry {
				if err := saveReconciledRegistry(cfg, reg, cfgPath, registryOverride); err != nil {
					return err
				}
			}
			// Re-inspect so the rendered report reflects the reconciled remotes.
			report, err = eng.Status(cmd.Context(), engine.StatusOptions{Filter: filter})
			if err != nil {
				return err
			}
		}

		noHeaders := getBoolFlag(cmd, "no-headers")
		setColorOutputMode(cmd, string(mode.kind))
		switch mode.kind {
		case outputKindJSON:
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			logOutputWriteFailure(cmd, "status json", err)
		case outputKindWide:
			logOutputWriteFailure(cmd, "status wide", writeStatusTable(cmd, report, cwd, []string{cfgRoot}, noHeaders, true))
		default:
			logOutputWriteFailure(cmd, "status table", writeStatusTable(cmd, report, cwd, []string{cfgRoot}, noHeaders, false))
		}

		if code := statusExitCode(report, reg); code > 0 {
			raiseExitCode(cmd, code)
		}
		infof(cmd, "status completed: %d repos", len(report.Repos))
		return nil
	},
}

func init() {
	statusCmd.Flags().String("registry", "", "override registry file path")
	statusCmd.Flags().String("only", "all", repoFilterUsage)
	addFormatFlag(statusCmd, "output format: table, wide, or json")
	statusCmd.Flags().String("reconcile-remote-mismatch", "none", "optional reconcile mode for remote mismatch: none, registry, git")
	statusCmd.Flags().Bool("dry-run", true, "preview reconcile actions without modifying registry or git remotes")
	addNoHeadersFlag(statusCmd)
	statusCmd.Flags().Bool("wrap", false, "allow table columns to wrap instead of truncating")
	addVCSFlag(statusCmd)

	rootCmd.AddCommand(statusCmd)
}

// parseRepoFilter validates the --only flag against the engine's filter set.
func parseRepoFilter(raw string) (engine.FilterKind, error) {
	kind := engine.FilterKind(strings.ToLower(strings.TrimSpace(raw)))
	if kind == "" {
		return engine.FilterAll, nil
	}
	switch kind {
	case engine.FilterAll, engine.FilterErrors, engine.FilterDirty, engine.FilterClean,
		engine.FilterGone, engine.FilterDiverged, engine.FilterRemoteMismatch, engine.FilterMissing:
		return kind, nil
	}
	return "", invocationErrorf("unknown filter %q (%s)", raw, repoFilterUsage)
}

// saveReconciledRegistry persists registry-side reconcile results to whichever
// location the registry was loaded from.
func saveReconciledRegistry(cfg *config.Config, reg *registry.Registry, cfgPath, registryOverride string) error {
	if registryOverride != "" {
		return registry.Save(reg, registryOverride)
	}
	cfg.Registry = reg
	return config.Save(cfg, cfgPath)
}

func writeStatusTable(cmd *cobra.Command, report *model.StatusReport, cwd string, roots []string, noHeaders bool, wide bool) error {
	w := tableutil.New(cmd.OutOrStdout(), true)
	showBranch := true
	showDirty := true
	if !wide {
		width, hasWidth := tableWidth(cmd)
		switch {
		case hasWidth && width < tinyTableWidth:
			showBranch = false
			showDirty = false
		case hasWidth && width < narrowTableWidth:
			showDirty = false
		}
	}
	headers := "PATH"
	if showBranch {
		headers += "\tBRANCH"
	}
	if showDirty {
		headers += "\tDIRTY"
	}
	headers += "\tTRACKING"
	if wide {
		headers = "PATH\tBRANCH\tDIRTY\tTRACKING\tPRIMARY_REMOTE\tUPSTREAM\tAHEAD\tBEHIND\tERROR_CLASS"
	}
	if err := tableutil.PrintHeaders(w, noHeaders, headers); err != nil {
		return err
	}
	wrap := getBoolFlag(cmd, "wrap")
	pathMax := adaptiveCellLimit(cmd, 0, 48, 32)
	branchMax := adaptiveCellLimit(cmd, 0, 24, 16)
	for _, repo := range report.Repos {
		branch := repo.Head.Branch
		if repo.Head.Detached {
			branch = "detached:" + branch
		}
		if repo.Type == "mirror" {
			branch = "-"
		}
		path := formatCell(displayRepoPath(repo.Path, cwd, roots), wrap, pathMax)
		branch = formatCell(branch, wrap, branchMax)
		colorEnabled := runtimeStateFor(cmd).colorOutputEnabled
		dirty := "-"
		if repo.Worktree != nil {
			if repo.Worktree.Dirty {
				dirty = termstyle.Colorize(colorEnabled, "yes", termstyle.Warn)
			} else {
				dirty = termstyle.Colorize(colorEnabled, "no", termstyle.Healthy)
			}
		}
		tracking := displayTrackingStatus(colorEnabled, repo.Tracking.Status)
		if repo.Type == "mirror" {
			tracking = termstyle.Colorize(colorEnabled, "mirror", termstyle.Info)
		}
		if !wide {
			row := []string{path}
			if showBranch {
				row = append(row, branch)
			}
			if showDirty {
				row = append(row, dirty)
			}
			row = append(row, tracking)
			if _, err := fmt.Fprintf(w, "%s\n", strings.Join(row, "\t")); err != nil {
				return err
			}
			continue
		}
		ahead := "-"
		if repo.Tracking.Ahead != nil {
			ahead = fmt.Sprintf("%d", *repo.Tracking.Ahead)
		}
		behind := "-"
		if repo.Tracking.Behind != nil {
			behind = fmt.Sprintf("%d", *repo.Tracking.Behind)
		}
		if _, err := fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			path,
			branch,
			dirty,
			tracking,
			repo.PrimaryRemote,
			repo.Tracking.Upstream,
			ahead,
			behind,
			repo.ErrorClass,
		); err != nil {
			return err
		}
	}
	return w.Flush()
}

func displayTrackingStatus(colorEnabled bool, status model.TrackingStatus) string {
	switch status {
	case model.TrackingEqual:
		return termstyle.Colorize(colorEnabled, "up to date", termstyle.Healthy)
	case model.TrackingDiverged, model.TrackingGone:
		return termstyle.Colorize(colorEnabled, string(status), termstyle.Error)
	default:
		return string(status)
	}
}

func displayTrackingStatusNoColor(status model.TrackingStatus) string {
	if status == model.TrackingEqual {
		return "up to date"
	}
	return string(status)
}

// displayRepoPath prefers paths relative to the working directory, then the
// configured roots, then the absolute path.
func displayRepoPath(repoPath, cwd string, roots []string) string {
	if repoPath == "" {
		return repoPath
	}
	if rel, ok := relWithin(cwd, repoPath); ok {
		return rel
	}
	for _, root := range roots {
		if rel, ok := relWithin(root, repoPath); ok {
			return rel
		}
	}
	return repoPath
}

func relWithin(base, target string) (string, bool) {
	if strings.TrimSpace(base) == "" || strings.TrimSpace(target) == "" {
		return "", false
	}
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", false
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil || rel == "." || rel == ".." {
		return "", false
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func formatCell(value string, wrap bool, max int) string {
	if wrap || max <= 0 {
		return value
	}
	return truncateASCII(value, max)
}

func truncateASCII(value string, max int) string {
	if len(value) <= max {
		return value
	}
	if max <= 3 {
		return value[:max]
	}
	return value[:max-3] + "..."
}

// statusExitCode folds a report into the shell contract: errors are 2,
// hygiene warnings (gone upstreams, dirty trees, stale registry entries) 1.
func statusExitCode(report *model.StatusReport, reg *registry.Registry) int {
	code := 0
	for _, repo := range report.Repos {
		if repo.Error != "" {
			code = 2
		} else if (repo.Tracking.Status == model.TrackingGone || (repo.Worktree != nil && repo.Worktree.Dirty)) && code < 1 {
			code = 1
		}
	}
	if code < 2 && reg != nil {
		for _, entry := range reg.Entries {
			if entry.Status == registry.StatusMissing || entry.Status == registry.StatusMoved {
				code = 1
				break
			}
		}
	}
	return code
}

func parseRemoteMismatchReconcileMode(raw string) (remoteMismatchReconcileMode, error) {
	return remotemismatch.ParseReconcileMode(raw)
}

func writeRemoteMismatchPlan(cmd *cobra.Command, plans []remoteMismatchPlan, cwd string, roots []string, dryRun bool) error {
	if len(plans) == 0 {
		return nil
	}
	modeLabel := "planned"
	if !dryRun {
		modeLabel = "applying"
	}
	if _, err := fmt.Fprintf(cmd.ErrOrStderr(), "Remote mismatch reconcile (%s):\n", modeLabel); err != nil {
		return err
	}
	rows := make([][]string, 0, len(plans))
	for _, plan := range plans {
		rows = append(rows, []string{
			displayRepoPath(plan.Path, cwd, roots),
			plan.Action,
			plan.PrimaryRemote,
			plan.RepoRemoteURL,
			plan.RegistryURL,
			plan.RepoID,
		})
	}
	return cliio.WriteTable(
		cmd.ErrOrStderr(),
		false,
		false,
		[]string{"PATH", "ACTION", "PRIMARY_REMOTE", "GIT_REMOTE_URL", "REGISTRY_REMOTE_URL", "REPO"},
		rows,
	)
}
