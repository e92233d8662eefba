// SPDX-License-Identifier: MIT
package fleetctl

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/skaphos/fleetctl/internal/audit"
	"github.com/skaphos/fleetctl/internal/cliio"
	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/process"
	"github.com/skaphos/fleetctl/internal/strutil"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Scan the fleet for hygiene problems and leaked secrets",
	Long: "Audit runs the hygiene scanner (gitignore violations, never-track patterns, " +
		"large objects in history) and the secret scanner over every repo, then " +
		"optionally applies fixes. History-rewriting fixes create a backup ref first " +
		"and print the rollback and force-push commands.",
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := resolveWorkingSet(cmd, nil)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if only := getStringFlag(cmd, "repos"); only != "" {
			repos, err = filterReposByName(repos, strutil.SplitCSV(only))
			if err != nil {
				return finishWithError(cmd, err)
			}
		}
		if len(repos) == 0 {
			return finishWithError(cmd, invocationErrorf("no repositories found"))
		}

		if getBoolFlag(cmd, "install-tools") {
			if err := installAuditTools(cmd); err != nil {
				return err
			}
		}

		sched := schedulerFromFlags(cmd)
		runner := &gitx.ProcessRunner{}
		tools := audit.ProcessToolRunner{}
		verify := getBoolFlag(cmd, "verify")

		hygiene := audit.ScanHygiene(cmd.Context(), repos, audit.HygieneDeps{
			Runner: runner, Scheduler: sched,
		}, audit.HygieneOptions{})

		secrets := audit.ScanSecrets(cmd.Context(), repos, audit.SecretScanDeps{
			Runner: tools, Scheduler: sched,
		}, audit.SecretScanOptions{Verify: verify})

		report := audit.BuildReport(hygiene, secrets)

		if getBoolFlag(cmd, "json") {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			writeAuditReport(cmd, report)
		}

		if verify && audit.HasVerifiedSecrets(report) {
			raiseExitCode(cmd, 1)
		}

		if err := runAuditFixes(cmd, repos, hygiene, secrets, runner, tools); err != nil {
			return finishWithError(cmd, err)
		}
		return nil
	},
}

func filterReposByName(repos []model.Repo, names []string) ([]model.Repo, error) {
	byName := make(map[string]model.Repo, len(repos))
	for _, r := range repos {
		byName[r.Name] = r
	}
	out := make([]model.Repo, 0, len(names))
	for _, name := range names {
		repo, ok := byName[name]
		if !ok {
			return nil, invocationErrorf("unknown repo %q in --repos", name)
		}
		out = append(out, repo)
	}
	return out, nil
}

// installAuditTools delegates scanner installation to the platform package
// manager the way the publish adapters delegate credentials: best effort,
// reported, never fatal to the scan itself.
func installAuditTools(cmd *cobra.Command) error {
	result, err := process.Run(cmd.Context(), "sh",
		[]string{"-c", "command -v trufflehog >/dev/null 2>&1 || brew install trufflehog || go install github.com/trufflesecurity/trufflehog/v3@latest"},
		process.Options{Category: process.CategoryGit})
	if err != nil || result.ExitCode != 0 {
		infof(cmd, "scanner install did not complete; secret scan may report unavailable")
	}
	return nil
}

func writeAuditReport(cmd *cobra.Command, report audit.Report) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REPO\tKIND\tFILE\tDETAIL")
	for _, repo := range report.Hygiene.Repos {
		for _, f := range repo.Findings {
			detail := f.Pattern
			if f.Kind == model.FindingLargeFile {
				detail = fmt.Sprintf("%s across %d blob(s)", humanize.IBytes(uint64(f.SizeBytes)), f.CommitCount)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", repo.RepoRef, f.Kind, f.File, detail)
		}
		if repo.Err != "" {
			_, _ = fmt.Fprintf(w, "%s\terror\t\t%s\n", repo.RepoRef, repo.Err)
		}
	}
	_ = w.Flush()

	s := report.Secrets
	infof(cmd, "hygiene: %d repo(s) scanned, %d with findings (%d gitignore, %d bad-pattern, %d large)",
		report.Hygiene.Summary.ReposScanned, report.Hygiene.Summary.ReposWithFindings,
		report.Hygiene.Summary.GitignoreViolations, report.Hygiene.Summary.BadPatternHits,
		report.Hygiene.Summary.LargeFiles)
	infof(cmd, "secrets: %d finding(s) in %d repo(s) — %d verified, %d unverified (%.1fs)",
		s.Total, s.ReposWithFindings, s.Verified, s.Unverified, s.DurationSeconds)
}

// runAuditFixes applies the requested fix modes in escalating-risk order.
func runAuditFixes(cmd *cobra.Command, repos []model.Repo, hygiene []audit.RepoHygiene, secrets audit.SecretScanResult, runner gitx.Runner, tools audit.ToolRunner) error {
	fixGitignore := getBoolFlag(cmd, "fix-gitignore")
	fixLarge := getBoolFlag(cmd, "fix-large")
	fixSecrets := getBoolFlag(cmd, "fix-secrets")
	if getBoolFlag(cmd, "fix-all") {
		fixGitignore, fixLarge, fixSecrets = true, true, true
	}
	if !fixGitignore && !fixLarge && !fixSecrets {
		return nil
	}

	dryRun := getBoolFlag(cmd, "dry-run")
	interactive := getBoolFlag(cmd, "interactive")
	deps := audit.FixDeps{Runner: runner, Tools: tools}

	if (fixLarge || fixSecrets) && !dryRun && !flagYes {
		ok, err := cliio.PromptYesNo(cmd.ErrOrStderr(), cmd.InOrStdin(),
			"History-rewriting fixes are destructive (a backup ref is created first). Proceed?")
		if err != nil {
			return err
		}
		if !ok {
			infof(cmd, "fixes cancelled")
			return nil
		}
	}

	findingsByRepo := make(map[string][]model.AuditFinding)
	for _, h := range hygiene {
		findingsByRepo[h.RepoRef] = append(findingsByRepo[h.RepoRef], h.Findings...)
	}
	for _, s := range secrets.Repos {
		findingsByRepo[s.RepoRef] = append(findingsByRepo[s.RepoRef], s.Findings...)
	}

	warnColor := color.New(color.FgYellow)
	for _, repo := range repos {
		findings := findingsByRepo[repo.Name]
		if len(findings) == 0 {
			continue
		}

		if fixGitignore && (!interactive || confirmCategory(cmd, repo.Name, "update .gitignore and untrack matched files")) {
			outcome := audit.FixGitignore(cmd.Context(), repo, findings, deps, dryRun)
			reportFixOutcome(cmd, outcome)
			outcome = audit.Untrack(cmd.Context(), repo, findings, deps, dryRun)
			reportFixOutcome(cmd, outcome)
		}
		if fixLarge && (!interactive || confirmCategory(cmd, repo.Name, "rewrite history to purge large files")) {
			outcome, err := audit.FixHistory(cmd.Context(), repo, audit.FixLargeKind, findings, deps, dryRun)
			if err != nil {
				_, _ = warnColor.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", repo.Name, err)
				raiseExitCode(cmd, 1)
			} else {
				reportFixOutcome(cmd, outcome)
			}
		}
		if fixSecrets && (!interactive || confirmCategory(cmd, repo.Name, "rewrite history to purge secret-bearing files")) {
			outcome, err := audit.FixHistory(cmd.Context(), repo, audit.FixSecretsKind, findings, deps, dryRun)
			if err != nil {
				_, _ = warnColor.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", repo.Name, err)
				raiseExitCode(cmd, 1)
			} else {
				reportFixOutcome(cmd, outcome)
			}
		}
	}
	return nil
}

func confirmCategory(cmd *cobra.Command, repoName, action string) bool {
	ok, err := cliio.PromptYesNo(cmd.ErrOrStderr(), cmd.InOrStdin(),
		fmt.Sprintf("%s: %s?", repoName, action))
	return err == nil && ok
}

func reportFixOutcome(cmd *cobra.Command, outcome audit.FixOutcome) {
	if outcome.Message != "" {
		infof(cmd, "%s [%s] %s", outcome.RepoRef, outcome.Kind, outcome.Message)
	}
	if outcome.Applied && outcome.BackupRef != "" {
		infof(cmd, "%s: backup ref %s", outcome.RepoRef, outcome.BackupRef)
		infof(cmd, "%s: rollback with: %s", outcome.RepoRef, outcome.RollbackCommand)
		infof(cmd, "%s: finish with:   %s", outcome.RepoRef, outcome.ForcePushCommand)
	}
}

func init() {
	auditCmd.Flags().Bool("install-tools", false, "install the secret scanner if missing")
	auditCmd.Flags().Bool("verify", false, "verify secret findings against their services; verified secrets fail the run")
	auditCmd.Flags().Bool("json", false, "emit the structured audit report")
	auditCmd.Flags().Bool("interactive", false, "confirm each fix category per repo")
	auditCmd.Flags().Bool("fix-gitignore", false, "append grouped ignore patterns and untrack matched files")
	auditCmd.Flags().Bool("fix-large", false, "rewrite history to purge large files (destructive)")
	auditCmd.Flags().Bool("fix-secrets", false, "rewrite history to purge secret-bearing files (destructive)")
	auditCmd.Flags().Bool("fix-all", false, "apply every fix mode")
	auditCmd.Flags().Bool("dry-run", false, "print planned fixes without mutating anything")
	auditCmd.Flags().String("repos", "", "comma-separated repo names to audit")
	addFleetConcurrencyFlags(auditCmd)
	rootCmd.AddCommand(auditCmd)
}
