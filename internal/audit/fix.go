package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/process"
)

// ErrHistoryRewriteRequiresClean aborts a destructive fix before any change
// when the working tree is not clean.
var ErrHistoryRewriteRequiresClean = errors.New("audit: history rewrite requires a clean working tree")

// ErrBackupRefFailed aborts a destructive fix that could not record its
// pre-rewrite backup ref. No rewrite starts without one.
var ErrBackupRefFailed = errors.New("audit: could not create backup ref")

// FixKind names a fix workflow, and doubles as the <kind> segment of the
// backup ref a destructive fix creates.
type FixKind string

const (
	FixGitignoreKind FixKind = "gitignore"
	FixUntrackKind   FixKind = "untrack"
	FixLargeKind     FixKind = "large"
	FixSecretsKind   FixKind = "secrets"
)

// FixOutcome reports what one fix did (or, under DryRun, would do) to one
// repo.
type FixOutcome struct {
	RepoRef   string   `json:"repo_ref"`
	Kind      FixKind  `json:"kind"`
	Applied   bool     `json:"applied"`
	DryRun    bool     `json:"dry_run,omitempty"`
	BackupRef string   `json:"backup_ref,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	Message   string   `json:"message,omitempty"`
	// RollbackCommand and ForcePushCommand are printed verbatim after a
	// destructive fix so the operator can undo or finish it.
	RollbackCommand  string `json:"rollback_command,omitempty"`
	ForcePushCommand string `json:"force_push_command,omitempty"`
}

// FixDeps bundles the fix executor's collaborators.
type FixDeps struct {
	Runner gitx.Runner
	Tools  ToolRunner
	// Now is overridable in tests; nil uses time.Now.
	Now func() time.Time
}

func (d FixDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// FixGitignore appends the bad-pattern catalog's groups that produced
// findings to the repo's .gitignore and commits the change. Safe and
// idempotent: patterns already present are not appended twice.
func FixGitignore(ctx context.Context, repo model.Repo, findings []model.AuditFinding, deps FixDeps, dryRun bool) FixOutcome {
	outcome := FixOutcome{RepoRef: repo.Name, Kind: FixGitignoreKind, DryRun: dryRun}

	hitGroups := groupsWithFindings(findings)
	if len(hitGroups) == 0 {
		outcome.Message = "no bad-pattern findings; .gitignore unchanged"
		return outcome
	}

	gitignorePath := filepath.Join(repo.Path, ".gitignore")
	existing, _ := os.ReadFile(gitignorePath)
	var additions []string
	for _, group := range hitGroups {
		var missing []string
		for _, p := range group.Patterns {
			if !containsLine(string(existing), p) {
				missing = append(missing, p)
			}
		}
		if len(missing) == 0 {
			continue
		}
		additions = append(additions, "# "+group.Title)
		additions = append(additions, missing...)
		outcome.Paths = append(outcome.Paths, missing...)
	}
	if len(additions) == 0 {
		outcome.Message = ".gitignore already covers every finding"
		return outcome
	}
	if dryRun {
		outcome.Message = fmt.Sprintf("would append %d pattern(s) to .gitignore", len(outcome.Paths))
		return outcome
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += "\n" + strings.Join(additions, "\n") + "\n"
	if err := os.WriteFile(gitignorePath, []byte(content), 0o644); err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	if err := gitx.Stage(ctx, deps.Runner, repo.Path, ".gitignore"); err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	if _, err := gitx.Commit(ctx, deps.Runner, repo.Path, "chore: update .gitignore", false); err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	outcome.Applied = true
	outcome.Message = fmt.Sprintf("appended %d pattern(s) to .gitignore", len(outcome.Paths))
	return outcome
}

// Untrack removes the found files from the index (working tree untouched)
// and commits. Reversible by re-adding the paths.
func Untrack(ctx context.Context, repo model.Repo, findings []model.AuditFinding, deps FixDeps, dryRun bool) FixOutcome {
	outcome := FixOutcome{RepoRef: repo.Name, Kind: FixUntrackKind, DryRun: dryRun}
	paths := findingPaths(findings, model.FindingGitignoreViolation, model.FindingBadPattern)
	if len(paths) == 0 {
		outcome.Message = "nothing to untrack"
		return outcome
	}
	outcome.Paths = paths
	if dryRun {
		outcome.Message = fmt.Sprintf("would untrack %d file(s)", len(paths))
		return outcome
	}
	if err := gitx.RemoveCached(ctx, deps.Runner, repo.Path, paths); err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	if _, err := gitx.Commit(ctx, deps.Runner, repo.Path, "chore: untrack ignored files", false); err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	outcome.Applied = true
	outcome.Message = fmt.Sprintf("untracked %d file(s)", len(paths))
	return outcome
}

// FixHistory is the destructive path shared by --fix-large and
// --fix-secrets: verify the working tree is clean, create the backup ref,
// invoke the external history rewriter to purge the offending paths, then
// GC. The returned outcome carries the exact rollback and force-push
// commands the operator needs next.
func FixHistory(ctx context.Context, repo model.Repo, kind FixKind, findings []model.AuditFinding, deps FixDeps, dryRun bool) (FixOutcome, error) {
	outcome := FixOutcome{RepoRef: repo.Name, Kind: kind, DryRun: dryRun}

	var wanted model.AuditFindingKind
	switch kind {
	case FixLargeKind:
		wanted = model.FindingLargeFile
	case FixSecretsKind:
		wanted = model.FindingSecret
	default:
		return outcome, fmt.Errorf("audit: %q is not a history-rewrite fix", kind)
	}
	paths := findingPaths(findings, wanted)
	if len(paths) == 0 {
		outcome.Message = "no matching findings; history unchanged"
		return outcome, nil
	}
	outcome.Paths = paths

	clean, err := gitx.DiffIndex(ctx, deps.Runner, repo.Path)
	if err != nil {
		return outcome, err
	}
	if !clean {
		return outcome, ErrHistoryRewriteRequiresClean
	}

	ts := deps.now().UTC().Format("20060102-150405")
	backupRef := fmt.Sprintf("refs/original/pre-fix-backup-%s-%s", kind, ts)
	outcome.BackupRef = backupRef
	outcome.RollbackCommand = fmt.Sprintf("git -C %s reset --hard %s", repo.Path, backupRef)
	outcome.ForcePushCommand = fmt.Sprintf("git -C %s push --force --all", repo.Path)

	if dryRun {
		outcome.Message = fmt.Sprintf("would rewrite history to purge %d path(s) after creating %s", len(paths), backupRef)
		return outcome, nil
	}

	head, err := gitx.ResolveRef(ctx, deps.Runner, repo.Path, "HEAD")
	if err != nil {
		return outcome, err
	}
	if err := gitx.UpdateRef(ctx, deps.Runner, repo.Path, backupRef, head); err != nil {
		return outcome, fmt.Errorf("%w: %v", ErrBackupRefFailed, err)
	}

	args := []string{"--force", "--invert-paths"}
	for _, p := range paths {
		args = append(args, "--path", p)
	}
	result, err := deps.Tools.Run(ctx, "git-filter-repo", args, process.Options{
		Dir: repo.Path, Category: process.CategoryGit,
	})
	if err != nil {
		return outcome, fmt.Errorf("audit: history rewrite failed: %v: %s", err, strings.TrimSpace(string(result.Stderr)))
	}
	if err := gitx.GCAggressive(ctx, deps.Runner, repo.Path); err != nil {
		// The rewrite itself succeeded; GC failure only leaves garbage.
		outcome.Message = "history rewritten; gc failed: " + err.Error()
		outcome.Applied = true
		return outcome, nil
	}
	outcome.Applied = true
	outcome.Message = fmt.Sprintf("history rewritten; %d path(s) purged", len(paths))
	return outcome, nil
}

func groupsWithFindings(findings []model.AuditFinding) []PatternGroup {
	hit := make(map[string]bool)
	for _, f := range findings {
		if f.Kind == model.FindingBadPattern {
			hit[f.Pattern] = true
		}
	}
	var groups []PatternGroup
	for _, group := range badPatternGroups {
		for _, p := range group.Patterns {
			if hit[p] {
				groups = append(groups, group)
				break
			}
		}
	}
	return groups
}

func findingPaths(findings []model.AuditFinding, kinds ...model.AuditFindingKind) []string {
	want := make(map[model.AuditFindingKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	seen := make(map[string]struct{})
	var paths []string
	for _, f := range findings {
		if !want[f.Kind] || f.File == "" {
			continue
		}
		if _, ok := seen[f.File]; ok {
			continue
		}
		seen[f.File] = struct{}{}
		paths = append(paths, f.File)
	}
	return paths
}

func containsLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}
