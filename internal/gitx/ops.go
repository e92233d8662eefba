package gitx

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Push pushes the current branch to its configured upstream.
func Push(ctx context.Context, r Runner, dir string) error {
	_, err := r.Run(ctx, dir, "push")
	return err
}

// PushSetUpstream pushes the current branch and records it as the upstream
// for the named remote, used when a branch has no upstream configured yet.
func PushSetUpstream(ctx context.Context, r Runner, dir, remote, branch string) error {
	_, err := r.Run(ctx, dir, "push", "--set-upstream", remote, branch)
	return err
}

// PullRebase fetches and rebases the current branch onto its upstream.
func PullRebase(ctx context.Context, r Runner, dir string) error {
	_, err := r.Run(ctx, dir, "-c", "fetch.recurseSubmodules=false", "pull", "--rebase", "--no-recurse-submodules")
	return err
}

// StashPush stashes the working tree including untracked files. It returns
// false when there was nothing to stash (git reports "No local changes").
func StashPush(ctx context.Context, r Runner, dir, message string) (bool, error) {
	args := []string{"stash", "push", "-u"}
	if strings.TrimSpace(message) != "" {
		args = append(args, "-m", message)
	}
	out, err := r.Run(ctx, dir, args...)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop restores the most recent stash entry.
func StashPop(ctx context.Context, r Runner, dir string) error {
	_, err := r.Run(ctx, dir, "stash", "pop")
	return err
}

// Clone clones remoteURL into targetPath, optionally on a specific branch or
// as a mirror (bare, all-refs) checkout.
func Clone(ctx context.Context, r Runner, remoteURL, targetPath, branch string, mirror bool) error {
	args := []string{"clone"}
	if mirror {
		args = append(args, "--mirror")
	} else if strings.TrimSpace(branch) != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, remoteURL, targetPath)
	_, err := r.Run(ctx, "", args...)
	return err
}

// SetUpstream records the tracking relationship for branch against the
// given upstream ref (e.g. "origin/main") without moving HEAD.
func SetUpstream(ctx context.Context, r Runner, dir, upstream, branch string) error {
	_, err := r.Run(ctx, dir, "branch", "--set-upstream-to", upstream, branch)
	return err
}

// SetRemoteURL rewrites the URL of an existing remote.
func SetRemoteURL(ctx context.Context, r Runner, dir, remote, remoteURL string) error {
	_, err := r.Run(ctx, dir, "remote", "set-url", remote, remoteURL)
	return err
}

// DiffIndex reports whether the working tree is clean relative to HEAD.
func DiffIndex(ctx context.Context, r Runner, dir string) (bool, error) {
	_, err := r.Run(ctx, dir, "diff-index", "--quiet", "HEAD", "--")
	return err == nil, nil
}

// CheckoutSHA moves HEAD (detached) to the given commit.
func CheckoutSHA(ctx context.Context, r Runner, dir, sha string) error {
	_, err := r.Run(ctx, dir, "checkout", sha)
	return err
}

// CheckoutBranch switches HEAD to an existing local branch.
func CheckoutBranch(ctx context.Context, r Runner, dir, branch string) error {
	_, err := r.Run(ctx, dir, "checkout", branch)
	return err
}

// ResetHard discards all working tree and index changes and moves HEAD to sha.
func ResetHard(ctx context.Context, r Runner, dir, sha string) error {
	_, err := r.Run(ctx, dir, "reset", "--hard", sha)
	return err
}

// ConfigRead reads a single git config value. Returns "" if unset.
func ConfigRead(ctx context.Context, r Runner, dir, key string) (string, error) {
	out, err := r.Run(ctx, dir, "config", "--get", key)
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// ConfigWrite sets a single git config value.
func ConfigWrite(ctx context.Context, r Runner, dir, key, value string) error {
	_, err := r.Run(ctx, dir, "config", key, value)
	return err
}

// TagCreateAndPush creates an annotated tag at HEAD and pushes it. An
// already-existing tag is treated as success, matching the idempotent
// tagging contract publish relies on.
func TagCreateAndPush(ctx context.Context, r Runner, dir, tagName string) error {
	_, err := r.Run(ctx, dir, "tag", tagName)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		out, rerr := r.Run(ctx, dir, "tag", "-l", tagName)
		if rerr != nil || strings.TrimSpace(out) == "" {
			return err
		}
	}
	_, err = r.Run(ctx, dir, "push", "origin", tagName)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}

// Stage adds paths matching pattern to the index. Matching is delegated to
// git itself (case-sensitive pathspec semantics) rather than reimplemented.
func Stage(ctx context.Context, r Runner, dir, pattern string) error {
	_, err := r.Run(ctx, dir, "add", "--", pattern)
	return err
}

// Unstage removes paths matching pattern from the index without touching
// the working tree.
func Unstage(ctx context.Context, r Runner, dir, pattern string) error {
	_, err := r.Run(ctx, dir, "restore", "--staged", "--", pattern)
	return err
}

// Commit records a commit with message. When includeEmpty is false (the
// default), an unchanged index is reported via the returned bool rather
// than as an error.
func Commit(ctx context.Context, r Runner, dir, message string, includeEmpty bool) (bool, error) {
	args := []string{"commit", "-m", message}
	if includeEmpty {
		args = append(args, "--allow-empty")
	}
	out, err := r.Run(ctx, dir, args...)
	if err != nil {
		if !includeEmpty && strings.Contains(out, "nothing to commit") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ObjectRecord is one blob entry from history size accounting.
type ObjectRecord struct {
	SHA       string
	SizeBytes int64
	Path      string
}

// RevListObjects streams every blob reachable from any ref with its size and
// the path it was last seen at, for large-object accounting over history.
func RevListObjects(ctx context.Context, r Runner, dir string) ([]ObjectRecord, error) {
	out, err := r.Run(ctx, dir, "rev-list", "--objects", "--all")
	if err != nil {
		return nil, fmt.Errorf("git rev-list --objects: %w", err)
	}
	shaToPath := make(map[string]string)
	var order []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		sha := parts[0]
		path := ""
		if len(parts) == 2 {
			path = parts[1]
		}
		if path == "" {
			continue
		}
		if _, ok := shaToPath[sha]; !ok {
			order = append(order, sha)
		}
		shaToPath[sha] = path
	}
	if len(order) == 0 {
		return nil, nil
	}
	batchOut, err := r.Run(ctx, dir, "cat-file", "--batch-check=%(objectname) %(objecttype) %(objectsize)", "--batch-all-objects")
	sizes := make(map[string]int64)
	if err == nil {
		bscanner := bufio.NewScanner(strings.NewReader(batchOut))
		bscanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for bscanner.Scan() {
			fields := strings.Fields(bscanner.Text())
			if len(fields) != 3 || fields[1] != "blob" {
				continue
			}
			size, _ := strconv.ParseInt(fields[2], 10, 64)
			sizes[fields[0]] = size
		}
	}
	records := make([]ObjectRecord, 0, len(order))
	for _, sha := range order {
		records = append(records, ObjectRecord{SHA: sha, SizeBytes: sizes[sha], Path: shaToPath[sha]})
	}
	return records, nil
}

// LsFilesIgnoredButTracked returns tracked files that also match an ignore
// pattern -- the classic ".gitignore lied" hygiene violation.
func LsFilesIgnoredButTracked(ctx context.Context, r Runner, dir string) ([]string, error) {
	out, err := r.Run(ctx, dir, "ls-files", "-i", "-c", "--exclude-standard")
	if err != nil {
		return nil, nil
	}
	return splitNonEmptyLines(out), nil
}

// ListLFSFiles lists paths tracked by Git LFS, or nil if LFS is not in use.
func ListLFSFiles(ctx context.Context, r Runner, dir string) ([]string, error) {
	out, err := r.Run(ctx, dir, "lfs", "ls-files", "-n")
	if err != nil {
		return nil, nil
	}
	return splitNonEmptyLines(out), nil
}

// PushLFSObjects uploads any pending LFS objects for remote ahead of a
// regular push, so the push phase never blocks on a slow LFS transfer
// mid-push.
func PushLFSObjects(ctx context.Context, r Runner, dir, remote string) error {
	_, err := r.Run(ctx, dir, "lfs", "push", remote, "--all")
	return err
}

// FetchLFSObjects downloads LFS objects for the current ref ahead of
// checkout, so pull never blocks mid-rebase on a lazily-fetched blob.
func FetchLFSObjects(ctx context.Context, r Runner, dir string) error {
	_, err := r.Run(ctx, dir, "lfs", "fetch")
	return err
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// LsFiles lists every tracked path in the working tree.
func LsFiles(ctx context.Context, r Runner, dir string) ([]string, error) {
	out, err := r.Run(ctx, dir, "ls-files")
	if err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}
	return splitNonEmptyLines(out), nil
}

// UpdateRef points refName at target, creating it if absent. Used for the
// pre-rewrite backup refs destructive fixes depend on.
func UpdateRef(ctx context.Context, r Runner, dir, refName, target string) error {
	_, err := r.Run(ctx, dir, "update-ref", refName, target)
	return err
}

// ResolveRef resolves a ref (HEAD, a branch, a tag) to its commit sha.
func ResolveRef(ctx context.Context, r Runner, dir, ref string) (string, error) {
	out, err := r.Run(ctx, dir, "rev-parse", "--verify", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoveCached drops paths from the index while leaving the working tree
// untouched, the reversible half of an untrack fix.
func RemoveCached(ctx context.Context, r Runner, dir string, paths []string) error {
	args := append([]string{"rm", "-r", "--cached", "--ignore-unmatch", "--"}, paths...)
	_, err := r.Run(ctx, dir, args...)
	return err
}

// GCAggressive expires reflogs and repacks, reclaiming the space a history
// rewrite just freed.
func GCAggressive(ctx context.Context, r Runner, dir string) error {
	if _, err := r.Run(ctx, dir, "reflog", "expire", "--expire=now", "--all"); err != nil {
		return err
	}
	_, err := r.Run(ctx, dir, "gc", "--prune=now", "--aggressive")
	return err
}

// RemoteHead attempts origin/HEAD, origin/main, origin/master in order and
// returns the commit sha of the first ref that resolves ("" with no error
// when none does), matching subrepo update's policy for
// an absent upstream.
func RemoteHead(ctx context.Context, r Runner, dir string) (string, error) {
	for _, candidate := range []string{"origin/HEAD", "origin/main", "origin/master"} {
		if out, err := r.Run(ctx, dir, "rev-parse", "--verify", "--quiet", candidate); err == nil {
			return strings.TrimSpace(out), nil
		}
	}
	return "", nil
}

// HeadCommit returns the current commit sha and its committer date (RFC3339).
func HeadCommit(ctx context.Context, r Runner, dir string) (string, string, error) {
	out, err := r.Run(ctx, dir, "log", "-1", "--format=%H|%cI")
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.TrimSpace(out), "|", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(out), "", nil
	}
	return parts[0], parts[1], nil
}
