// Package audit implements the repository hygiene and secret scanners plus
// the fix workflows that repair (or rewrite away) what they find.
package audit

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/scheduler"
)

// DefaultLargeFileThreshold is the in-history size above which a blob is a
// LargeFile finding.
const DefaultLargeFileThreshold = 1 << 20 // 1 MiB

// HygieneOptions configures one hygiene scan.
type HygieneOptions struct {
	// LargeFileThreshold in bytes; 0 applies DefaultLargeFileThreshold.
	LargeFileThreshold int64
}

// RepoHygiene is one repo's hygiene scan result.
type RepoHygiene struct {
	RepoRef  string               `json:"repo_ref"`
	Findings []model.AuditFinding `json:"findings"`
	Err      string               `json:"error,omitempty"`
}

// HygieneDeps bundles the scanner's collaborators.
type HygieneDeps struct {
	Runner    gitx.Runner
	Scheduler *scheduler.Scheduler
}

// ScanHygiene runs the hygiene scanner over every repo on the audit-light
// lane. Per-repo errors are recorded on that repo's result and never abort
// the others. Findings are deduplicated by their stable identity.
func ScanHygiene(ctx context.Context, repos []model.Repo, deps HygieneDeps, opts HygieneOptions) []RepoHygiene {
	threshold := opts.LargeFileThreshold
	if threshold <= 0 {
		threshold = DefaultLargeFileThreshold
	}

	results := make([]RepoHygiene, len(repos))
	var wg sync.WaitGroup
	for i, repo := range repos {
		wg.Add(1)
		go func(i int, repo model.Repo) {
			defer wg.Done()
			release, err := deps.Scheduler.Admit(ctx, scheduler.LaneAuditLight)
			if err != nil {
				results[i] = RepoHygiene{RepoRef: repo.Name, Err: err.Error()}
				return
			}
			defer release()
			results[i] = scanRepoHygiene(ctx, repo, deps.Runner, threshold)
		}(i, repo)
	}
	wg.Wait()
	return results
}

func scanRepoHygiene(ctx context.Context, repo model.Repo, runner gitx.Runner, threshold int64) RepoHygiene {
	result := RepoHygiene{RepoRef: repo.Name}
	seen := make(map[string]struct{})
	add := func(f model.AuditFinding) {
		f.RepoRef = repo.Name
		if _, ok := seen[f.ID()]; ok {
			return
		}
		seen[f.ID()] = struct{}{}
		result.Findings = append(result.Findings, f)
	}

	ignored, err := gitx.LsFilesIgnoredButTracked(ctx, runner, repo.Path)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	for _, file := range ignored {
		add(model.AuditFinding{Kind: model.FindingGitignoreViolation, File: file})
	}

	tracked, err := gitx.LsFiles(ctx, runner, repo.Path)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	for _, file := range tracked {
		if pattern, hit := matchBadPattern(file); hit {
			add(model.AuditFinding{Kind: model.FindingBadPattern, File: file, Pattern: pattern})
		}
	}

	objects, err := gitx.RevListObjects(ctx, runner, repo.Path)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	type pathStat struct {
		maxSize int64
		blobs   int
	}
	byPath := make(map[string]*pathStat)
	for _, obj := range objects {
		st, ok := byPath[obj.Path]
		if !ok {
			st = &pathStat{}
			byPath[obj.Path] = st
		}
		st.blobs++
		if obj.SizeBytes > st.maxSize {
			st.maxSize = obj.SizeBytes
		}
	}
	for path, st := range byPath {
		if st.maxSize > threshold {
			add(model.AuditFinding{
				Kind: model.FindingLargeFile, File: path,
				SizeBytes: st.maxSize, CommitCount: st.blobs,
			})
		}
	}
	return result
}

// matchBadPattern matches a tracked path against the built-in catalog,
// returning the first pattern hit. Paths are matched slash-normalized, the
// same way discovery matches its exclude globs.
func matchBadPattern(path string) (string, bool) {
	slashPath := filepath.ToSlash(path)
	for _, group := range badPatternGroups {
		for _, pattern := range group.Patterns {
			if ok, err := doublestar.Match(pattern, slashPath); err == nil && ok {
				return pattern, true
			}
		}
	}
	return "", false
}
