package discovery

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/skaphos/fleetctl/internal/vcs"
)

// NestedOptions configures a nested-repo scan rooted inside an already
// known managed repo's working tree.
type NestedOptions struct {
	Exclude  []string
	MaxDepth int // 0 means no limit
	Adapter  vcs.Adapter
}

// ScanNested walks beneath root (a managed repo's working tree) looking for
// further git repositories embedded in it -- the subrepo case, distinct
// from top-level Scan because it must descend past the root itself and
// bound its depth rather than stop at the first repo boundary found.
func ScanNested(ctx context.Context, root string, opts NestedOptions) ([]Result, error) {
	if opts.Adapter == nil {
		opts.Adapter = vcs.NewGitAdapter(nil)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var results []Result
	skipDirs := make(map[string]struct{})

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == absRoot {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			return fs.SkipDir
		}
		if _, ok := skipDirs[path]; ok {
			return fs.SkipDir
		}
		if d.Name() == ".git" {
			return fs.SkipDir
		}
		if MatchesExclude(path, opts.Exclude) {
			return fs.SkipDir
		}
		if opts.MaxDepth > 0 {
			rel, relErr := filepath.Rel(absRoot, path)
			if relErr == nil {
				depth := strings.Count(filepath.ToSlash(rel), "/") + 1
				if depth > opts.MaxDepth {
					return fs.SkipDir
				}
			}
		}

		isRepoRoot, bare, gitdir, derr := detectRepo(ctx, opts.Adapter, path)
		if derr != nil {
			return derr
		}
		if isRepoRoot {
			if gitdir != "" {
				skipDirs[gitdir] = struct{}{}
			}
			result, berr := buildResult(ctx, opts.Adapter, path, bare)
			if berr != nil {
				return berr
			}
			results = append(results, result)
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
