package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
)

// DefaultFleetDepth bounds how deep the fleet walk descends below the root.
const DefaultFleetDepth = 8

// DefaultFleetSkip is the built-in set of directory basenames the fleet walk
// never descends into. `.git` is handled separately (it marks a repo root).
var DefaultFleetSkip = []string{
	".git", "node_modules", "vendor", "target", "build", "dist",
	".next", "__pycache__", ".venv", "venv",
}

// FleetOptions configures a fleet scan rooted at Root.
type FleetOptions struct {
	Root     string
	MaxDepth int      // 0 applies DefaultFleetDepth
	Skip     []string // nil applies DefaultFleetSkip
	Width    int      // worker count; 0 applies min(max(1, NumCPU), 8)
	Runner   gitx.Runner
	// Warnf receives non-fatal walk diagnostics (unreadable directories).
	// nil discards them.
	Warnf func(format string, args ...any)
}

func (o *FleetOptions) applyDefaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultFleetDepth
	}
	if o.Skip == nil {
		o.Skip = DefaultFleetSkip
	}
	if o.Width <= 0 {
		w := runtime.NumCPU()
		if w < 1 {
			w = 1
		}
		if w > 8 {
			w = 8
		}
		o.Width = w
	}
	if o.Runner == nil {
		o.Runner = &gitx.ProcessRunner{}
	}
	if o.Warnf == nil {
		o.Warnf = func(string, ...any) {}
	}
}

// fleetWalker is the shared state of one fleet scan: a work queue of
// directories, a dedup map keyed by canonical repo path, and a cycle map
// keyed by device/inode identity so followed symlinks never loop.
type fleetWalker struct {
	opts FleetOptions
	root string

	mu      sync.Mutex
	pending int
	queue   []walkItem
	cond    *sync.Cond
	done    bool

	seenPaths map[string]struct{} // canonical repo paths (dedup)
	seenNodes map[string]struct{} // "dev:ino" of visited directories
	found     []candidate
}

type walkItem struct {
	path  string
	depth int
}

type candidate struct {
	name string // basename before disambiguation
	path string // canonical
}

// ScanFleet walks the tree under opts.Root with a bounded worker pool and
// returns the deduplicated, name-disambiguated, alphabetically sorted set of
// managed repos. A directory containing `.git` is published as a repo and
// not descended into; everything beneath it is subrepo territory.
func ScanFleet(ctx context.Context, opts FleetOptions) ([]model.Repo, error) {
	opts.applyDefaults()

	absRoot, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	if canonical, cerr := filepath.EvalSymlinks(absRoot); cerr == nil {
		absRoot = canonical
	}
	if !utf8.ValidString(absRoot) {
		return nil, fmt.Errorf("discovery: root path is not valid UTF-8: %q", absRoot)
	}

	w := &fleetWalker{
		opts:      opts,
		root:      absRoot,
		seenPaths: make(map[string]struct{}),
		seenNodes: make(map[string]struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	w.push(walkItem{path: absRoot, depth: 0})

	var wg sync.WaitGroup
	for i := 0; i < opts.Width; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.work(ctx)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, c := range w.found {
		if !utf8.ValidString(c.path) {
			return nil, fmt.Errorf("discovery: repo path is not valid UTF-8: %q", c.path)
		}
	}
	return w.finalize(ctx)
}

func (w *fleetWalker) push(item walkItem) {
	w.mu.Lock()
	w.pending++
	w.queue = append(w.queue, item)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// pop blocks until work is available or the walk has drained. The pending
// counter tracks enqueued-but-unfinished items, so workers only exit once
// no item is queued and none is still being expanded.
func (w *fleetWalker) pop() (walkItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if len(w.queue) > 0 {
			item := w.queue[len(w.queue)-1]
			w.queue = w.queue[:len(w.queue)-1]
			return item, true
		}
		if w.pending == 0 || w.done {
			w.done = true
			w.cond.Broadcast()
			return walkItem{}, false
		}
		w.cond.Wait()
	}
}

func (w *fleetWalker) finish() {
	w.mu.Lock()
	w.pending--
	if w.pending == 0 {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

func (w *fleetWalker) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.mu.Lock()
			w.done = true
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		item, ok := w.pop()
		if !ok {
			return
		}
		w.expand(ctx, item)
		w.finish()
	}
}

func (w *fleetWalker) expand(ctx context.Context, item walkItem) {
	if !w.markVisited(item.path) {
		return
	}

	entries, err := os.ReadDir(item.path)
	if err != nil {
		w.opts.Warnf("discovery: skipping unreadable directory %s: %v", item.path, err)
		return
	}

	for _, entry := range entries {
		if entry.Name() == ".git" {
			// Either a directory or a gitfile pointing into one; both mark
			// this directory as a repo root.
			w.publish(item.path)
			return
		}
	}

	if item.depth >= w.opts.MaxDepth {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if w.skipped(name) {
			continue
		}
		child := filepath.Join(item.path, name)
		if entry.Type()&os.ModeSymlink != 0 {
			resolved, rerr := filepath.EvalSymlinks(child)
			if rerr != nil {
				continue
			}
			info, serr := os.Stat(resolved)
			if serr != nil || !info.IsDir() {
				continue
			}
			if !within(w.root, resolved) {
				continue
			}
			w.push(walkItem{path: resolved, depth: item.depth + 1})
			continue
		}
		if !entry.IsDir() {
			continue
		}
		w.push(walkItem{path: child, depth: item.depth + 1})
	}
}

func (w *fleetWalker) skipped(name string) bool {
	for _, s := range w.opts.Skip {
		if name == s {
			return true
		}
	}
	return false
}

// markVisited records the directory's device/inode identity, refusing a
// second visit so symlink cycles terminate. Returns false when already seen.
func (w *fleetWalker) markVisited(path string) bool {
	key := nodeKey(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seenNodes[key]; ok {
		return false
	}
	w.seenNodes[key] = struct{}{}
	return true
}

func nodeKey(path string) string {
	info, err := os.Stat(path)
	if err == nil {
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			return strconv.FormatUint(uint64(st.Dev), 10) + ":" + strconv.FormatUint(st.Ino, 10)
		}
	}
	return path
}

func (w *fleetWalker) publish(path string) {
	canonical := path
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		canonical = resolved
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seenPaths[canonical]; ok {
		return
	}
	w.seenPaths[canonical] = struct{}{}
	w.found = append(w.found, candidate{name: filepath.Base(canonical), path: canonical})
}

// finalize disambiguates colliding basenames, fills in remote/branch/LFS
// detail, and sorts alphabetically by the post-disambiguation name.
// Candidates are ordered by canonical path before suffixes are assigned so
// the same tree always yields the same name-to-path mapping, regardless of
// which worker finished first.
func (w *fleetWalker) finalize(ctx context.Context) ([]model.Repo, error) {
	sort.Slice(w.found, func(i, j int) bool { return w.found[i].path < w.found[j].path })
	counts := make(map[string]int)
	repos := make([]model.Repo, 0, len(w.found))
	for _, c := range w.found {
		counts[c.name]++
		name := c.name
		if n := counts[c.name]; n > 1 {
			name = fmt.Sprintf("%s-%d", c.name, n)
		}
		repos = append(repos, w.buildRepo(ctx, name, c.path))
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos, nil
}

func (w *fleetWalker) buildRepo(ctx context.Context, name, path string) model.Repo {
	repo := model.Repo{Name: name, Path: path}
	if remotes, err := gitx.Remotes(ctx, w.opts.Runner, path); err == nil && len(remotes) > 0 {
		repo.RemoteURL = remotes[0].URL
		for _, r := range remotes {
			if r.Name == "origin" {
				repo.RemoteURL = r.URL
				break
			}
		}
	}
	if head, err := gitx.Head(ctx, w.opts.Runner, path); err == nil && !head.Detached {
		repo.DefaultBranch = head.Branch
	}
	if lfs, err := gitx.ListLFSFiles(ctx, w.opts.Runner, path); err == nil && len(lfs) > 0 {
		repo.LFSEnabled = true
	}
	return repo
}

// within reports whether target is root or inside it, after both have been
// canonicalized, so followed symlinks cannot escape the scanned tree.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
