package vcs

import (
	"context"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
)

// Adapter defines the VCS operations Fleetctl relies on.
// Git is the default adapter; other VCS are stretch goals.
type Adapter interface {
	Name() string
	IsRepo(ctx context.Context, dir string) (bool, error)
	IsBare(ctx context.Context, dir string) (bool, error)
	Remotes(ctx context.Context, dir string) ([]model.Remote, error)
	Head(ctx context.Context, dir string) (model.Head, error)
	WorktreeStatus(ctx context.Context, dir string) (*model.Worktree, error)
	TrackingStatus(ctx context.Context, dir string) (model.Tracking, error)
	HasSubmodules(ctx context.Context, dir string) (bool, error)
	Fetch(ctx context.Context, dir string) error
	PullRebase(ctx context.Context, dir string) error
	Push(ctx context.Context, dir string) error
	SetUpstream(ctx context.Context, dir, remote, branch string) error
	SetRemoteURL(ctx context.Context, dir, remote, remoteURL string) error
	StashPush(ctx context.Context, dir, message string) (bool, error)
	StashPop(ctx context.Context, dir string) error
	Clone(ctx context.Context, remoteURL, targetPath, branch string, mirror bool) error
	NormalizeURL(rawURL string) string
	PrimaryRemote(remoteNames []string) string
}

// SupportsLocalUpdate is an optional capability interface for adapters that
// report whether sync's local update (rebase or push after the fetch) is
// available for the repo at dir, with a reason when it is not.
type SupportsLocalUpdate interface {
	SupportsLocalUpdate(ctx context.Context, dir string) (bool, string, error)
}

// FetchAction is an optional capability interface for adapters that can
// describe what a fetch would do without running it.
type FetchAction interface {
	FetchAction(ctx context.Context, dir string) (string, error)
}

// GitAdapter implements Adapter using the git CLI via gitx.
type GitAdapter struct {
	Runner gitx.Runner
}

func NewGitAdapter(runner gitx.Runner) *GitAdapter {
	if runner == nil {
		runner = &gitx.ProcessRunner{}
	}
	return &GitAdapter{Runner: runner}
}

func (g *GitAdapter) Name() string { return "git" }

func (g *GitAdapter) IsRepo(ctx context.Context, dir string) (bool, error) {
	return gitx.IsRepo(ctx, g.Runner, dir)
}

func (g *GitAdapter) IsBare(ctx context.Context, dir string) (bool, error) {
	return gitx.IsBare(ctx, g.Runner, dir)
}

func (g *GitAdapter) Remotes(ctx context.Context, dir string) ([]model.Remote, error) {
	return gitx.Remotes(ctx, g.Runner, dir)
}

func (g *GitAdapter) Head(ctx context.Context, dir string) (model.Head, error) {
	return gitx.Head(ctx, g.Runner, dir)
}

func (g *GitAdapter) WorktreeStatus(ctx context.Context, dir string) (*model.Worktree, error) {
	return gitx.WorktreeStatus(ctx, g.Runner, dir)
}

func (g *GitAdapter) TrackingStatus(ctx context.Context, dir string) (model.Tracking, error) {
	return gitx.TrackingStatus(ctx, g.Runner, dir)
}

func (g *GitAdapter) HasSubmodules(ctx context.Context, dir string) (bool, error) {
	return gitx.HasSubmodules(ctx, g.Runner, dir)
}

func (g *GitAdapter) Fetch(ctx context.Context, dir string) error {
	return gitx.Fetch(ctx, g.Runner, dir)
}

func (g *GitAdapter) PullRebase(ctx context.Context, dir string) error {
	return gitx.PullRebase(ctx, g.Runner, dir)
}

func (g *GitAdapter) Push(ctx context.Context, dir string) error {
	return gitx.Push(ctx, g.Runner, dir)
}

func (g *GitAdapter) SetUpstream(ctx context.Context, dir, remote, branch string) error {
	return gitx.SetUpstream(ctx, g.Runner, dir, remote, branch)
}

func (g *GitAdapter) SetRemoteURL(ctx context.Context, dir, remote, remoteURL string) error {
	return gitx.SetRemoteURL(ctx, g.Runner, dir, remote, remoteURL)
}

func (g *GitAdapter) StashPush(ctx context.Context, dir, message string) (bool, error) {
	return gitx.StashPush(ctx, g.Runner, dir, message)
}

func (g *GitAdapter) StashPop(ctx context.Context, dir string) error {
	return gitx.StashPop(ctx, g.Runner, dir)
}

func (g *GitAdapter) Clone(ctx context.Context, remoteURL, targetPath, branch string, mirror bool) error {
	return gitx.Clone(ctx, g.Runner, remoteURL, targetPath, branch, mirror)
}

func (g *GitAdapter) NormalizeURL(rawURL string) string {
	return gitx.NormalizeURL(rawURL)
}

func (g *GitAdapter) PrimaryRemote(remoteNames []string) string {
	return gitx.PrimaryRemote(remoteNames)
}

// SupportsLocalUpdate reports that git repositories support sync's local
// update; whether a given repo is rebased or pushed is left to the engine's
// branch and worktree policy checks.
func (g *GitAdapter) SupportsLocalUpdate(context.Context, string) (bool, string, error) {
	return true, "", nil
}

// FetchAction returns the git fetch command that Fetch runs, as shown in
// dry-run plans.
func (g *GitAdapter) FetchAction(context.Context, string) (string, error) {
	return "git fetch --all --prune --prune-tags --no-recurse-submodules", nil
}
