// Package publish implements the package-adapter registry, planner, and
// executor that drive `fleetctl publish` across npm, cargo, and PyPI
// projects.
package publish

import "context"

// Adapter is one package-manager integration. Detect reports whether dir
// looks like a project this adapter owns, along with its declared package
// name and version when it does.
type Adapter interface {
	ID() string
	Detect(ctx context.Context, dir string) (ok bool, packageName, version string, err error)
	AlreadyPublished(ctx context.Context, dir, packageName, version string) (bool, error)
	Publish(ctx context.Context, dir string, dryRun bool) error
}

// Registry holds the adapters in detection-precedence order: the first
// adapter whose Detect succeeds wins.
type Registry struct {
	adapters []Adapter
}

// NewRegistry returns a Registry with npm, cargo, and PyPI in that
// precedence order -- npm first because package.json detection is cheapest
// and most common in mixed monorepos.
func NewRegistry(runner CommandRunner) *Registry {
	return &Registry{adapters: []Adapter{
		&NpmAdapter{Runner: runner},
		&CargoAdapter{Runner: runner},
		&PyPIAdapter{Runner: runner},
	}}
}

// Detect runs every registered adapter in precedence order and returns the
// first positive match.
func (r *Registry) Detect(ctx context.Context, dir string) (Adapter, string, string, bool) {
	for _, a := range r.adapters {
		ok, name, version, err := a.Detect(ctx, dir)
		if err != nil || !ok {
			continue
		}
		return a, name, version, true
	}
	return nil, "", "", false
}

// ByID returns the registered adapter with the given ID, or nil.
func (r *Registry) ByID(id string) Adapter {
	for _, a := range r.adapters {
		if a.ID() == id {
			return a
		}
	}
	return nil
}
