package publish

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/skaphos/fleetctl/internal/process"
)

// NpmAdapter publishes npm packages declared by a package.json manifest.
type NpmAdapter struct {
	Runner CommandRunner
}

func (a *NpmAdapter) ID() string { return "npm" }

type packageJSON struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Private bool   `json:"private"`
}

// Detect is a pure filesystem check: it never shells out, so the planner can
// run it concurrently across thousands of directories.
func (a *NpmAdapter) Detect(_ context.Context, dir string) (bool, string, string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", "", nil
		}
		return false, "", "", err
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false, "", "", err
	}
	if pkg.Name == "" || pkg.Private {
		return false, "", "", nil
	}
	return true, pkg.Name, pkg.Version, nil
}

// AlreadyPublished asks the registry whether name@version resolves. A clean
// exit with matching output means yes; the well-known E404 means no; any
// other failure leaves the question undetermined.
func (a *NpmAdapter) AlreadyPublished(ctx context.Context, dir, name, version string) (bool, error) {
	result, err := a.Runner.Run(ctx, "npm", []string{"view", name + "@" + version, "version"}, process.Options{
		Dir: dir, Category: process.CategoryVisibilityProbe,
	})
	if err == nil && strings.TrimSpace(string(result.Stdout)) == version {
		return true, nil
	}
	if strings.Contains(string(result.Stderr), "E404") {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (a *NpmAdapter) Publish(ctx context.Context, dir string, dryRun bool) error {
	args := []string{"publish"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	result, err := a.Runner.Run(ctx, "npm", args, process.Options{
		Dir: dir, Category: process.CategoryNpmPublish,
	})
	return classifyPublishError("npm", result, err)
}
