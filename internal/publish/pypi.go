package publish

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/skaphos/fleetctl/internal/process"
)

// PyPIAdapter publishes Python packages declared by pyproject.toml or, as a
// fallback, a legacy setup.py. Uploading is delegated to twine; credentials
// are twine's problem.
type PyPIAdapter struct {
	Runner CommandRunner
}

func (a *PyPIAdapter) ID() string { return "pypi" }

var (
	setupNameRe    = regexp.MustCompile(`name\s*=\s*["']([^"']+)["']`)
	setupVersionRe = regexp.MustCompile(`version\s*=\s*["']([^"']+)["']`)
)

func (a *PyPIAdapter) Detect(_ context.Context, dir string) (bool, string, string, error) {
	pyproject := filepath.Join(dir, "pyproject.toml")
	if _, err := os.Stat(pyproject); err == nil {
		cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true}, pyproject)
		if err == nil {
			section := cfg.Section("project")
			name := unquoteTOML(section.Key("name").String())
			version := unquoteTOML(section.Key("version").String())
			if name != "" {
				return true, name, version, nil
			}
		}
	}

	setup := filepath.Join(dir, "setup.py")
	data, err := os.ReadFile(setup)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", "", nil
		}
		return false, "", "", err
	}
	content := string(data)
	name := firstSubmatch(setupNameRe, content)
	if name == "" {
		return false, "", "", nil
	}
	return true, name, firstSubmatch(setupVersionRe, content), nil
}

// AlreadyPublished is undetermined for PyPI: twine reports the duplicate at
// upload time ("File already exists"), which the executor classifies.
func (a *PyPIAdapter) AlreadyPublished(context.Context, string, string, string) (bool, error) {
	return false, errUndetermined
}

// Publish builds a fresh sdist/wheel and uploads it. Dry run stops after
// `twine check`, which validates the built distribution without touching the
// registry.
func (a *PyPIAdapter) Publish(ctx context.Context, dir string, dryRun bool) error {
	buildResult, err := a.Runner.Run(ctx, "python3", []string{"-m", "build"}, process.Options{
		Dir: dir, Category: process.CategoryPyPIPublish,
	})
	if err != nil {
		return classifyPublishError("pypi", buildResult, err)
	}
	if dryRun {
		result, err := a.Runner.Run(ctx, "twine", []string{"check", "dist/*"}, process.Options{
			Dir: dir, Category: process.CategoryPyPIPublish,
		})
		return classifyPublishError("pypi", result, err)
	}
	result, err := a.Runner.Run(ctx, "twine", []string{"upload", "--non-interactive", "dist/*"}, process.Options{
		Dir: dir, Category: process.CategoryPyPIPublish,
	})
	if strings.Contains(string(result.Stderr), "File already exists") {
		return ErrAlreadyPublished
	}
	return classifyPublishError("pypi", result, err)
}

func firstSubmatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
