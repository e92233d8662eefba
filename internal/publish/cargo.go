package publish

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/skaphos/fleetctl/internal/process"
)

// CargoAdapter publishes Rust crates declared by a Cargo.toml manifest.
type CargoAdapter struct {
	Runner CommandRunner
}

func (a *CargoAdapter) ID() string { return "cargo" }

// Detect reads Cargo.toml's [package] table. The file is TOML, but the
// name/version keys a detection pass needs are plain `key = "value"` lines
// an INI loader reads fine; anything fancier (workspace inheritance) is
// treated as not-detected rather than guessed at.
func (a *CargoAdapter) Detect(_ context.Context, dir string) (bool, string, string, error) {
	manifest := filepath.Join(dir, "Cargo.toml")
	if _, err := os.Stat(manifest); err != nil {
		if os.IsNotExist(err) {
			return false, "", "", nil
		}
		return false, "", "", err
	}
	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true, Insensitive: false}, manifest)
	if err != nil {
		return false, "", "", err
	}
	section := cfg.Section("package")
	name := unquoteTOML(section.Key("name").String())
	version := unquoteTOML(section.Key("version").String())
	if name == "" || version == "" {
		return false, "", "", nil
	}
	return true, name, version, nil
}

// AlreadyPublished is undetermined for cargo: `cargo publish` itself reports
// "crate version ... is already uploaded", and the executor treats that as
// AlreadyPublished, so a separate registry query buys nothing.
func (a *CargoAdapter) AlreadyPublished(context.Context, string, string, string) (bool, error) {
	return false, errUndetermined
}

func (a *CargoAdapter) Publish(ctx context.Context, dir string, dryRun bool) error {
	args := []string{"publish"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	result, err := a.Runner.Run(ctx, "cargo", args, process.Options{
		Dir: dir, Category: process.CategoryCargoPublish,
	})
	if strings.Contains(string(result.Stderr), "is already uploaded") {
		return ErrAlreadyPublished
	}
	return classifyPublishError("cargo", result, err)
}

func unquoteTOML(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, `"'`)
	return v
}
