// SPDX-License-Identifier: MIT
package fleetctl

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/skaphos/fleetctl/internal/gitx"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Propagate a git identity (user.name/user.email) across the fleet",
	Long: "Config writes user.name and user.email into every repo's local git config. " +
		"The identity comes from exactly one source: the --name/--email flags, the " +
		"global git config (--from-global), or the current directory's repo (--from-current). " +
		"Repos that already carry a local identity are left alone unless --force.",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := getStringFlag(cmd, "name")
		email := getStringFlag(cmd, "email")
		fromGlobal := getBoolFlag(cmd, "from-global")
		fromCurrent := getBoolFlag(cmd, "from-current")

		sources := 0
		if name != "" || email != "" {
			sources++
		}
		if fromGlobal {
			sources++
		}
		if fromCurrent {
			sources++
		}
		if sources == 0 {
			return finishWithError(cmd, invocationErrorf("an identity source is required: --name/--email, --from-global, or --from-current"))
		}
		if sources > 1 {
			return finishWithError(cmd, invocationErrorf("--name/--email, --from-global, and --from-current are mutually exclusive"))
		}

		runner := &gitx.ProcessRunner{}
		ctx := cmd.Context()
		if fromGlobal || fromCurrent {
			var err error
			name, email, err = readIdentity(ctx, runner, fromGlobal)
			if err != nil {
				return err
			}
			if name == "" && email == "" {
				return finishWithError(cmd, invocationErrorf("no identity found in the selected source"))
			}
		}

		repos, err := resolveWorkingSet(cmd, args)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if len(repos) == 0 {
			return finishWithError(cmd, invocationErrorf("no repositories found"))
		}

		dryRun := getBoolFlag(cmd, "dry-run")
		force := getBoolFlag(cmd, "force")

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "REPO\tACTION")
		changed := 0
		for _, repo := range repos {
			action, err := applyIdentity(ctx, runner, repo, name, email, force, dryRun)
			if err != nil {
				_, _ = fmt.Fprintf(w, "%s\terror: %v\n", repo.Name, err)
				raiseExitCode(cmd, 1)
				continue
			}
			if !strings.HasPrefix(action, "unchanged") {
				changed++
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\n", repo.Name, action)
		}
		_ = w.Flush()
		infof(cmd, "%d repo(s) updated", changed)
		return nil
	},
}

// readIdentity pulls user.name/user.email from the global config or from
// the repo enclosing the current directory.
func readIdentity(ctx context.Context, runner gitx.Runner, global bool) (string, string, error) {
	if global {
		name, _ := runner.Run(ctx, "", "config", "--global", "--get", "user.name")
		email, _ := runner.Run(ctx, "", "config", "--global", "--get", "user.email")
		return name, email, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", "", err
	}
	name, _ := gitx.ConfigRead(ctx, runner, cwd, "user.name")
	email, _ := gitx.ConfigRead(ctx, runner, cwd, "user.email")
	return name, email, nil
}

func applyIdentity(ctx context.Context, runner gitx.Runner, repo model.Repo, name, email string, force, dryRun bool) (string, error) {
	currentName, _ := gitx.ConfigRead(ctx, runner, repo.Path, "user.name")
	currentEmail, _ := gitx.ConfigRead(ctx, runner, repo.Path, "user.email")

	writeName := name != "" && (force || currentName != name)
	writeEmail := email != "" && (force || currentEmail != email)
	if !writeName && !writeEmail {
		return "unchanged", nil
	}
	if !force && currentName != "" && currentEmail != "" {
		return "unchanged (local identity present; use --force)", nil
	}
	if dryRun {
		return fmt.Sprintf("would set %s <%s>", name, email), nil
	}
	if writeName {
		if err := gitx.ConfigWrite(ctx, runner, repo.Path, "user.name", name); err != nil {
			return "", err
		}
	}
	if writeEmail {
		if err := gitx.ConfigWrite(ctx, runner, repo.Path, "user.email", email); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("set %s <%s>", name, email), nil
}

func init() {
	configCmd.Flags().String("name", "", "identity name to write")
	configCmd.Flags().String("email", "", "identity email to write")
	configCmd.Flags().Bool("from-global", false, "copy the identity from the global git config")
	configCmd.Flags().Bool("from-current", false, "copy the identity from the repo enclosing the current directory")
	configCmd.Flags().Bool("dry-run", false, "print intended writes without executing")
	configCmd.Flags().Bool("force", false, "overwrite identities already configured locally")
	rootCmd.AddCommand(configCmd)
}
