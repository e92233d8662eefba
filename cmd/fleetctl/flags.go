// SPDX-License-Identifier: MIT
package fleetctl

import "github.com/spf13/cobra"

const (
	repoFilterUsage           = "filter: all, errors, dirty, clean, gone, diverged, remote-mismatch, missing"
	upstreamRepairFilterUsage = "filter: all, missing, mismatch"
	noHeadersUsage            = "when using table format, do not print headers"
	vcsUsage                  = "comma-separated vcs backends: git,hg (default: git)"
)

func addFormatFlag(cmd *cobra.Command, usage string) {
	cmd.Flags().StringP("format", "o", "table", usage)
}

func addNoHeadersFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("no-headers", false, noHeadersUsage)
}

func addUpstreamRepairFilterFlag(cmd *cobra.Command) {
	cmd.Flags().String("only", "all", upstreamRepairFilterUsage)
}

func addVCSFlag(cmd *cobra.Command) {
	cmd.Flags().String("vcs", "git", vcsUsage)
}

// configOverride returns the effective --config override for cmd, honoring
// the persistent root flag regardless of which subcommand is executing.
func configOverride(cmd *cobra.Command) string {
	if cmd != nil {
		if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
			return v
		}
	}
	return flagConfig
}

func getStringFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func getBoolFlag(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func getIntFlag(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}
