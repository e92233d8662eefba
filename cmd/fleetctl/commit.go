// SPDX-License-Identifier: MIT
package fleetctl

import (
	"github.com/skaphos/fleetctl/internal/syncpipeline"
	"github.com/spf13/cobra"
)

var commitCmd = &cobra.Command{
	Use:   "commit <message>",
	Short: "Commit staged changes in every repo",
	Long: "Commit records the staged index of every repo in the working set under one " +
		"shared message. Repos with nothing staged are skipped unless --include-empty.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := resolveWorkingSet(cmd, nil)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if len(repos) == 0 {
			return finishWithError(cmd, invocationErrorf("no repositories found"))
		}
		results, stats := syncpipeline.Commit(cmd.Context(), repos, pipelineDeps(cmd, len(repos)),
			syncpipeline.CommitOptions{
				Message:      args[0],
				IncludeEmpty: getBoolFlag(cmd, "include-empty"),
			})
		writeFleetSummary(cmd, results, stats)
		return nil
	},
}

func init() {
	commitCmd.Flags().Bool("include-empty", false, "record an empty commit in repos with nothing staged")
	addFleetConcurrencyFlags(commitCmd)
	rootCmd.AddCommand(commitCmd)
}
