// SPDX-License-Identifier: MIT
package fleetctl

import (
	"github.com/skaphos/fleetctl/internal/syncpipeline"
	"github.com/spf13/cobra"
)

var stageCmd = &cobra.Command{
	Use:   "stage <pattern>",
	Short: "Stage files matching a pattern in every repo",
	Long: "Stage adds paths matching the given pathspec to the index of every repo " +
		"in the working set. Pattern semantics (including case sensitivity) are git's own.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := resolveWorkingSet(cmd, nil)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if len(repos) == 0 {
			return finishWithError(cmd, invocationErrorf("no repositories found"))
		}
		results, stats := syncpipeline.Stage(cmd.Context(), repos, pipelineDeps(cmd, len(repos)),
			syncpipeline.StageOptions{Pattern: args[0]})
		writeFleetSummary(cmd, results, stats)
		return nil
	},
}

var unstageCmd = &cobra.Command{
	Use:   "unstage <pattern>",
	Short: "Unstage files matching a pattern in every repo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := resolveWorkingSet(cmd, nil)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if len(repos) == 0 {
			return finishWithError(cmd, invocationErrorf("no repositories found"))
		}
		results, stats := syncpipeline.Unstage(cmd.Context(), repos, pipelineDeps(cmd, len(repos)),
			syncpipeline.UnstageOptions{Pattern: args[0]})
		writeFleetSummary(cmd, results, stats)
		return nil
	},
}

func init() {
	addFleetConcurrencyFlags(stageCmd)
	addFleetConcurrencyFlags(unstageCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(unstageCmd)
}
