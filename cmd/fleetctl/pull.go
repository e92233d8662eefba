// SPDX-License-Identifier: MIT
package fleetctl

import (
	"github.com/skaphos/fleetctl/internal/syncpipeline"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull [repos...]",
	Short: "Fetch and rebase every repo onto its upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := resolveWorkingSet(cmd, args)
		if err != nil {
			return finishWithError(cmd, err)
		}
		if len(repos) == 0 {
			infof(cmd, "no repositories found; nothing to pull")
			return nil
		}
		results, stats := syncpipeline.Pull(cmd.Context(), repos, pipelineDeps(cmd, len(repos)))
		writeFleetSummary(cmd, results, stats)
		return nil
	},
}

func init() {
	addFleetConcurrencyFlags(pullCmd)
	rootCmd.AddCommand(pullCmd)
}
