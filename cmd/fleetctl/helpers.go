// SPDX-License-Identifier: MIT
package fleetctl

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/skaphos/fleetctl/internal/cliio"
	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/registry"
	"github.com/skaphos/fleetctl/internal/strutil"
	"github.com/spf13/cobra"
)

// assumeYes reports whether the user pre-approved mutating actions, via the
// command's own --yes flag or the root persistent one.
func assumeYes(cmd *cobra.Command) bool {
	if v, err := cmd.Flags().GetBool("yes"); err == nil && v {
		return true
	}
	return flagYes
}

// confirmWithPrompt asks an interactive yes/no question on stderr so the
// answer never pollutes parseable stdout.
func confirmWithPrompt(cmd *cobra.Command, prompt string) (bool, error) {
	return cliio.PromptYesNo(cmd.ErrOrStderr(), cmd.InOrStdin(), prompt)
}

// prompt writes label and its default to stdout and returns the trimmed line
// read from reader, or def when that line is empty.
func prompt(reader *bufio.Reader, cmd *cobra.Command, label, def string) string {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]: ", label, def)
	line, _ := reader.ReadString('\n')
	if line = strings.TrimSpace(line); line == "" {
		return def
	}
	return line
}

// splitCSV trims and drops empty segments from a comma-separated flag value.
func splitCSV(raw string) []string {
	return strutil.SplitCSV(raw)
}

// statusHasWarningsOrErrors reports whether a status run surfaced anything
// that should raise the exit code.
func statusHasWarningsOrErrors(report *model.StatusReport, reg *registry.Registry) bool {
	return statusExitCode(report, reg) > 0
}

// setRegistryEntryByRepoID replaces the registry entry with entry's RepoID,
// appending it when no entry matches.
func setRegistryEntryByRepoID(reg *registry.Registry, entry registry.Entry) {
	if reg == nil {
		return
	}
	for i := range reg.Entries {
		if reg.Entries[i].RepoID == entry.RepoID {
			reg.Entries[i] = entry
			return
		}
	}
	reg.Entries = append(reg.Entries, entry)
}
