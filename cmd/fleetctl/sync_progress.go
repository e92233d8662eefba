// SPDX-License-Identifier: MIT
package fleetctl

import (
	"fmt"
	"os"
	"strings"

	"github.com/skaphos/fleetctl/internal/engine"
	"github.com/skaphos/fleetctl/internal/termstyle"
	"github.com/spf13/cobra"
)

// syncResultNeedsConfirmation reports whether a planned sync action mutates
// local state (rebase, stash, clone, checkout) rather than only fetching,
// and therefore requires the interactive confirmation step.
func syncResultNeedsConfirmation(res engine.SyncResult) bool {
	action := res.Action
	for _, marker := range []string{"pull --rebase", "stash", "clone", "checkout", "reset"} {
		if strings.Contains(action, marker) {
			return true
		}
	}
	return false
}

// shouldStreamSyncResults reports whether per-repo progress lines should be
// streamed as results arrive: only for the reconcile alias's table/wide
// output on a live run. Dry runs and structured output stay batch-rendered.
func shouldStreamSyncResults(cmd *cobra.Command, dryRun bool, kind outputKind) bool {
	if dryRun {
		return false
	}
	if kind != outputKindTable && kind != outputKindWide {
		return false
	}
	return cmd != nil && cmd.Parent() != nil && cmd.Parent().Name() == "reconcile"
}

// syncProgressMessage renders one result's short progress tail.
func syncProgressMessage(cmd *cobra.Command, res engine.SyncResult) string {
	colorEnabled := runtimeStateFor(cmd).colorOutputEnabled
	if !res.OK {
		msg := "failed"
		if res.ErrorClass != "" {
			msg += " (" + res.ErrorClass + ")"
		}
		return termstyle.Colorize(colorEnabled, msg, termstyle.Error)
	}
	switch {
	case res.Error == engine.SyncErrorSkippedNoUpstream:
		return termstyle.Colorize(colorEnabled, "skip no upstream", termstyle.Warn)
	case res.Error == engine.SyncErrorMissing:
		return termstyle.Colorize(colorEnabled, "skip missing", termstyle.Warn)
	case strings.HasPrefix(res.Error, engine.SyncErrorSkippedLocalUpdatePrefix):
		return termstyle.Colorize(colorEnabled, "skip local update", termstyle.Warn)
	case res.Error == engine.SyncErrorDryRun:
		return "planned"
	}
	return termstyle.Colorize(colorEnabled, "updated!"+syncOutcomeSuffix(res.Outcome), termstyle.Healthy)
}

func syncOutcomeSuffix(outcome engine.OutcomeKind) string {
	switch outcome {
	case engine.SyncOutcomeFetched:
		return " (fetch)"
	case engine.SyncOutcomeRebased:
		return " (rebase)"
	case engine.SyncOutcomePushed:
		return " (push)"
	case engine.SyncOutcomeCheckoutMissing:
		return " (clone)"
	default:
		return ""
	}
}

// syncProgressState tracks one repo's in-place progress line so a shorter
// update can blank out a longer previous render.
type syncProgressState struct {
	displayPath string
	lastLen     int
}

// syncProgressWriter streams one line per repo as sync results arrive,
// rewriting the line in place when stdout is a terminal.
type syncProgressWriter struct {
	cmd             *cobra.Command
	cwd             string
	roots           []string
	supportsInPlace bool
	states          map[string]*syncProgressState
}

func newSyncProgressWriter(cmd *cobra.Command, cwd string, roots []string) *syncProgressWriter {
	w := &syncProgressWriter{cmd: cmd, cwd: cwd, roots: roots, states: map[string]*syncProgressState{}}
	if file, ok := cmd.OutOrStdout().(*os.File); ok {
		w.supportsInPlace = isTerminalFD(int(file.Fd()))
	}
	return w
}

// StartResult renders the initial "<repo> ." marker for a repo whose action
// has begun executing.
func (w *syncProgressWriter) StartResult(res engine.SyncResult) error {
	s := w.stateFor(res)
	return w.writeProgressLine(s, ".", false)
}

// WriteResult renders the final message for a completed repo.
func (w *syncProgressWriter) WriteResult(res engine.SyncResult) error {
	s := w.stateFor(res)
	return w.writeProgressLine(s, syncProgressMessage(w.cmd, res), true)
}

func (w *syncProgressWriter) stateFor(res engine.SyncResult) *syncProgressState {
	if s, ok := w.states[res.RepoID]; ok {
		return s
	}
	s := &syncProgressState{displayPath: displayRepoPath(res.Path, w.cwd, w.roots)}
	w.states[res.RepoID] = s
	return s
}

func (w *syncProgressWriter) writeProgressLine(s *syncProgressState, msg string, newline bool) error {
	out := w.cmd.OutOrStdout()
	line := s.displayPath + " " + msg

	if !w.supportsInPlace {
		if newline {
			_, err := fmt.Fprintln(out, line)
			return err
		}
		_, err := fmt.Fprint(out, line)
		return err
	}

	padded := line
	if pad := s.lastLen - len(line); pad > 0 {
		padded += strings.Repeat(" ", pad)
	}
	s.lastLen = len(line)
	if newline {
		_, err := fmt.Fprintf(out, "\r%s\n", padded)
		return err
	}
	_, err := fmt.Fprintf(out, "\r%s", padded)
	return err
}
