package publish

import (
	"errors"
	"fmt"
	"strings"

	"github.com/skaphos/fleetctl/internal/process"
)

// ErrAlreadyPublished marks a publish attempt that found the exact version
// already in the registry. Surfaced as Skipped, not Failed.
var ErrAlreadyPublished = errors.New("publish: version already published")

// ErrAuthRequired marks a publish rejected for missing or expired
// credentials. Never retried by the core.
var ErrAuthRequired = errors.New("publish: authentication required")

// errUndetermined is returned by AlreadyPublished probes that cannot answer
// without attempting the publish itself.
var errUndetermined = errors.New("publish: already-published state undetermined")

// excerptLimit caps how much captured stderr is carried into an error
// message: half from the head, half from the tail.
const excerptLimit = 4 * 1024

// classifyPublishError folds a tool invocation's result into the publish
// error taxonomy, excerpting stderr rather than carrying megabytes of build
// log into the summary.
func classifyPublishError(tool string, result process.Result, err error) error {
	if err == nil && result.ExitCode == 0 {
		return nil
	}
	stderr := string(result.Stderr)
	lower := strings.ToLower(stderr)
	switch {
	case errors.Is(err, process.ErrTimedOut):
		return fmt.Errorf("%s: %w", tool, err)
	case errors.Is(err, process.ErrCancelled):
		return fmt.Errorf("%s: %w", tool, err)
	case strings.Contains(lower, "401") && strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "eneedauth"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "login required"),
		strings.Contains(lower, "not logged in"):
		return fmt.Errorf("%s: %w: %s", tool, ErrAuthRequired, excerpt(stderr))
	default:
		if err != nil {
			return fmt.Errorf("%s: %w: %s", tool, err, excerpt(stderr))
		}
		return fmt.Errorf("%s: exit %d: %s", tool, result.ExitCode, excerpt(stderr))
	}
}

// excerpt keeps the head and tail of long output, eliding the middle.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= excerptLimit {
		return s
	}
	half := excerptLimit / 2
	return s[:half] + "\n[... elided ...]\n" + s[len(s)-half:]
}
