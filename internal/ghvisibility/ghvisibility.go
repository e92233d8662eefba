// Package ghvisibility probes GitHub repository visibility via the GitHub
// CLI, caching results for the lifetime of one invocation.
package ghvisibility

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/process"
)

// Prober resolves repository visibility, caching per remote URL for one
// invocation's lifetime. The zero value is ready to use.
type Prober struct {
	mu    sync.Mutex
	cache map[string]model.Visibility
}

// NewProber returns a ready-to-use Prober.
func NewProber() *Prober {
	return &Prober{cache: make(map[string]model.Visibility)}
}

type repoViewOutput struct {
	Visibility string `json:"visibility"`
}

// Visibility returns remoteURL's visibility. Non-GitHub remotes and any
// probe failure (gh absent, auth failure, timeout) resolve to Unknown,
// which publish's filtering treats as private.
func (p *Prober) Visibility(ctx context.Context, remoteURL string) model.Visibility {
	if !isGitHubRemote(remoteURL) {
		return model.VisibilityUnknown
	}

	p.mu.Lock()
	if v, ok := p.cache[remoteURL]; ok {
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	v := probe(ctx, remoteURL)

	p.mu.Lock()
	if p.cache == nil {
		p.cache = make(map[string]model.Visibility)
	}
	p.cache[remoteURL] = v
	p.mu.Unlock()
	return v
}

func probe(ctx context.Context, remoteURL string) model.Visibility {
	slug := githubSlug(remoteURL)
	if slug == "" {
		return model.VisibilityUnknown
	}
	result, err := process.Run(ctx, "gh", []string{"repo", "view", slug, "--json", "visibility"}, process.Options{
		Category: process.CategoryVisibilityProbe,
	})
	if err != nil {
		return model.VisibilityUnknown
	}
	var out repoViewOutput
	if err := json.Unmarshal(result.Stdout, &out); err != nil {
		return model.VisibilityUnknown
	}
	switch strings.ToUpper(out.Visibility) {
	case "PUBLIC":
		return model.VisibilityPublic
	case "PRIVATE", "INTERNAL":
		return model.VisibilityPrivate
	default:
		return model.VisibilityUnknown
	}
}

func isGitHubRemote(remoteURL string) bool {
	lower := strings.ToLower(remoteURL)
	return strings.Contains(lower, "github.com")
}

// githubSlug extracts "owner/repo" from an https or scp-like GitHub remote
// URL, or "" if it cannot be parsed.
func githubSlug(remoteURL string) string {
	s := remoteURL
	if i := strings.Index(s, "github.com"); i >= 0 {
		s = s[i+len("github.com"):]
	} else {
		return ""
	}
	s = strings.TrimPrefix(s, ":")
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimSuffix(strings.TrimSpace(s), ".git")
	s = strings.TrimSuffix(s, "/")
	if s == "" || !strings.Contains(s, "/") {
		return ""
	}
	return s
}
