// Package gitrepo derives repository context (owner/name slug, current
// branch) from a working directory's version-control configuration.
package gitrepo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/joss/relay/internal/exec"
)

// DefaultBranch is used when branch detection fails.
const DefaultBranch = "main"

var slugPattern = regexp.MustCompile(`[:/]([^/:]+)/([^/:]+?)(?:\.git)?/?$`)

// ParseSlug extracts "owner/repo" from a git remote URL. It accepts
// scp-like (git@host:owner/repo.git), https (with or without the .git
// suffix) and ssh:// forms. The second return value is false when the URL
// carries no recognizable owner/name pair.
func ParseSlug(remoteURL string) (string, bool) {
	remoteURL = strings.TrimSpace(remoteURL)
	if remoteURL == "" || !strings.Contains(remoteURL, ":") {
		return "", false
	}

	m := slugPattern.FindStringSubmatch(remoteURL)
	if m == nil {
		return "", false
	}
	owner, name := m[1], m[2]
	if owner == "" || name == "" || strings.ContainsAny(owner, "@.") {
		return "", false
	}
	return owner + "/" + name, true
}

// Resolver resolves repository context for working directories, memoizing
// results per directory. Concurrent lookups for the same directory are
// collapsed into one git invocation.
type Resolver struct {
	runner exec.Runner

	mu    sync.Mutex
	slugs map[string]string

	sf singleflight.Group
}

// NewResolver creates a resolver backed by the given command runner.
func NewResolver(runner exec.Runner) *Resolver {
	return &Resolver{
		runner: runner,
		slugs:  make(map[string]string),
	}
}

// Slug returns the owner/repo slug for cwd. Results, including the
// "no remote" outcome, are cached until Invalidate is called.
func (r *Resolver) Slug(ctx context.Context, cwd string) (string, error) {
	r.mu.Lock()
	if slug, ok := r.slugs[cwd]; ok {
		r.mu.Unlock()
		if slug == "" {
			return "", fmt.Errorf("no repository slug for %s", cwd)
		}
		return slug, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(cwd, func() (interface{}, error) {
		out, err := r.runner.Run(ctx, cwd, "git", "config", "--get", "remote.origin.url")
		if err != nil {
			log.Debug().Err(err).Str("cwd", cwd).Msg("git remote lookup failed")
			r.remember(cwd, "")
			return "", fmt.Errorf("read remote url: %w", err)
		}

		slug, ok := ParseSlug(string(out))
		if !ok {
			r.remember(cwd, "")
			return "", fmt.Errorf("remote url %q has no owner/repo form", strings.TrimSpace(string(out)))
		}

		r.remember(cwd, slug)
		return slug, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Branch returns the current branch for cwd, falling back to
// DefaultBranch when detection fails. Detection is best-effort and never
// returns an error.
func (r *Resolver) Branch(ctx context.Context, cwd string) string {
	out, err := r.runner.Run(ctx, cwd, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return DefaultBranch
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" || branch == "HEAD" {
		return DefaultBranch
	}
	return branch
}

// Invalidate clears the memoized slugs. Called on logout, since a changed
// credential may see a different set of repositories.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.slugs = make(map[string]string)
	r.mu.Unlock()
}

func (r *Resolver) remember(cwd, slug string) {
	r.mu.Lock()
	r.slugs[cwd] = slug
	r.mu.Unlock()
}
