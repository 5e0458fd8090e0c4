// Package backend implements the transport layer between a local chat
// surface and a remote asynchronous coding agent. Two interchangeable
// implementations satisfy the Backend contract: CLIBackend spawns the
// locally installed agent binary and streams its output, APIBackend talks
// to the agent's HTTP API and reconciles activity records via polling.
//
// Backends append delivered output to the session transcript (the
// authoritative ordered sequence) and invoke the output sink for each
// chunk; the front end owns rendering. The user's own message is appended
// by the caller at send time, never by a backend.
package backend

import (
	"context"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
	"github.com/joss/relay/internal/exec"
	"github.com/joss/relay/internal/gitrepo"
	"github.com/joss/relay/internal/secret"
)

// Backend is the uniform contract over both transports.
type Backend interface {
	// CheckAuth is a read-only probe of connectivity state. It never
	// mutates session state and never fails: an unreachable transport
	// maps to a status value, not an error.
	CheckAuth(ctx context.Context, cwd string) chat.AuthStatus

	// Login runs the transport's interactive sign-in flow and emits the
	// refreshed AuthStatus exactly once through the status sink.
	Login(ctx context.Context, cwd string)

	// Logout clears local credential and cache state and emits
	// signed-out once complete.
	Logout(ctx context.Context, cwd string)

	// SendMessage dispatches text within the session. Expected failures
	// (missing repo context, missing credential) surface as exactly one
	// instructional message through the output sink; unexpected failures
	// are caught and surfaced as an error message. It never panics and
	// never lets an error escape.
	SendMessage(ctx context.Context, sess *chat.Session, text, cwd string)
}

// Cleaner is implemented by backends that own background pollers.
type Cleaner interface {
	// Cleanup cancels the poller for one remote session id. Safe to call
	// for an unknown or already-cleaned id.
	Cleanup(remoteID string)

	// CleanupAll cancels every tracked poller; called at shutdown.
	CleanupAll()
}

// CredentialPrompt asks the user for an API key. The front end supplies a
// terminal or editor specific implementation.
type CredentialPrompt func() (string, error)

// Deps carries the collaborators shared by both backends.
type Deps struct {
	Output   chat.Sink
	Status   chat.StatusSink
	Runner   exec.Runner
	Resolver *gitrepo.Resolver
	Recorder chat.Recorder
	Secrets  *secret.Store
	Prompt   CredentialPrompt
}

// New builds the backend selected by cfg. The caller may rebuild and swap
// on configuration change; each instance owns its own poller and cache
// state, so the old instance should be cleaned up after a swap.
func New(cfg *config.Config, deps Deps) Backend {
	if cfg.Backend == config.BackendAPI {
		return NewAPIBackend(cfg, deps)
	}
	return NewCLIBackend(cfg, deps)
}
