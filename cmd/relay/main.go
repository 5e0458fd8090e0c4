// Package main provides the relay CLI entrypoint.
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/joss/relay/internal/backend"
	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
	"github.com/joss/relay/internal/exec"
	"github.com/joss/relay/internal/gitrepo"
	"github.com/joss/relay/internal/logging"
	"github.com/joss/relay/internal/secret"
	"github.com/joss/relay/internal/store"
)

var version = "0.1.0"

// app wires the long-lived collaborators and holds the active backend,
// which is swapped atomically when the config file changes.
type app struct {
	mu       sync.Mutex
	be       backend.Backend
	cfg      *config.Config
	resolver *gitrepo.Resolver
	secrets  *secret.Store
	db       *store.Store
	runner   exec.Runner

	output chat.Sink
	status chat.StatusSink
}

func newApp(cfg *config.Config, output chat.Sink, status chat.StatusSink) (*app, error) {
	db, err := store.New(config.DataDir())
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		resolver: gitrepo.NewResolver(exec.NewOSRunner()),
		secrets:  secret.NewStore(config.DataDir()),
		db:       db,
		runner:   exec.NewOSRunner(),
		output:   output,
		status:   status,
	}
	a.be = backend.New(cfg, a.deps())
	return a, nil
}

func (a *app) deps() backend.Deps {
	return backend.Deps{
		Output:   func(text string, sender chat.Sender, sess *chat.Session) { a.output(text, sender, sess) },
		Status:   func(s chat.AuthStatus) { a.status(s) },
		Runner:   a.runner,
		Resolver: a.resolver,
		Recorder: a.db,
		Secrets:  a.secrets,
		Prompt:   promptForKey,
	}
}

// Backend returns the currently active backend.
func (a *app) Backend() backend.Backend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.be
}

// Reconfigure swaps the active backend for the new configuration,
// cleaning up the old instance's pollers.
func (a *app) Reconfigure(cfg *config.Config) {
	a.mu.Lock()
	old := a.be
	a.cfg = cfg
	a.be = backend.New(cfg, a.deps())
	a.mu.Unlock()

	if cleaner, ok := old.(backend.Cleaner); ok {
		cleaner.CleanupAll()
	}
}

// Close releases pollers and the session store.
func (a *app) Close() {
	if cleaner, ok := a.Backend().(backend.Cleaner); ok {
		cleaner.CleanupAll()
	}
	a.db.Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, isatty.IsTerminal(os.Stderr.Fd()))

	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Drive a remote asynchronous coding agent from your terminal",
		Version: version,
		Long: `relay bridges a local chat surface and a remote asynchronous coding
agent. It speaks either to the locally installed agent CLI or directly
to the agent's HTTP API; switch with the "backend" setting in ` + config.GlobalConfigPath() + `.`,
	}

	rootCmd.PersistentFlags().StringP("cwd", "C", "", "working directory (defaults to the current directory)")

	rootCmd.AddCommand(
		sendCmd(cfg),
		chatCmd(cfg),
		loginCmd(cfg),
		logoutCmd(cfg),
		statusCmd(cfg),
		sessionsCmd(cfg),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// workDir resolves the --cwd flag, defaulting to the process directory.
func workDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("cwd"); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
