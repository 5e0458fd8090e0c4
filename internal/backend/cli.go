package backend

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
	"github.com/joss/relay/internal/exec"
	"github.com/joss/relay/internal/gitrepo"
)

// notConnectedPhrases are stderr fragments the agent CLI prints when the
// repository is not linked to the remote account.
var notConnectedPhrases = []string{
	"not connected",
	"no repository found",
	"repository not linked",
	"repo is not registered",
}

const missingRepoHelp = `This directory is not part of a repository the agent can work on.

To get started:
  1. Initialize version control: git init
  2. Add a remote: git remote add origin git@github.com:<owner>/<repo>.git
  3. Connect the repository to your agent account, then try again.`

// CLIBackend drives the remote agent through the locally installed
// command-line tool, streaming the spawned process's output into the
// session as it arrives.
type CLIBackend struct {
	bin      string
	runner   exec.Runner
	resolver *gitrepo.Resolver
	output   chat.Sink
	status   chat.StatusSink
	recorder chat.Recorder
}

// NewCLIBackend creates the process-spawning backend.
func NewCLIBackend(cfg *config.Config, deps Deps) *CLIBackend {
	return &CLIBackend{
		bin:      cfg.AgentCLI,
		runner:   deps.Runner,
		resolver: deps.Resolver,
		output:   deps.Output,
		status:   deps.Status,
		recorder: deps.Recorder,
	}
}

func (b *CLIBackend) CheckAuth(ctx context.Context, cwd string) chat.AuthStatus {
	if _, err := b.runner.LookPath(b.bin); err != nil {
		return chat.AuthCLIMissing
	}

	_, err := b.runner.Run(ctx, cwd, b.bin, "auth", "status")
	if err == nil {
		return chat.AuthSignedIn
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return chat.AuthSignedOut
	}
	return chat.AuthUnknown
}

// Login spawns the CLI's interactive sign-in, which hands off to the
// browser on its own. Output is narrated into the transcript-less sink.
func (b *CLIBackend) Login(ctx context.Context, cwd string) {
	b.emit(nil, chat.SenderSystem, "Signing in via "+b.bin+"...")
	echo := func(line string) { b.emit(nil, chat.SenderSystem, line) }
	if _, err := b.runner.Stream(ctx, cwd, echo, echo, b.bin, "login"); err != nil {
		b.emit(nil, chat.SenderSystem, "error: "+err.Error())
	}
	b.emitStatus(b.CheckAuth(ctx, cwd))
}

func (b *CLIBackend) Logout(ctx context.Context, cwd string) {
	if _, err := b.runner.Run(ctx, cwd, b.bin, "logout"); err != nil {
		log.Debug().Err(err).Msg("cli logout")
	}
	b.emit(nil, chat.SenderSystem, "Signed out.")
	b.emitStatus(chat.AuthSignedOut)
}

// SendMessage recognizes the reserved "status"/"list" and "pull <id>"
// forms before dispatching a new remote task.
func (b *CLIBackend) SendMessage(ctx context.Context, sess *chat.Session, text, cwd string) {
	fields := strings.Fields(text)
	if len(fields) > 0 {
		switch strings.ToLower(fields[0]) {
		case "status", "list":
			b.stream(ctx, sess, cwd, "remote", "list")
			return
		case "pull":
			if len(fields) > 1 {
				b.stream(ctx, sess, cwd, "remote", "pull", "--session", fields[1])
				return
			}
		}
	}

	slug, err := b.resolver.Slug(ctx, cwd)
	if err != nil {
		log.Debug().Err(err).Str("cwd", cwd).Msg("no repo context for dispatch")
		b.emit(sess, chat.SenderSystem, missingRepoHelp)
		return
	}

	b.emit(sess, chat.SenderSystem, "Dispatching task for "+slug+"...")
	// The prompt travels as one literal argv element. Never a shell:
	// multi-line prompts with quotes or colons must arrive verbatim.
	b.stream(ctx, sess, cwd, "remote", "new", "--repo", slug, "--session", text)
}

// stream runs the agent CLI and feeds trimmed output lines into the
// session. Consecutive chunks extend the last agent message.
func (b *CLIBackend) stream(ctx context.Context, sess *chat.Session, cwd string, args ...string) {
	helped := false

	onStdout := func(line string) {
		b.deliver(sess, line)
	}
	onStderr := func(line string) {
		if !helped && isNotConnected(line) {
			helped = true
			b.emit(sess, chat.SenderSystem, missingRepoHelp)
			return
		}
		b.deliver(sess, line)
	}

	code, err := b.runner.Stream(ctx, cwd, onStdout, onStderr, b.bin, args...)
	if err != nil {
		b.emit(sess, chat.SenderSystem, "error: "+err.Error())
		return
	}
	if code != 0 {
		b.emit(sess, chat.SenderSystem, fmt.Sprintf("%s exited with code %d", b.bin, code))
	}
	b.persist(sess)
}

func (b *CLIBackend) deliver(sess *chat.Session, line string) {
	if line == "" {
		return
	}
	if sess != nil {
		sess.ExtendAgent(line)
	}
	if b.output != nil {
		b.output(line, chat.SenderAgent, sess)
	}
}

func (b *CLIBackend) emit(sess *chat.Session, sender chat.Sender, text string) {
	if sess != nil {
		sess.Append(sender, text)
	}
	if b.output != nil {
		b.output(text, sender, sess)
	}
}

func (b *CLIBackend) emitStatus(status chat.AuthStatus) {
	if b.status != nil {
		b.status(status)
	}
}

func (b *CLIBackend) persist(sess *chat.Session) {
	if b.recorder == nil || sess == nil {
		return
	}
	if err := b.recorder.SaveSession(context.Background(), sess); err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("persist session")
	}
}

func isNotConnected(line string) bool {
	lower := strings.ToLower(line)
	for _, phrase := range notConnectedPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
