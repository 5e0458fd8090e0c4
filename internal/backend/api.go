package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
	"github.com/joss/relay/internal/gitrepo"
	"github.com/joss/relay/internal/secret"
)

// apiKeyEnv overrides the stored credential when set.
const apiKeyEnv = "JULES_API_KEY"

const missingKeyHelp = `No API key is configured.

Run "relay login" to store one, or export ` + apiKeyEnv + `.`

// APIBackend drives the remote agent over its HTTP API: it resolves the
// repository to a linked source, creates or continues a remote session,
// and reconciles asynchronous activity records through per-session
// pollers.
type APIBackend struct {
	client   *apiClient
	resolver *gitrepo.Resolver
	secrets  *secret.Store
	prompt   CredentialPrompt
	output   chat.Sink
	status   chat.StatusSink
	recorder chat.Recorder
	pollers  *pollerSet

	mu      sync.Mutex
	sources map[string]string // lowercased slug -> source resource name
}

// NewAPIBackend creates the HTTP backend.
func NewAPIBackend(cfg *config.Config, deps Deps) *APIBackend {
	b := &APIBackend{
		resolver: deps.Resolver,
		secrets:  deps.Secrets,
		prompt:   deps.Prompt,
		output:   deps.Output,
		status:   deps.Status,
		recorder: deps.Recorder,
		sources:  make(map[string]string),
	}
	b.client = newAPIClient(cfg.APIBaseURL, b.credential)
	b.pollers = newPollerSet(policyFromConfig(cfg), b.client.listActivities)
	b.pollers.deliver = b.deliverActivity
	b.pollers.expired = b.deliverTimeout
	b.pollers.persist = b.persist
	return b
}

func (b *APIBackend) credential() (string, error) {
	if key := os.Getenv(apiKeyEnv); key != "" {
		return key, nil
	}
	if b.secrets == nil {
		return "", nil
	}
	return b.secrets.Get()
}

func (b *APIBackend) CheckAuth(ctx context.Context, cwd string) chat.AuthStatus {
	key, err := b.credential()
	if err != nil || key == "" {
		return chat.AuthKeyMissing
	}

	if _, err := b.client.listSources(ctx); err != nil {
		if apiErr, ok := err.(*apiError); ok {
			if apiErr.Status == 401 || apiErr.Status == 403 {
				return chat.AuthSignedOut
			}
		}
		return chat.AuthUnknown
	}
	return chat.AuthSignedIn
}

// Login prompts for an API key and stores it durably.
func (b *APIBackend) Login(ctx context.Context, cwd string) {
	if b.prompt == nil || b.secrets == nil {
		b.emit(nil, chat.SenderSystem, missingKeyHelp)
		b.emitStatus(chat.AuthKeyMissing)
		return
	}

	key, err := b.prompt()
	if err != nil || strings.TrimSpace(key) == "" {
		b.emit(nil, chat.SenderSystem, "Sign-in cancelled; no key stored.")
		b.emitStatus(chat.AuthKeyMissing)
		return
	}
	if err := b.secrets.Set(strings.TrimSpace(key)); err != nil {
		b.emit(nil, chat.SenderSystem, "error: "+err.Error())
		b.emitStatus(chat.AuthUnknown)
		return
	}

	b.emit(nil, chat.SenderSystem, "API key stored.")
	b.emitStatus(b.CheckAuth(ctx, cwd))
}

// Logout deletes the credential and invalidates the repo and source
// caches: a different credential may be linked to different
// repositories.
func (b *APIBackend) Logout(ctx context.Context, cwd string) {
	if b.secrets != nil {
		if err := b.secrets.Delete(); err != nil {
			log.Warn().Err(err).Msg("delete credential")
		}
	}
	b.resolver.Invalidate()
	b.mu.Lock()
	b.sources = make(map[string]string)
	b.mu.Unlock()

	b.emit(nil, chat.SenderSystem, "Signed out.")
	b.emitStatus(chat.AuthSignedOut)
}

func (b *APIBackend) SendMessage(ctx context.Context, sess *chat.Session, text, cwd string) {
	key, err := b.credential()
	if err != nil || key == "" {
		b.emit(sess, chat.SenderSystem, missingKeyHelp)
		return
	}

	if sess.RemoteID != "" {
		b.continueSession(ctx, sess, text)
		return
	}
	b.createSession(ctx, sess, text, cwd)
}

// continueSession appends the message to the bound remote session. The
// append must complete (or fail) before the poller restarts, so the
// agent has received the input before activity listing begins.
func (b *APIBackend) continueSession(ctx context.Context, sess *chat.Session, text string) {
	if err := b.client.sendMessage(ctx, sess.RemoteID, text); err != nil {
		b.emit(sess, chat.SenderSystem, "error: "+err.Error())
		return
	}
	b.pollers.Start(sess.RemoteID, sess)
}

func (b *APIBackend) createSession(ctx context.Context, sess *chat.Session, text, cwd string) {
	slug, err := b.resolver.Slug(ctx, cwd)
	if err != nil {
		log.Debug().Err(err).Str("cwd", cwd).Msg("no repo context for session")
		b.emit(sess, chat.SenderSystem, missingRepoHelp)
		return
	}

	b.emit(sess, chat.SenderSystem, "Dispatching task for "+slug+"...")

	sourceName, err := b.resolveSource(ctx, slug)
	if err != nil {
		b.emit(sess, chat.SenderSystem, fmt.Sprintf(
			"%s is not connected to your agent account. Link the repository in the agent console, then try again.", slug))
		return
	}

	branch := b.resolver.Branch(ctx, cwd)

	req := createSessionRequest{Prompt: text, Title: chat.DeriveTitle(text)}
	req.SourceContext.Source = sourceName
	req.SourceContext.GithubRepoContext.StartingBranch = branch

	remote, err := b.client.createSession(ctx, req)
	if err != nil {
		b.emit(sess, chat.SenderSystem, "error: "+err.Error())
		return
	}

	sess.BindRemote(remote.Name)
	if remote.Title != "" {
		sess.SetTitle(remote.Title)
	}
	b.persist(sess)

	b.emit(sess, chat.SenderSystem, "Session created: "+remote.Name)
	b.pollers.Start(sess.RemoteID, sess)
}

// resolveSource maps a repository slug to the remote source resource,
// matching case-insensitively against the account's linked repositories.
// Hits are cached per normalized slug until logout.
func (b *APIBackend) resolveSource(ctx context.Context, slug string) (string, error) {
	normalized := strings.ToLower(slug)

	b.mu.Lock()
	if name, ok := b.sources[normalized]; ok {
		b.mu.Unlock()
		return name, nil
	}
	b.mu.Unlock()

	sources, err := b.client.listSources(ctx)
	if err != nil {
		return "", fmt.Errorf("list sources: %w", err)
	}

	for _, src := range sources {
		if strings.ToLower(src.Slug()) == normalized {
			b.mu.Lock()
			b.sources[normalized] = src.Name
			b.mu.Unlock()
			return src.Name, nil
		}
	}
	return "", fmt.Errorf("no source linked for %s", slug)
}

// Cleanup cancels the poller for one remote session id; idempotent.
func (b *APIBackend) Cleanup(remoteID string) {
	b.pollers.Cleanup(remoteID)
}

// CleanupAll cancels every poller; called at shutdown.
func (b *APIBackend) CleanupAll() {
	b.pollers.CleanupAll()
}

func (b *APIBackend) deliverActivity(sess *chat.Session, text string) {
	if sess != nil {
		sess.Append(chat.SenderAgent, text)
	}
	if b.output != nil {
		b.output(text, chat.SenderAgent, sess)
	}
}

func (b *APIBackend) deliverTimeout(sess *chat.Session) {
	b.emit(sess, chat.SenderSystem, "The remote session timed out without completing. Send a new message to keep waiting.")
}

func (b *APIBackend) emit(sess *chat.Session, sender chat.Sender, text string) {
	if sess != nil {
		sess.Append(sender, text)
	}
	if b.output != nil {
		b.output(text, sender, sess)
	}
}

func (b *APIBackend) emitStatus(status chat.AuthStatus) {
	if b.status != nil {
		b.status(status)
	}
}

func (b *APIBackend) persist(sess *chat.Session) {
	if b.recorder == nil || sess == nil {
		return
	}
	if err := b.recorder.SaveSession(context.Background(), sess); err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("persist session")
	}
}

var (
	_ Backend = (*APIBackend)(nil)
	_ Backend = (*CLIBackend)(nil)
	_ Cleaner = (*APIBackend)(nil)
)
