// Package chat holds the conversation domain model shared by every
// transport backend: sessions, messages, auth state, and the callbacks a
// front end plugs in to receive output.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// AuthStatus describes the connectivity state of the active backend.
type AuthStatus string

const (
	AuthUnknown    AuthStatus = "unknown"
	AuthSignedIn   AuthStatus = "signed-in"
	AuthSignedOut  AuthStatus = "signed-out"
	AuthCLIMissing AuthStatus = "cli-missing"
	AuthKeyMissing AuthStatus = "key-missing"
)

// Action is an interactive affordance attached to a message.
type Action struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// Message is a single entry in a session transcript.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Actions   []Action  `json:"actions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a local conversation unit, optionally bound to a remote
// agent session once RemoteID is set.
type Session struct {
	mu sync.Mutex

	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`

	// RemoteID is the opaque remote resource name. Once set it is never
	// cleared or reassigned; later sends append to that resource.
	RemoteID string `json:"remoteID,omitempty"`

	// Messages is append-only. Transcript order is authoritative for
	// reconciliation and must not be reordered.
	Messages []Message `json:"messages"`

	// ProcessedActivityIDs records remote activity names already
	// delivered into Messages, so dedup survives poller restarts.
	ProcessedActivityIDs []string `json:"processedActivityIDs,omitempty"`
}

// NewSession creates an empty local session.
func NewSession() *Session {
	return &Session{
		ID:        uuid.New().String(),
		Title:     "New Session",
		CreatedAt: time.Now(),
	}
}

// Append adds a message to the transcript and returns it.
func (s *Session) Append(sender Sender, text string, actions ...Action) Message {
	msg := Message{
		ID:        ulid.Make().String(),
		Sender:    sender,
		Text:      text,
		Actions:   actions,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	s.Messages = append(s.Messages, msg)
	if sender == SenderUser && s.Title == "New Session" {
		s.Title = DeriveTitle(text)
	}
	s.mu.Unlock()
	return msg
}

// ExtendAgent appends text to the last agent message, coalescing
// consecutive chunks from a continuous stream. When the transcript does
// not end in an agent message a new one is created.
func (s *Session) ExtendAgent(chunk string) {
	s.mu.Lock()
	if n := len(s.Messages); n > 0 && s.Messages[n-1].Sender == SenderAgent {
		s.Messages[n-1].Text += "\n" + chunk
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Append(SenderAgent, chunk)
}

// BindRemote records the remote resource name for this session. The first
// binding wins; later calls are ignored so the remote identity of a
// session can never change.
func (s *Session) BindRemote(remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RemoteID == "" {
		s.RemoteID = remoteID
	}
}

// MarkProcessed records a delivered activity name.
func (s *Session) MarkProcessed(activityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.ProcessedActivityIDs {
		if id == activityID {
			return
		}
	}
	s.ProcessedActivityIDs = append(s.ProcessedActivityIDs, activityID)
}

// ProcessedSet returns the processed activity names as a set.
func (s *Session) ProcessedSet() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(s.ProcessedActivityIDs))
	for _, id := range s.ProcessedActivityIDs {
		set[id] = struct{}{}
	}
	return set
}

// Snapshot returns a deep copy safe to read while pollers keep mutating
// the live session.
func (s *Session) Snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &Session{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		RemoteID:  s.RemoteID,
	}
	cp.Messages = append([]Message(nil), s.Messages...)
	cp.ProcessedActivityIDs = append([]string(nil), s.ProcessedActivityIDs...)
	return cp
}

// SetTitle replaces the session title when the remote side supplies one.
func (s *Session) SetTitle(title string) {
	if strings.TrimSpace(title) == "" {
		return
	}
	s.mu.Lock()
	s.Title = title
	s.mu.Unlock()
}

// Sink receives output produced by a backend operation. A single send may
// invoke it zero or more times as results arrive.
type Sink func(text string, sender Sender, session *Session)

// StatusSink receives authentication state changes.
type StatusSink func(status AuthStatus)

// Recorder persists session state. Backends call it best-effort after
// mutating RemoteID or ProcessedActivityIDs; a nil Recorder is valid.
type Recorder interface {
	SaveSession(ctx context.Context, s *Session) error
}
