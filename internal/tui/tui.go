// Package tui provides the Bubble Tea interactive chat interface.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joss/relay/internal/backend"
	"github.com/joss/relay/internal/chat"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Bold(true)

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(0, 1)

	waitingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)
)

// sharedState survives model copies; the program handle is needed so
// poller goroutines can push messages into the event loop.
type sharedState struct {
	program *tea.Program
}

// BackendProvider hands the model the currently active backend, which
// can change underneath us when the config file is edited.
type BackendProvider interface {
	Backend() backend.Backend
}

// ChatModel is the interactive chat TUI model.
type ChatModel struct {
	workDir  string
	provider BackendProvider
	sess     *chat.Session
	recorder chat.Recorder

	ready    bool
	quitting bool
	sending  bool
	auth     chat.AuthStatus
	backend  string

	shared *sharedState

	lines []transcriptLine

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	width    int
	height   int
}

type transcriptLine struct {
	sender chat.Sender
	text   string
}

type (
	// LineMsg is a transcript line pushed from a backend sink.
	LineMsg struct {
		Text   string
		Sender chat.Sender
	}
	// StatusMsg reports an auth status change.
	StatusMsg struct{ Status chat.AuthStatus }
	// BackendSwitchedMsg announces a live backend swap.
	BackendSwitchedMsg struct{ Kind string }

	sendDoneMsg struct{}
)

// NewChatModel builds the chat TUI around an existing session.
func NewChatModel(workDir, backendKind string, provider BackendProvider, sess *chat.Session, recorder chat.Recorder) *ChatModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ti := textarea.New()
	ti.Placeholder = "Describe a task for the agent... (Enter to send)"
	ti.CharLimit = 4000
	ti.SetWidth(80)
	ti.SetHeight(3)
	ti.Focus()

	m := &ChatModel{
		workDir:  workDir,
		provider: provider,
		sess:     sess,
		recorder: recorder,
		backend:  backendKind,
		auth:     chat.AuthUnknown,
		shared:   &sharedState{},
		spinner:  s,
		input:    ti,
	}
	for _, msg := range sess.Snapshot().Messages {
		m.lines = append(m.lines, transcriptLine{sender: msg.Sender, text: msg.Text})
	}
	return m
}

// SetProgram must be called before the program runs so sinks can
// deliver into the event loop.
func (m *ChatModel) SetProgram(p *tea.Program) {
	m.shared.program = p
}

// Deliver is a chat.Sink; safe to call from any goroutine.
func (m *ChatModel) Deliver(text string, sender chat.Sender, _ *chat.Session) {
	if p := m.shared.program; p != nil {
		p.Send(LineMsg{Text: text, Sender: sender})
	}
}

// DeliverStatus is a chat.StatusSink; safe to call from any goroutine.
func (m *ChatModel) DeliverStatus(status chat.AuthStatus) {
	if p := m.shared.program; p != nil {
		p.Send(StatusMsg{Status: status})
	}
}

func (m *ChatModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.checkAuth())
}

func (m *ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case LineMsg:
		m.appendLine(msg.Sender, msg.Text)
		return m, nil

	case StatusMsg:
		m.auth = msg.Status
		return m, nil

	case BackendSwitchedMsg:
		m.backend = msg.Kind
		m.appendLine(chat.SenderSystem, "Switched to "+msg.Kind+" backend.")
		return m, m.checkAuth()

	case sendDoneMsg:
		m.sending = false
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if !m.sending {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *ChatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit

	case "enter":
		return m.handleSend()

	case "alt+enter", "ctrl+j":
		if !m.sending {
			m.input.SetValue(m.input.Value() + "\n")
		}
		return m, nil

	case "pgup", "pgdown", "up", "down":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if !m.sending {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *ChatModel) handleSend() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if m.sending || text == "" {
		return m, nil
	}

	m.input.SetValue("")
	m.sending = true
	m.sess.Append(chat.SenderUser, text)
	m.appendLine(chat.SenderUser, text)

	be := m.provider.Backend()
	sess := m.sess
	workDir := m.workDir
	recorder := m.recorder

	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if recorder != nil {
			recorder.SaveSession(ctx, sess)
		}
		be.SendMessage(ctx, sess, text, workDir)
		return sendDoneMsg{}
	})
}

func (m *ChatModel) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	headerHeight := 2
	statusHeight := 1
	inputHeight := 5
	vpHeight := msg.Height - headerHeight - statusHeight - inputHeight
	if vpHeight < 3 {
		vpHeight = 3
	}

	if !m.ready {
		m.viewport = viewport.New(msg.Width, vpHeight)
		m.viewport.SetContent(m.renderTranscript())
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = vpHeight
		m.viewport.SetContent(m.renderTranscript())
	}
	m.input.SetWidth(msg.Width - 4)
	return m, nil
}

func (m *ChatModel) appendLine(sender chat.Sender, text string) {
	// Streamed agent chunks extend the previous agent line rather than
	// stacking a new block per chunk.
	if sender == chat.SenderAgent && len(m.lines) > 0 && m.lines[len(m.lines)-1].sender == chat.SenderAgent {
		m.lines[len(m.lines)-1].text += "\n" + text
	} else {
		m.lines = append(m.lines, transcriptLine{sender: sender, text: text})
	}
	if m.ready {
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
	}
}

func (m *ChatModel) checkAuth() tea.Cmd {
	be := m.provider.Backend()
	workDir := m.workDir
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return StatusMsg{Status: be.CheckAuth(ctx, workDir)}
	}
}
