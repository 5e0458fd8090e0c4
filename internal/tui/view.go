package tui

import (
	"fmt"
	"strings"

	"github.com/joss/relay/internal/chat"
)

func (m *ChatModel) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if !m.ready {
		return fmt.Sprintf("\n  %s Starting...", m.spinner.View())
	}

	var b strings.Builder

	header := titleStyle.Render("relay") + "  " +
		waitingStyle.Render(m.workDir)
	b.WriteString(header + "\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	b.WriteString(m.renderStatus() + "\n")

	if m.sending {
		b.WriteString(fmt.Sprintf("  %s Waiting for the agent...", m.spinner.View()))
	} else {
		b.WriteString(inputBorderStyle.Width(m.width - 4).Render(m.input.View()))
		b.WriteString("\n")
		b.WriteString(waitingStyle.Render("  Enter: send │ Alt+Enter: newline │ Esc: quit"))
	}

	return b.String()
}

func (m *ChatModel) renderStatus() string {
	remote := "not dispatched"
	if id := m.sess.RemoteID; id != "" {
		remote = id
	}
	return statusBarStyle.Width(m.width).Render(
		fmt.Sprintf("backend: %s │ auth: %s │ remote: %s", m.backend, m.auth, remote))
}

func (m *ChatModel) renderTranscript() string {
	if len(m.lines) == 0 {
		return waitingStyle.Render("No messages yet. Describe a coding task to get started.")
	}

	var b strings.Builder
	for i, line := range m.lines {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch line.sender {
		case chat.SenderUser:
			b.WriteString(userStyle.Render("you") + "\n" + line.text)
		case chat.SenderAgent:
			b.WriteString(agentStyle.Render(line.text))
		default:
			b.WriteString(systemStyle.Render(line.text))
		}
	}
	return b.String()
}
