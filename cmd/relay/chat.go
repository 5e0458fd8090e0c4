package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
	"github.com/joss/relay/internal/tui"
)

func chatCmd(cfg *config.Config) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			var model *tui.ChatModel

			// The model is assigned before the program starts; sinks
			// only fire from commands run inside the event loop.
			output := func(text string, sender chat.Sender, sess *chat.Session) {
				model.Deliver(text, sender, sess)
			}
			status := func(s chat.AuthStatus) {
				model.DeliverStatus(s)
			}

			a, err := newApp(cfg, output, status)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			sess, err := loadOrCreateSession(ctx, a, sessionID)
			if err != nil {
				return err
			}

			model = tui.NewChatModel(workDir(cmd), string(cfg.Backend), a, sess, a.db)
			p := tea.NewProgram(model, tea.WithAltScreen())
			model.SetProgram(p)

			// Live backend swap when the config file changes.
			watcher, err := config.NewWatcher(func(next *config.Config) {
				a.Reconfigure(next)
				p.Send(tui.BackendSwitchedMsg{Kind: string(next.Backend)})
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watcher unavailable")
			} else if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("config watcher failed to start")
			} else {
				defer watcher.Stop()
			}

			if _, err := p.Run(); err != nil {
				return fmt.Errorf("chat interface: %w", err)
			}
			return a.db.SaveSession(ctx, sess)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session by id")
	return cmd
}
