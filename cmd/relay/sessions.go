package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
)

func sessionsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Short:   "Manage stored chat sessions",
		Aliases: []string{"session"},
	}
	cmd.AddCommand(sessionsListCmd(cfg), sessionsShowCmd(cfg), sessionsRmCmd(cfg))
	return cmd
}

func sessionsListCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, consoleSink, consoleStatus)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.db.ListSessions(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions yet")
				return nil
			}
			for _, s := range sessions {
				remote := "local"
				if s.RemoteID != "" {
					remote = s.RemoteID
				}
				fmt.Printf("%s  %s  %s  %s\n",
					s.ID,
					s.CreatedAt.Format("2006-01-02 15:04"),
					color.New(color.Faint).Sprint(remote),
					s.Title)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions to list")
	return cmd
}

func sessionsShowCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, consoleSink, consoleStatus)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.db.GetSession(context.Background(), args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("no session with id %s", args[0])
			}

			fmt.Println(color.New(color.Bold).Sprint(sess.Title))
			for _, m := range sess.Messages {
				prefix := senderLabel(m.Sender)
				fmt.Printf("%s %s\n", prefix, m.Text)
			}
			return nil
		},
	}
}

func sessionsRmCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, consoleSink, consoleStatus)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.DeleteSession(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func senderLabel(s chat.Sender) string {
	switch s {
	case chat.SenderUser:
		return color.CyanString("you:")
	case chat.SenderAgent:
		return color.GreenString("agent:")
	default:
		return color.YellowString("system:")
	}
}
