package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
)

// promptForKey reads the API key without echoing it.
func promptForKey() (string, error) {
	fmt.Fprint(os.Stderr, "API key: ")
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		var key string
		_, err := fmt.Scanln(&key)
		return strings.TrimSpace(key), err
	}
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// consoleSink prints backend output to stdout with per-sender styling.
func consoleSink(text string, sender chat.Sender, _ *chat.Session) {
	switch sender {
	case chat.SenderAgent:
		fmt.Println(text)
	case chat.SenderSystem:
		color.New(color.FgYellow).Fprintln(os.Stdout, text)
	default:
		fmt.Println(text)
	}
}

func consoleStatus(status chat.AuthStatus) {
	printStatus(status)
}

func printStatus(status chat.AuthStatus) {
	label := color.New(color.Bold).Sprint("auth:")
	switch status {
	case chat.AuthSignedIn:
		fmt.Println(label, color.GreenString(string(status)))
	case chat.AuthSignedOut, chat.AuthCLIMissing, chat.AuthKeyMissing:
		fmt.Println(label, color.RedString(string(status)))
	default:
		fmt.Println(label, color.YellowString(string(status)))
	}
}

func loginCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in to the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, consoleSink, consoleStatus)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Backend().Login(context.Background(), workDir(cmd))
			return nil
		},
	}
}

func logoutCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear cached state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, consoleSink, consoleStatus)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Backend().Logout(context.Background(), workDir(cmd))
			return nil
		},
	}
}

func statusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, consoleSink, consoleStatus)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Println("backend:", cfg.Backend)
			printStatus(a.Backend().CheckAuth(context.Background(), workDir(cmd)))
			return nil
		},
	}
}
