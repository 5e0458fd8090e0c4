package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/relay/internal/backend"
	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
)

func sendCmd(cfg *config.Config) *cobra.Command {
	var (
		sessionID string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message to the agent and print its replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("message is empty")
			}

			var (
				mu       sync.Mutex
				lastSeen time.Time
				first    = make(chan struct{})
				once     sync.Once
			)
			sink := func(out string, sender chat.Sender, sess *chat.Session) {
				mu.Lock()
				lastSeen = time.Now()
				mu.Unlock()
				if sender == chat.SenderAgent {
					once.Do(func() { close(first) })
				}
				consoleSink(out, sender, sess)
			}

			a, err := newApp(cfg, sink, consoleStatus)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			sess, err := loadOrCreateSession(ctx, a, sessionID)
			if err != nil {
				return err
			}

			sess.Append(chat.SenderUser, text)
			if err := a.db.SaveSession(ctx, sess); err != nil {
				return fmt.Errorf("save session: %w", err)
			}

			be := a.Backend()
			be.SendMessage(ctx, sess, text, workDir(cmd))

			// The process backend streams synchronously inside SendMessage.
			// The API backend delivers through pollers, so give it a window
			// to surface the first reply, then drain until quiescence.
			if _, polled := be.(backend.Cleaner); polled && sess.RemoteID != "" {
				awaitReplies(first, &mu, &lastSeen, wait)
			}

			fmt.Printf("session: %s\n", sess.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session by id")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the first reply (API backend)")
	return cmd
}

func loadOrCreateSession(ctx context.Context, a *app, id string) (*chat.Session, error) {
	if id == "" {
		return chat.NewSession(), nil
	}
	sess, err := a.db.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("no session with id %s", id)
	}
	return sess, nil
}

// awaitReplies blocks until the first agent message arrives (or the wait
// window lapses), then keeps draining until output has been quiet for a
// few seconds.
func awaitReplies(first <-chan struct{}, mu *sync.Mutex, lastSeen *time.Time, wait time.Duration) {
	select {
	case <-first:
	case <-time.After(wait):
		return
	}

	const quiet = 5 * time.Second
	for {
		time.Sleep(time.Second)
		mu.Lock()
		idle := time.Since(*lastSeen)
		mu.Unlock()
		if idle >= quiet {
			return
		}
	}
}
