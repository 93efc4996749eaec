package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/liveavatar/internal/app"
	"github.com/ent0n29/liveavatar/internal/config"
	"github.com/ent0n29/liveavatar/internal/events"
	"github.com/ent0n29/liveavatar/internal/logging"
	"github.com/ent0n29/liveavatar/internal/protocol"
	"github.com/ent0n29/liveavatar/internal/stream"
)

func newChatCommand() *cobra.Command {
	var augment bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start a session and talk to the avatar from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("llm") {
				cfg.Settings.LLM.Enabled = augment
			}
			logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(context.WithoutCancel(ctx)); err != nil {
					logger.Warn().Err(err).Msg("cleanup failed")
				}
			}()

			out := cmd.OutOrStdout()
			built.Events.Add(events.SinkFunc(func(_ context.Context, ev events.Event) {
				if ev.Type == events.TypeMessage && ev.Message != nil && !ev.Message.SentByMe() {
					fmt.Fprintf(out, "avatar> %s\n", ev.Message.Text)
				}
			}))

			sess, err := built.Orchestrator.Start(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s started, relay endpoint %s\n", sess.ID, built.Orchestrator.RelayEndpoint())

			return chatLoop(ctx, cmd.InOrStdin(), out, built.Orchestrator)
		},
	}
	cmd.Flags().BoolVar(&augment, "llm", false, "rewrite messages through the chat-completion API")
	return cmd
}

type messageSender interface {
	Send(ctx context.Context, text string) (protocol.Envelope, error)
}

// chatLoop forwards each non-blank input line until EOF, interrupt, or the relay
// going away; relays are not reconnected.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, orch messageSender) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := orch.Send(ctx, line); err != nil {
				if errors.Is(err, stream.ErrRelayNotOpen) {
					return err
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}
