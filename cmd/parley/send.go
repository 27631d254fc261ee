package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Avicted/parley/internal/session"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send one message, queueing it in the outbox when the channel is unreachable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, opts.LogFile)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := sendOnce(ctx, a, strings.Join(args, " "), wait)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the channel before queueing")
	return cmd
}

// sendOnce connects, flushes the outbox and delivers text. It returns
// "sent" or "queued".
func sendOnce(ctx context.Context, a *app, text string, wait time.Duration) (string, error) {
	channelURL, err := a.channelURL()
	if err != nil {
		return "", err
	}
	connected := make(chan struct{}, 1)
	ctrl, err := session.New(session.Options{
		ChannelURL: channelURL,
		LocalID:    a.cfg.UserID,
		Link:       a.newLink(),
		Outbox:     a.outbox,
		Status: func(s session.State) {
			if s == session.Connected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		Logger:  a.logger.Named("session"),
		Metrics: a.metrics,
	})
	if err != nil {
		return "", err
	}
	if err := ctrl.Start(ctx); err != nil {
		return "", err
	}
	defer ctrl.Stop()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-connected:
	case <-timer.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	state, err := ctrl.State(ctx)
	if err != nil {
		return "", err
	}
	if err := ctrl.Send(ctx, text); err != nil {
		return "", fmt.Errorf("message not saved: %w", err)
	}
	if state == session.Connected {
		if n, err := a.outbox.Len(ctx); err == nil && n == 0 {
			return "sent", nil
		}
	}
	return "queued", nil
}
