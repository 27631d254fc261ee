package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newOutboxCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the messages queued for the conversation",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print queued messages in send order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOutbox(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				pending, err := a.outbox.Pending(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintln(out, "outbox is empty")
					return nil
				}
				for i, text := range pending {
					fmt.Fprintf(out, "%d. %s\n", i+1, text)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard every queued message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOutbox(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				n, err := a.outbox.Len(ctx)
				if err != nil {
					// A corrupt queue is still cleared.
					n = 0
				}
				if err := a.outbox.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d message(s)\n", n)
				return nil
			})
		},
	})
	return cmd
}

func withOutbox(ctx context.Context, opts *globalOptions, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, opts.LogFile)
	if err != nil {
		return err
	}
	defer a.Close()
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return fn(opCtx, a)
}
