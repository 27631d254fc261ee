package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Avicted/parley/internal/chattest"
)

type devServerOptions struct {
	Listen   string
	Throttle int
}

func newDevServerCmd(opts *globalOptions) *cobra.Command {
	var dev devServerOptions

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local conversation relay for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := buildLogger(opts.LogLevel, opts.LogFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
			defer stop()
			return runDevServer(ctx, dev, logger)
		},
	}
	cmd.Flags().StringVar(&dev.Listen, "listen", "127.0.0.1:8000", "listen address")
	cmd.Flags().IntVar(&dev.Throttle, "throttle", 0, "messages per participant per minute (0 disables)")
	return cmd
}

func newDevServerHandler(relay *chattest.Relay) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("/", relay.Handler())
	return mux
}

func runDevServer(ctx context.Context, dev devServerOptions, logger *zap.Logger) error {
	relay := chattest.New(chattest.Options{Throttle: dev.Throttle, Logger: logger.Named("relay")})
	go relay.Run(ctx)

	srv := &http.Server{
		Addr:              dev.Listen,
		Handler:           newDevServerHandler(relay),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver_listening", zap.String("addr", dev.Listen))
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
