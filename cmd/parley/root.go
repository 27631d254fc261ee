package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Avicted/parley/internal/config"
)

type globalOptions struct {
	ConfigPath   string
	ServerURL    string
	ChannelID    string
	UserID       string
	Token        string
	LogLevel     string
	LogFile      string
	MetricsAddr  string
	OutboxDriver string
	OutboxDSN    string
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	cmd := &cobra.Command{
		Use:           "parley",
		Short:         "Resilient client for a two-party conversation channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "parley.yaml", "YAML config file (optional)")
	flags.StringVar(&opts.ServerURL, "server", "", "server base URL (http or https)")
	flags.StringVar(&opts.ChannelID, "channel", "", "conversation id")
	flags.StringVar(&opts.UserID, "user", "", "local participant id")
	flags.StringVar(&opts.Token, "token", "", "bearer token")
	flags.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn, error")
	flags.StringVar(&opts.LogFile, "log-file", "", "write logs to this file instead of stderr")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.OutboxDriver, "outbox-driver", "", "file, pebble, sqlite, postgres or memory")
	flags.StringVar(&opts.OutboxDSN, "outbox-dsn", "", "outbox location (path or postgres url)")

	cmd.AddCommand(newChatCmd(&opts))
	cmd.AddCommand(newSendCmd(&opts))
	cmd.AddCommand(newOutboxCmd(&opts))
	cmd.AddCommand(newDevServerCmd(&opts))
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+err.Error())
		os.Exit(1)
	}
}

// loadConfig layers defaults, the YAML file, .env plus PARLEY_* variables
// and finally explicit flags.
func loadConfig(opts *globalOptions) (config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config.Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadFile(config.Default(), opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err = config.ApplyEnv(cfg)
	if err != nil {
		return config.Config{}, err
	}

	overrides := map[*string]string{
		&cfg.ServerURL:     opts.ServerURL,
		&cfg.ChannelID:     opts.ChannelID,
		&cfg.UserID:        opts.UserID,
		&cfg.Token:         opts.Token,
		&cfg.LogLevel:      opts.LogLevel,
		&cfg.MetricsAddr:   opts.MetricsAddr,
		&cfg.Outbox.Driver: opts.OutboxDriver,
		&cfg.Outbox.DSN:    opts.OutboxDSN,
	}
	for dst, v := range overrides {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}
