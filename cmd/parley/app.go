package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Avicted/parley/internal/config"
	"github.com/Avicted/parley/internal/conn"
	"github.com/Avicted/parley/internal/media"
	"github.com/Avicted/parley/internal/metrics"
	"github.com/Avicted/parley/internal/outbox"
	"github.com/Avicted/parley/internal/securelog"
	"github.com/Avicted/parley/internal/storage"
)

// app holds what every channel-facing command shares.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    storage.Store
	outbox   *outbox.Outbox

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg config.Config, logFile string) (*app, error) {
	logger, err := buildLogger(cfg.LogLevel, logFile)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("instance", uuid.NewString()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	ob, err := outbox.New(cfg.ChannelID, store, logger.Named("outbox"), m)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, registry: reg, metrics: m, store: store, outbox: ob}, nil
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.Close(ctx); err != nil {
			securelog.Error(a.logger, "close outbox store", err)
		}
		_ = a.logger.Sync()
	})
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := storage.Open(openCtx, cfg.Outbox.Driver, cfg.Outbox.DSN)
	if err != nil {
		return nil, fmt.Errorf("open outbox store: %w", err)
	}
	if cfg.Outbox.Passphrase == "" {
		return store, nil
	}
	sealed, err := storage.NewSealed(store, cfg.Outbox.Passphrase)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return sealed, nil
}

func buildLogger(level, path string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		zcfg.OutputPaths = []string{path}
		zcfg.ErrorOutputPaths = []string{path}
	}
	return zcfg.Build()
}

// defaultLogFile keeps logs off the terminal while the TUI owns it.
func defaultLogFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "parley.log")
	}
	return filepath.Join(dir, "parley", "parley.log")
}

func (a *app) newLink() *conn.Manager {
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	if a.cfg.SessionCookie != "" {
		header.Set("Cookie", a.cfg.SessionCookie)
	}
	return conn.NewManager(conn.Options{
		Header:    header,
		Reconnect: backoff.NewConstantBackOff(a.cfg.ReconnectInterval),
		Logger:    a.logger.Named("conn"),
		Metrics:   a.metrics,
	})
}

func (a *app) channelURL() (string, error) {
	return conn.ChannelURL(a.cfg.ServerURL, a.cfg.PathTemplate, a.cfg.ChannelID)
}

func (a *app) newUploader() *media.Uploader {
	return media.NewUploader(media.UploaderOptions{
		URL:       a.cfg.UploadURL(),
		Token:     a.cfg.Token,
		CSRFToken: a.cfg.CSRFToken,
		Cookie:    a.cfg.SessionCookie,
		Logger:    a.logger.Named("media"),
		Metrics:   a.metrics,
	})
}

// serveMetrics exposes the registry until ctx ends. It is a no-op without an
// address.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			securelog.Error(a.logger, "metrics server", err)
		}
	}()
	a.logger.Info("metrics_listening", zap.String("addr", a.cfg.MetricsAddr))
}
