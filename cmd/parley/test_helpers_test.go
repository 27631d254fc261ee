package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Avicted/parley/internal/chattest"
	"github.com/Avicted/parley/internal/config"
)

func testConfig(t *testing.T, serverURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.ChannelID = "12"
	cfg.UserID = "alice"
	cfg.Token = "alice"
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.LogLevel = "error"
	cfg.Outbox = config.Outbox{Driver: "file", DSN: filepath.Join(t.TempDir(), "outbox")}
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func startRelay(t *testing.T) (*chattest.Relay, *httptest.Server) {
	t.Helper()
	relay := chattest.New(chattest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return relay, server
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
