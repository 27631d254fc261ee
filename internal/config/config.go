package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Outbox struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	Passphrase string `yaml:"passphrase"`
}

type Config struct {
	ServerURL         string        `yaml:"server_url"`
	ChannelID         string        `yaml:"channel_id"`
	UserID            string        `yaml:"user_id"`
	Token             string        `yaml:"token"`
	SessionCookie     string        `yaml:"session_cookie"`
	CSRFToken         string        `yaml:"csrf_token"`
	PathTemplate      string        `yaml:"path_template"`
	UploadPath        string        `yaml:"upload_path"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	BannerTimeout     time.Duration `yaml:"banner_timeout"`
	Outbox            Outbox        `yaml:"outbox"`
	LogLevel          string        `yaml:"log_level"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	RecordHotkey      string        `yaml:"record_hotkey"`
}

var drivers = map[string]bool{
	"file":     true,
	"pebble":   true,
	"sqlite":   true,
	"postgres": true,
	"memory":   true,
}

func Default() Config {
	return Config{
		ServerURL:         "http://localhost:8000",
		PathTemplate:      "/ws/chat/{channel}/",
		UploadPath:        "/chat/upload/",
		ReconnectInterval: 5 * time.Second,
		BannerTimeout:     5 * time.Second,
		Outbox:            Outbox{Driver: "file"},
		LogLevel:          "info",
	}
}

// LoadFile overlays the YAML document at path onto cfg. A missing file is
// not an error.
func LoadFile(cfg Config, path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv starts from the defaults and applies PARLEY_* variables.
func LoadFromEnv() (Config, error) {
	return ApplyEnv(Default())
}

func ApplyEnv(cfg Config) (Config, error) {
	strs := map[string]*string{
		"PARLEY_SERVER_URL":        &cfg.ServerURL,
		"PARLEY_CHANNEL_ID":        &cfg.ChannelID,
		"PARLEY_USER_ID":           &cfg.UserID,
		"PARLEY_TOKEN":             &cfg.Token,
		"PARLEY_SESSION_COOKIE":    &cfg.SessionCookie,
		"PARLEY_CSRF_TOKEN":        &cfg.CSRFToken,
		"PARLEY_PATH_TEMPLATE":     &cfg.PathTemplate,
		"PARLEY_UPLOAD_PATH":       &cfg.UploadPath,
		"PARLEY_OUTBOX_DRIVER":     &cfg.Outbox.Driver,
		"PARLEY_OUTBOX_DSN":        &cfg.Outbox.DSN,
		"PARLEY_OUTBOX_PASSPHRASE": &cfg.Outbox.Passphrase,
		"PARLEY_LOG_LEVEL":         &cfg.LogLevel,
		"PARLEY_METRICS_ADDR":      &cfg.MetricsAddr,
		"PARLEY_RECORD_HOTKEY":     &cfg.RecordHotkey,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"PARLEY_RECONNECT_INTERVAL": &cfg.ReconnectInterval,
		"PARLEY_BANNER_TIMEOUT":     &cfg.BannerTimeout,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s must be a duration: %w", key, err)
		}
		*dst = d
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("server url must be an absolute http(s) url")
	}
	if strings.TrimSpace(c.ChannelID) == "" {
		return errors.New("channel id is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user id is required")
	}
	if !strings.Contains(c.PathTemplate, "{channel}") {
		return errors.New("path template must contain {channel}")
	}
	if c.ReconnectInterval <= 0 {
		return errors.New("reconnect interval must be positive")
	}
	if c.BannerTimeout <= 0 {
		return errors.New("banner timeout must be positive")
	}
	if !drivers[c.Outbox.Driver] {
		return fmt.Errorf("unknown outbox driver %q", c.Outbox.Driver)
	}
	if c.Outbox.Driver == "postgres" && c.Outbox.DSN == "" {
		return errors.New("postgres outbox requires a dsn")
	}
	return nil
}

// UploadURL joins the server address and the upload path.
func (c Config) UploadURL() string {
	return strings.TrimRight(c.ServerURL, "/") + "/" + strings.TrimLeft(c.UploadPath, "/")
}
