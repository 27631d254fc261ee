// Package conn owns the single websocket of a conversation channel. Network
// failures stay inside the Manager: callers only see state transitions, and a
// lost socket is redialed on the reconnect policy until it opens again.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Avicted/parley/internal/metrics"
	"github.com/Avicted/parley/internal/securelog"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPathTemplate      = "/ws/chat/{channel}/"
)

var (
	ErrNotConnected   = errors.New("channel not connected")
	ErrConnectionLost = errors.New("channel connection lost")
	ErrClosed         = errors.New("channel manager closed")
)

type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	// Header is sent with every handshake (auth token, session cookie).
	Header       http.Header
	WriteTimeout time.Duration
	// Reconnect decides the delay before each redial. It defaults to a fixed
	// 5s interval. backoff.Stop is treated as "use the default interval":
	// reconnection never gives up.
	Reconnect backoff.BackOff
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Manager struct {
	opts Options

	mu      sync.Mutex
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *websocket.Conn
	state   State
	timer   *time.Timer
	started bool
	closed  bool

	writeMu  sync.Mutex
	notifyMu sync.Mutex

	onMessage func([]byte)
	onState   func(State)
}

func NewManager(opts Options) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Reconnect == nil {
		opts.Reconnect = backoff.NewConstantBackOff(DefaultReconnectInterval)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{opts: opts, state: Closed}
}

// OnMessage registers the frame handler. It runs on the reader goroutine.
func (m *Manager) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnStateChange registers the state observer. Calls are serialized.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts connecting to channelURL in the background. A failed first dial
// is handled like any later loss: the manager reports Closed and retries.
func (m *Manager) Open(ctx context.Context, channelURL string) error {
	if _, err := url.Parse(channelURL); err != nil || channelURL == "" {
		return fmt.Errorf("invalid channel url %q", channelURL)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("channel already opened")
	}
	m.started = true
	m.url = channelURL
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.connect()
	return nil
}

func (m *Manager) connect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	target := m.url
	m.mu.Unlock()

	m.setState(Connecting)
	m.opts.Logger.Debug("channel_dial", zap.String("url", redactURL(target)))

	c, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: m.opts.Header})
	if err != nil {
		if ctx.Err() == nil {
			securelog.Error(m.opts.Logger, "channel dial", err)
		}
		m.setState(Closed)
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close(websocket.StatusNormalClosure, "bye")
		return
	}
	m.conn = c
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.opts.Reconnect.Reset()
	m.mu.Unlock()

	m.opts.Logger.Info("channel_open", zap.String("url", redactURL(target)))
	m.setState(Open)
	go m.readLoop(ctx, c)
}

func (m *Manager) readLoop(ctx context.Context, c *websocket.Conn) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.opts.Logger.Info("channel_lost", zap.String("status", websocket.CloseStatus(err).String()))
			}
			m.drop(c)
			return
		}
		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// drop tears down a socket that failed and arms the reconnect timer.
func (m *Manager) drop(c *websocket.Conn) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closed := m.closed
	m.mu.Unlock()

	_ = c.Close(websocket.StatusGoingAway, "connection lost")
	if closed {
		return
	}
	m.setState(Closed)
	m.scheduleReconnect()
}

// scheduleReconnect arms a single redial timer. Extra calls while one is
// pending are no-ops.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.timer != nil || m.conn != nil {
		return
	}
	delay := m.opts.Reconnect.NextBackOff()
	if delay == backoff.Stop || delay < 0 {
		delay = DefaultReconnectInterval
	}
	m.opts.Metrics.ReconnectAttempt()
	m.opts.Logger.Debug("channel_reconnect_scheduled", zap.Duration("delay", delay))
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()
		m.connect()
	})
}

// Send writes one frame. It fails with ErrNotConnected unless the channel is
// open; the caller is expected to queue the payload instead.
func (m *Manager) Send(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	c := m.conn
	state := m.state
	m.mu.Unlock()
	if c == nil || state != Open {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := c.Write(writeCtx, websocket.MessageText, payload); err != nil {
		m.drop(c)
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Close shuts the channel down for good.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	c := m.conn
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if c != nil {
		_ = c.Close(websocket.StatusNormalClosure, "bye")
	}
	m.setState(Closed)
}

func (m *Manager) setState(s State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	// A closed manager stays Closed, and Open needs a live socket.
	if m.state == s || (s != Closed && m.closed) || (s == Open && m.conn == nil) {
		m.mu.Unlock()
		return
	}
	m.state = s
	handler := m.onState
	m.mu.Unlock()

	m.opts.Metrics.SetConnectionState(int(s))
	if handler != nil {
		handler(s)
	}
}

// ChannelURL turns an http(s) server address into the websocket URL of one
// conversation. template must contain {channel}.
func ChannelURL(serverURL, template, channelID string) (string, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		return "", errors.New("server url is required")
	}
	if strings.TrimSpace(channelID) == "" {
		return "", errors.New("channel id is required")
	}
	if template == "" {
		template = DefaultPathTemplate
	}
	if !strings.Contains(template, "{channel}") {
		return "", fmt.Errorf("path template %q lacks {channel}", template)
	}

	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	path := strings.ReplaceAll(template, "{channel}", url.PathEscape(channelID))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return wsURL + path, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
