// Package session runs the sync controller of one conversation. A single
// event loop owns the message store and the outbox; the connection manager,
// user commands and media callbacks only post work to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Avicted/parley/internal/conn"
	"github.com/Avicted/parley/internal/message"
	"github.com/Avicted/parley/internal/metrics"
	"github.com/Avicted/parley/internal/outbox"
	"github.com/Avicted/parley/internal/securelog"
	"github.com/Avicted/parley/internal/wire"
)

var (
	ErrNotStarted = errors.New("session not started")
	ErrStopped    = errors.New("session stopped")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func fromConn(s conn.State) State {
	switch s {
	case conn.Open:
		return Connected
	case conn.Connecting:
		return Connecting
	default:
		return Disconnected
	}
}

// Link is the channel transport. *conn.Manager implements it.
type Link interface {
	OnMessage(fn func([]byte))
	OnStateChange(fn func(conn.State))
	Open(ctx context.Context, channelURL string) error
	Send(ctx context.Context, payload []byte) error
	State() conn.State
	Close()
}

// Renderer projects store mutations onto a timeline. Calls are made from the
// event loop, in mutation order.
type Renderer interface {
	Append(m message.Message)
	Update(m message.Message)
	// Replace re-keys a rendered temp entry once the server confirmed it.
	Replace(previous message.ID, m message.Message)
	Remove(id message.ID)
}

// Notifier shows transient errors (the banner).
type Notifier interface {
	Show(msg string)
}

type StatusFunc func(State)

type Options struct {
	ChannelURL string
	LocalID    string
	Link       Link
	Outbox     *outbox.Outbox
	Renderer   Renderer
	Notifier   Notifier
	Status     StatusFunc
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Controller struct {
	opts  Options
	store *message.Store

	mu      sync.Mutex
	events  []event
	signal  chan struct{}
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Loop-owned.
	state State
}

type eventKind int

const (
	frameEvent eventKind = iota
	stateEvent
	commandEvent
)

type event struct {
	kind  eventKind
	frame []byte
	state conn.State
	run   func(ctx context.Context)
}

func New(opts Options) (*Controller, error) {
	if opts.Link == nil {
		return nil, errors.New("session: link is required")
	}
	if opts.Outbox == nil {
		return nil, errors.New("session: outbox is required")
	}
	if strings.TrimSpace(opts.LocalID) == "" {
		return nil, errors.New("session: local id is required")
	}
	if opts.Renderer == nil {
		opts.Renderer = nopRenderer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		opts:   opts,
		store:  message.NewStore(opts.LocalID),
		signal: make(chan struct{}, 1),
		state:  Disconnected,
	}, nil
}

// Start renders the persisted outbox as pending messages, opens the channel
// and runs the event loop until Stop or ctx cancellation.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("session already started")
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.restorePending(loopCtx); err != nil {
		securelog.Error(c.opts.Logger, "restore outbox", err)
	}

	c.opts.Link.OnMessage(func(data []byte) {
		c.post(event{kind: frameEvent, frame: data})
	})
	c.opts.Link.OnStateChange(func(s conn.State) {
		c.post(event{kind: stateEvent, state: s})
	})

	go c.run(loopCtx)

	if err := c.opts.Link.Open(loopCtx, c.opts.ChannelURL); err != nil {
		c.Stop()
		return fmt.Errorf("open channel: %w", err)
	}
	c.opts.Logger.Info("session_started", zap.String("channel", c.opts.Outbox.ChannelID()))
	return nil
}

// Stop closes the channel and waits for the event loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	c.opts.Link.Close()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.opts.Logger.Info("session_stopped", zap.String("channel", c.opts.Outbox.ChannelID()))
}

// Send delivers text over the channel when connected and queues it in the
// outbox otherwise. Surrounding whitespace is stripped, as the server does
// before echoing, and blank text is ignored. Only a persistence failure is
// reported to the caller.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return c.do(ctx, func(context.Context) error {
		return c.send(ctx, text)
	})
}

// Snapshot returns the timeline as the event loop sees it.
func (c *Controller) Snapshot(ctx context.Context) ([]message.Message, error) {
	var out []message.Message
	err := c.do(ctx, func(context.Context) error {
		out = c.store.Snapshot()
		return nil
	})
	return out, err
}

// State returns the controller's connection state.
func (c *Controller) State(ctx context.Context) (State, error) {
	var s State
	err := c.do(ctx, func(context.Context) error {
		s = c.state
		return nil
	})
	return s, err
}

// do runs fn on the event loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(context.Context) error) error {
	c.mu.Lock()
	started, stopped, done := c.started, c.stopped, c.done
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	result := make(chan error, 1)
	c.post(event{kind: commandEvent, run: func(loopCtx context.Context) {
		result <- fn(loopCtx)
	}})
	select {
	case err := <-result:
		return err
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post never blocks: the connection manager calls it from its own
// goroutines, sometimes while the loop is inside Link.Send.
func (c *Controller) post(ev event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Controller) next() (event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return event{}, false
	}
	ev := c.events[0]
	c.events[0] = event{}
	c.events = c.events[1:]
	return ev, true
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
			for {
				if ctx.Err() != nil {
					return
				}
				ev, ok := c.next()
				if !ok {
					break
				}
				c.handle(ctx, ev)
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case frameEvent:
		c.handleFrame(ctx, ev.frame)
	case stateEvent:
		c.handleState(ctx, fromConn(ev.state))
	case commandEvent:
		ev.run(ctx)
	}
}

func (c *Controller) handleState(ctx context.Context, next State) {
	if next == c.state {
		return
	}
	c.state = next
	c.opts.Logger.Info("session_state", zap.String("state", next.String()))
	if c.opts.Status != nil {
		c.opts.Status(next)
	}
	if next == Connected {
		c.onConnected(ctx)
	}
}

// onConnected flushes the outbox, then acknowledges unread incoming
// messages with a single mark_read.
func (c *Controller) onConnected(ctx context.Context) {
	drained, err := c.opts.Outbox.Drain(ctx, linkSender{c})
	if err != nil {
		securelog.Error(c.opts.Logger, "drain outbox", err)
	}
	if drained > 0 {
		for _, id := range c.store.DropPending() {
			c.opts.Renderer.Remove(id)
		}
	}
	if c.store.HasUnreadIncoming() {
		c.markRead(ctx)
	}
}

func (c *Controller) markRead(ctx context.Context) {
	payload, err := wire.EncodeMarkRead()
	if err != nil {
		return
	}
	if err := c.opts.Link.Send(ctx, payload); err != nil {
		c.opts.Logger.Debug("mark_read_deferred", zap.Error(err))
		return
	}
	for _, m := range c.store.MarkIncomingRead() {
		c.opts.Renderer.Update(m)
	}
}

func (c *Controller) send(ctx context.Context, text string) error {
	if c.state == Connected {
		payload, err := wire.EncodeText(text)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if err := c.opts.Link.Send(ctx, payload); err == nil {
			c.insertLocal(text, message.Sent)
			return nil
		} else if !errors.Is(err, conn.ErrNotConnected) && !errors.Is(err, conn.ErrConnectionLost) {
			securelog.Error(c.opts.Logger, "send message", err)
		}
	}

	if err := c.opts.Outbox.Enqueue(ctx, text); err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	c.insertLocal(text, message.Pending)
	return nil
}

func (c *Controller) insertLocal(text string, delivery message.DeliveryState) {
	m := message.Message{
		ID:        message.NewTempID(c.opts.Now(), c.store.Has),
		SenderID:  c.opts.LocalID,
		Content:   message.Text(text, ""),
		Timestamp: c.opts.Now(),
		Delivery:  delivery,
	}
	c.apply(c.store.Upsert(m))
}

// restorePending renders messages left in the outbox by a previous run.
func (c *Controller) restorePending(ctx context.Context) error {
	pending, err := c.opts.Outbox.Pending(ctx)
	if err != nil {
		return err
	}
	for _, text := range pending {
		c.insertLocal(text, message.Pending)
	}
	c.opts.Metrics.SetOutboxDepth(len(pending))
	return nil
}

func (c *Controller) handleFrame(ctx context.Context, data []byte) {
	ev, err := wire.Decode(data)
	if err != nil {
		c.opts.Metrics.FrameDropped()
		c.opts.Logger.Debug("frame_dropped", zap.String("reason", securelog.Sentinel(err)), zap.Int("bytes", len(data)))
		return
	}
	c.opts.Metrics.FrameReceived(wire.Type(ev))

	switch e := ev.(type) {
	case wire.ChatMessage:
		c.handleChat(ctx, e.Message(c.opts.Now()))
	case wire.ReadReceipt:
		// The server broadcasts our own acknowledgements back to us.
		if reader := string(e.ReaderID); reader != "" && reader == c.opts.LocalID {
			return
		}
		for _, m := range c.store.MarkOutgoingRead() {
			c.opts.Renderer.Update(m)
		}
	case wire.ErrorAlert:
		if c.opts.Notifier != nil && e.Error != "" {
			c.opts.Notifier.Show(e.Error)
		}
	}
}

func (c *Controller) handleChat(ctx context.Context, in message.Message) {
	if tempID, ok := c.store.MatchInFlight(in); ok {
		if change, ok := c.store.Promote(tempID, in); ok {
			c.apply(change)
			return
		}
	}

	change := c.store.Upsert(in)
	c.apply(change)
	if change.Kind == message.Inserted && !in.Outgoing(c.opts.LocalID) && in.Delivery < message.Read && c.state == Connected {
		c.markRead(ctx)
	}
}

func (c *Controller) apply(change message.Change) {
	r := c.opts.Renderer
	switch change.Kind {
	case message.Inserted:
		r.Append(change.Message)
	case message.Updated:
		if change.Previous != "" {
			r.Remove(change.Previous)
		}
		r.Update(change.Message)
	case message.Replaced:
		r.Replace(change.Previous, change.Message)
	case message.Unchanged:
		if change.Previous != "" {
			r.Remove(change.Previous)
		}
	}
}

// linkSender lets the outbox drain through the link from inside the loop.
type linkSender struct {
	c *Controller
}

func (s linkSender) Connected() bool {
	return s.c.state == Connected && s.c.opts.Link.State() == conn.Open
}

func (s linkSender) SendText(ctx context.Context, text string) error {
	payload, err := wire.EncodeText(text)
	if err != nil {
		return err
	}
	return s.c.opts.Link.Send(ctx, payload)
}

type nopRenderer struct{}

func (nopRenderer) Append(message.Message)             {}
func (nopRenderer) Update(message.Message)             {}
func (nopRenderer) Replace(message.ID, message.Message) {}
func (nopRenderer) Remove(message.ID)                  {}
