// Package chattest is an in-process conversation server speaking the channel
// wire protocol. It assigns server ids, echoes messages to every participant
// (sender included), answers mark_read with read_receipt and broadcasts
// uploaded media. Failure knobs let tests refuse handshakes and drop sockets.
//
// Participants are identified by their bearer token.
package chattest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Avicted/parley/internal/wire"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second

	SlowDownMessage = "Please slow down. You are sending too fast."
)

type Options struct {
	// Throttle caps messages per participant per minute. Zero disables it.
	Throttle int
	Logger   *zap.Logger
	Now      func() time.Time
}

type Relay struct {
	opts Options

	register   chan *client
	unregister chan *client
	incoming   chan incomingFrame
	broadcast  chan outboundFrame
	drop       chan chan struct{}
	// Loop-owned.
	clients map[*client]struct{}

	mu        sync.Mutex
	nextID    int
	history   map[string][]*record
	frames    map[string][]Frame
	failDials int
	failUps   int
	media     map[string]storedMedia
	throttle  map[string]*window

	dials atomic.Int64
	count atomic.Int64
}

type record struct {
	msg    wire.ChatMessage
	sender string
}

// Frame is one client frame the relay received.
type Frame struct {
	UserID string
	wire.Outbound
}

type window struct {
	start time.Time
	count int
}

func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		opts:       opts,
		register:   make(chan *client),
		unregister: make(chan *client),
		incoming:   make(chan incomingFrame, 256),
		broadcast:  make(chan outboundFrame, 256),
		drop:       make(chan chan struct{}),
		clients:    make(map[*client]struct{}),
		history:    make(map[string][]*record),
		frames:     make(map[string][]Frame),
		media:      make(map[string]storedMedia),
		throttle:   make(map[string]*window),
	}
}

// Handler serves the channel socket, the upload endpoint and stored media.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{channel}/", r.HandleWS)
	mux.HandleFunc("POST /chat/upload/", r.HandleUpload)
	mux.HandleFunc("GET /media/{name}", r.HandleMedia)
	return mux
}

func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range r.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-r.register:
			r.clients[c] = struct{}{}
			r.count.Add(1)
			r.handleJoin(c)
		case c := <-r.unregister:
			if _, ok := r.clients[c]; !ok {
				continue
			}
			delete(r.clients, c)
			r.count.Add(-1)
			c.close(websocket.StatusNormalClosure, "bye")
		case in := <-r.incoming:
			r.handleIncoming(in)
		case out := <-r.broadcast:
			r.send(out.channel, out.payload)
		case ack := <-r.drop:
			for c := range r.clients {
				delete(r.clients, c)
				r.count.Add(-1)
				c.close(websocket.StatusGoingAway, "connection dropped")
			}
			close(ack)
		}
	}
}

func (r *Relay) ClientCount() int64 {
	return r.count.Load()
}

// Dials counts handshake attempts, refused ones included.
func (r *Relay) Dials() int64 {
	return r.dials.Load()
}

// FailDials refuses the next n handshakes with 503.
func (r *Relay) FailDials(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDials = n
}

// FailUploads answers the next n uploads with a 500 and an error body.
func (r *Relay) FailUploads(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUps = n
}

// DropConnections closes every socket as a network failure would.
func (r *Relay) DropConnections(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case r.drop <- ack:
		<-ack
	case <-ctx.Done():
	}
}

// Frames returns what clients sent on channel, in arrival order.
func (r *Relay) Frames(channel string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames[channel]...)
}

// Messages returns the channel history as last broadcast.
func (r *Relay) Messages(channel string) []wire.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.ChatMessage, 0, len(r.history[channel]))
	for _, rec := range r.history[channel] {
		out = append(out, rec.msg)
	}
	return out
}

// Post stores a message from senderID and broadcasts it, as if that
// participant had sent it.
func (r *Relay) Post(channel, senderID, text string) wire.ChatMessage {
	msg := r.store(channel, senderID, wire.ChatMessage{
		TextOriginal: text,
		Timestamp:    r.opts.Now().Format("15:04"),
	})
	r.broadcast <- outboundFrame{channel: channel, payload: chatEvent(msg)}
	return msg
}

// Transcribe fills in the text of a stored message and rebroadcasts it under
// the same id, as the transcription worker does for voice notes.
func (r *Relay) Transcribe(channel, id, original, translated string) bool {
	r.mu.Lock()
	var updated wire.ChatMessage
	found := false
	for _, rec := range r.history[channel] {
		if string(rec.msg.ID) != id {
			continue
		}
		rec.msg.TextOriginal = original
		rec.msg.TextTranslated = translated
		updated = rec.msg
		found = true
		break
	}
	r.mu.Unlock()
	if found {
		r.broadcast <- outboundFrame{channel: channel, payload: chatEvent(updated)}
	}
	return found
}

func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	r.dials.Add(1)
	channel := strings.TrimSpace(req.PathValue("channel"))
	userID, ok := authenticateRequest(req)
	if !ok || channel == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	refuse := r.failDials > 0
	if refuse {
		r.failDials--
	}
	r.mu.Unlock()
	if refuse {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:    conn,
		relay:   r,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBuffer),
		userID:  userID,
		channel: channel,
	}
	r.register <- c
	r.opts.Logger.Debug("relay_client_joined", zap.String("channel", channel), zap.String("user", userID))

	go c.writeLoop()
	c.readLoop()
}

// handleJoin marks the history read for the joining participant and tells
// the others, the way the server does on connect.
func (r *Relay) handleJoin(c *client) {
	if r.markRead(c.channel, c.userID) {
		r.send(c.channel, readReceipt(c.userID))
	}
}

func (r *Relay) handleIncoming(in incomingFrame) {
	c := in.client
	r.mu.Lock()
	r.frames[c.channel] = append(r.frames[c.channel], Frame{UserID: c.userID, Outbound: in.frame})
	r.mu.Unlock()

	if in.frame.Type == wire.TypeMarkRead {
		r.markRead(c.channel, c.userID)
		r.send(c.channel, readReceipt(c.userID))
		return
	}
	text := strings.TrimSpace(in.frame.Message)
	if text == "" {
		return
	}
	if !r.allow(c.userID) {
		if _, ok := r.clients[c]; ok {
			_ = c.Send(encode(alertFrame{Type: wire.TypeErrorAlert, Error: SlowDownMessage}))
		}
		return
	}
	msg := r.store(c.channel, c.userID, wire.ChatMessage{
		TextOriginal: text,
		Timestamp:    r.opts.Now().Format("15:04"),
	})
	r.send(c.channel, chatEvent(msg))
}

func (r *Relay) store(channel, senderID string, msg wire.ChatMessage) wire.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	msg.ID = wire.FlexString(strconv.Itoa(r.nextID))
	msg.SenderID = wire.FlexString(senderID)
	r.history[channel] = append(r.history[channel], &record{msg: msg, sender: senderID})
	return msg
}

// markRead flips every message not authored by reader. It reports whether
// anything changed.
func (r *Relay) markRead(channel, reader string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, rec := range r.history[channel] {
		if rec.sender != reader && !rec.msg.IsRead {
			rec.msg.IsRead = true
			changed = true
		}
	}
	return changed
}

func (r *Relay) allow(userID string) bool {
	if r.opts.Throttle <= 0 {
		return true
	}
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	win := r.throttle[userID]
	if win == nil || now.Sub(win.start) >= time.Minute {
		win = &window{start: now}
		r.throttle[userID] = win
	}
	if win.count >= r.opts.Throttle {
		return false
	}
	win.count++
	return true
}

func (r *Relay) send(channel string, payload []byte) {
	if payload == nil {
		return
	}
	for c := range r.clients {
		if c.channel == channel {
			_ = c.Send(payload)
		}
	}
}

type client struct {
	conn      *websocket.Conn
	relay     *Relay
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	userID    string
	channel   string
}

func (c *client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) readLoop() {
	defer func() {
		select {
		case c.relay.unregister <- c:
		case <-c.ctx.Done():
		}
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		frame, err := wire.DecodeOutbound(data)
		if err != nil {
			continue
		}
		c.relay.incoming <- incomingFrame{client: c, frame: frame}
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				select {
				case c.relay.unregister <- c:
				case <-c.ctx.Done():
				}
				return
			}
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.conn.Close(status, reason)
	})
}

type incomingFrame struct {
	client *client
	frame  wire.Outbound
}

type outboundFrame struct {
	channel string
	payload []byte
}

type chatFrame struct {
	Type string `json:"type"`
	wire.ChatMessage
}

type receiptFrame struct {
	Type     string `json:"type"`
	ReaderID string `json:"reader_id"`
}

type alertFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func chatEvent(msg wire.ChatMessage) []byte {
	return encode(chatFrame{Type: wire.TypeChatMessage, ChatMessage: msg})
}

func readReceipt(readerID string) []byte {
	return encode(receiptFrame{Type: wire.TypeReadReceipt, ReaderID: readerID})
}

func encode(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func authenticateRequest(r *http.Request) (string, bool) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, true
	}
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
