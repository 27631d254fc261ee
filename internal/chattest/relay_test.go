package chattest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/Avicted/parley/internal/message"
	"github.com/Avicted/parley/internal/wire"
)

func startRelay(t *testing.T, opts Options) (*Relay, *httptest.Server) {
	t.Helper()
	relay := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return relay, server
}

func dial(t *testing.T, server *httptest.Server, channel, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/chat/" + channel + "/"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + user}},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func write(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readEvent returns the next frame whose type is want, skipping others.
func readEvent(t *testing.T, c *websocket.Conn, want string) wire.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		ev, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if wire.Type(ev) == want {
			return ev
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRelayEchoesToEveryParticipant(t *testing.T) {
	relay, server := startRelay(t, Options{})
	alice := dial(t, server, "12", "alice")
	bob := dial(t, server, "12", "bob")
	waitFor(t, func() bool { return relay.ClientCount() == 2 })

	write(t, alice, `{"message":"  hello  "}`)
	for _, c := range []*websocket.Conn{alice, bob} {
		msg := readEvent(t, c, wire.TypeChatMessage).(wire.ChatMessage)
		if msg.ID != "1" || msg.SenderID != "alice" || msg.TextOriginal != "hello" || msg.IsRead {
			t.Fatalf("chat_message = %+v", msg)
		}
	}

	write(t, alice, `{"message":"   "}`)
	write(t, alice, `{"message":"second"}`)
	msg := readEvent(t, bob, wire.TypeChatMessage).(wire.ChatMessage)
	if msg.ID != "2" {
		t.Fatalf("blank message was stored: %+v", msg)
	}
}

func TestRelayMarkReadBroadcastsReceipt(t *testing.T) {
	relay, server := startRelay(t, Options{})
	alice := dial(t, server, "12", "alice")
	bob := dial(t, server, "12", "bob")
	waitFor(t, func() bool { return relay.ClientCount() == 2 })

	write(t, alice, `{"message":"ping"}`)
	readEvent(t, bob, wire.TypeChatMessage)
	write(t, bob, `{"type":"mark_read"}`)

	rr := readEvent(t, alice, wire.TypeReadReceipt).(wire.ReadReceipt)
	if rr.ReaderID != "bob" {
		t.Fatalf("reader_id = %q", rr.ReaderID)
	}
	waitFor(t, func() bool {
		msgs := relay.Messages("12")
		return len(msgs) == 1 && msgs[0].IsRead
	})
	frames := relay.Frames("12")
	if len(frames) != 2 || frames[1].UserID != "bob" || frames[1].Type != wire.TypeMarkRead {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestRelayChannelsAreIsolated(t *testing.T) {
	relay, server := startRelay(t, Options{})
	a := dial(t, server, "1", "alice")
	b := dial(t, server, "2", "bob")
	waitFor(t, func() bool { return relay.ClientCount() == 2 })

	relay.Post("2", "nurse", "only for two")
	if msg := readEvent(t, b, wire.TypeChatMessage).(wire.ChatMessage); msg.TextOriginal != "only for two" {
		t.Fatalf("msg = %+v", msg)
	}
	write(t, a, `{"message":"only for one"}`)
	if msg := readEvent(t, a, wire.TypeChatMessage).(wire.ChatMessage); msg.TextOriginal != "only for one" {
		t.Fatalf("channel 1 received %+v", msg)
	}
	if len(relay.Messages("1")) != 1 || len(relay.Messages("2")) != 1 {
		t.Fatal("history leaked across channels")
	}
}

func TestRelayFailDialsAndDrop(t *testing.T) {
	relay, server := startRelay(t, Options{})
	relay.FailDials(2)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/chat/1/"
	for i := 0; i < 2; i++ {
		_, resp, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer alice"}},
		})
		if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("dial %d: err=%v", i, err)
		}
	}
	c := dial(t, server, "1", "alice")
	waitFor(t, func() bool { return relay.ClientCount() == 1 })
	if relay.Dials() != 3 {
		t.Fatalf("dials = %d", relay.Dials())
	}

	relay.DropConnections(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatal("expected read error after drop")
	}
	if relay.ClientCount() != 0 {
		t.Fatalf("clients = %d", relay.ClientCount())
	}
}

func TestRelayRejectsAnonymousSockets(t *testing.T) {
	_, server := startRelay(t, Options{})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/chat/1/"
	_, resp, err := websocket.Dial(context.Background(), url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous dial err=%v", err)
	}
}

func TestRelayThrottle(t *testing.T) {
	relay, server := startRelay(t, Options{Throttle: 1})
	c := dial(t, server, "1", "alice")
	waitFor(t, func() bool { return relay.ClientCount() == 1 })

	write(t, c, `{"message":"one"}`)
	write(t, c, `{"message":"two"}`)
	alert := readEvent(t, c, wire.TypeErrorAlert).(wire.ErrorAlert)
	if alert.Error != SlowDownMessage {
		t.Fatalf("alert = %q", alert.Error)
	}
	if len(relay.Messages("1")) != 1 {
		t.Fatalf("throttled message stored")
	}
}

func TestRelayTranscribeRebroadcastsSameID(t *testing.T) {
	relay, server := startRelay(t, Options{})
	c := dial(t, server, "1", "alice")
	waitFor(t, func() bool { return relay.ClientCount() == 1 })

	posted := relay.Post("1", "bob", message.PlaceholderText)
	readEvent(t, c, wire.TypeChatMessage)
	if !relay.Transcribe("1", string(posted.ID), "hello", "hola") {
		t.Fatal("Transcribe() did not find the message")
	}
	msg := readEvent(t, c, wire.TypeChatMessage).(wire.ChatMessage)
	if msg.ID != posted.ID || msg.TextTranslated != "hola" {
		t.Fatalf("msg = %+v", msg)
	}
	if relay.Transcribe("1", "404", "x", "") {
		t.Fatal("Transcribe() of unknown id reported success")
	}
}

func uploadRequest(t *testing.T, url, user, field, name string, data []byte, session string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = part.Write(data)
	}
	if session != "" {
		_ = w.WriteField("session_id", session)
	}
	_ = w.Close()
	req, err := http.NewRequest(http.MethodPost, url+"/chat/upload/", &body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	return req
}

func TestRelayUploadBroadcastsMedia(t *testing.T) {
	relay, server := startRelay(t, Options{})
	c := dial(t, server, "7", "bob")
	waitFor(t, func() bool { return relay.ClientCount() == 1 })

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	resp, err := http.DefaultClient.Do(uploadRequest(t, server.URL, "alice", "image", "a.png", png, "7"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var out uploadResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || out.Status != "success" || !strings.HasPrefix(out.URL, "/media/") || !strings.Contains(out.URL, ".png?v=") {
		t.Fatalf("upload response = %d %+v", resp.StatusCode, out)
	}

	msg := readEvent(t, c, wire.TypeChatMessage).(wire.ChatMessage)
	if msg.ImageURL != out.URL || msg.TextOriginal != message.ImageMarkerText || msg.SenderID != "alice" {
		t.Fatalf("media message = %+v", msg)
	}

	get, err := http.Get(server.URL + strings.Split(out.URL, "?")[0])
	if err != nil {
		t.Fatalf("get media: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusOK || get.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("media = %d %q", get.StatusCode, get.Header.Get("Content-Type"))
	}
}

func TestRelayUploadErrors(t *testing.T) {
	relay, server := startRelay(t, Options{})
	cases := []struct {
		name   string
		req    *http.Request
		status int
		errMsg string
	}{
		{"anonymous", uploadRequest(t, server.URL, "", "audio", "v.pvn", []byte("x"), "1"), http.StatusForbidden, "Unauthorized"},
		{"no session", uploadRequest(t, server.URL, "alice", "audio", "v.pvn", []byte("x"), ""), http.StatusBadRequest, "No file or session provided"},
		{"no file", uploadRequest(t, server.URL, "alice", "", "", nil, "1"), http.StatusBadRequest, "No file or session provided"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.DefaultClient.Do(tc.req)
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			defer resp.Body.Close()
			var out uploadResponse
			_ = json.NewDecoder(resp.Body).Decode(&out)
			if resp.StatusCode != tc.status || out.Error != tc.errMsg {
				t.Fatalf("response = %d %+v", resp.StatusCode, out)
			}
		})
	}

	relay.FailUploads(1)
	resp, err := http.DefaultClient.Do(uploadRequest(t, server.URL, "alice", "audio", "v.pvn", []byte("x"), "1"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(relay.Messages("1")) != 0 {
		t.Fatal("failed uploads must not create messages")
	}
}
