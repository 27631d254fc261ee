package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Avicted/parley/internal/chattest"
	"github.com/Avicted/parley/internal/conn"
	"github.com/Avicted/parley/internal/media"
	"github.com/Avicted/parley/internal/message"
	"github.com/Avicted/parley/internal/outbox"
	"github.com/Avicted/parley/internal/storage"
	"github.com/Avicted/parley/internal/wire"
)

type participant struct {
	ctrl     *Controller
	renderer *fakeRenderer
	outbox   *outbox.Outbox
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

func join(t *testing.T, server *httptest.Server, user string, store storage.Store, start bool) *participant {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	ob, err := outbox.New("12", store, nil, nil)
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	url, err := conn.ChannelURL(server.URL, conn.DefaultPathTemplate, "12")
	if err != nil {
		t.Fatalf("ChannelURL: %v", err)
	}
	link := conn.NewManager(conn.Options{
		Header:    http.Header{"Authorization": []string{"Bearer " + user}},
		Reconnect: backoff.NewConstantBackOff(20 * time.Millisecond),
	})
	p := &participant{renderer: newFakeRenderer(), outbox: ob}
	p.ctrl, err = New(Options{
		ChannelURL: url,
		LocalID:    user,
		Link:       link,
		Outbox:     ob,
		Renderer:   p.renderer,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if start {
		p.start(t)
	}
	return p
}

func (p *participant) start(t *testing.T) {
	t.Helper()
	if err := p.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(p.ctrl.Stop)
}

func (p *participant) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, func() bool {
		s, err := p.ctrl.State(context.Background())
		return err == nil && s == want
	})
}

func (p *participant) waitSnapshot(t *testing.T, cond func([]message.Message) bool) []message.Message {
	t.Helper()
	var snap []message.Message
	waitFor(t, func() bool {
		var err error
		snap, err = p.ctrl.Snapshot(context.Background())
		return err == nil && cond(snap)
	})
	return snap
}

func countFrames(frames []chattest.Frame, match func(chattest.Frame) bool) int {
	n := 0
	for _, f := range frames {
		if match(f) {
			n++
		}
	}
	return n
}

func TestReconnectConvergence(t *testing.T) {
	relay, server := startRelay(t)
	relay.Post("12", "nurse", "are you there?")

	store := storage.NewMemoryStore()
	_ = store.Put(context.Background(), outbox.Key("12"), []byte(`["first","second"]`))
	relay.FailDials(3)

	alice := join(t, server, "alice", store, true)
	alice.waitState(t, Connected)

	snap := alice.waitSnapshot(t, func(s []message.Message) bool {
		return len(s) == 2 && s[0].ID.IsServer() && s[1].ID.IsServer()
	})
	if snap[0].Content.Original != "first" || snap[1].Content.Original != "second" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if relay.Dials() != 4 {
		t.Fatalf("dials = %d, want 4", relay.Dials())
	}

	frames := relay.Frames("12")
	for _, text := range []string{"first", "second"} {
		if n := countFrames(frames, func(f chattest.Frame) bool { return f.Message == text }); n != 1 {
			t.Fatalf("%q sent %d times, want exactly one drain", text, n)
		}
	}
	if n := countFrames(frames, func(f chattest.Frame) bool { return f.Type == wire.TypeMarkRead }); n > 1 {
		t.Fatalf("mark_read frames = %d, want at most 1", n)
	}
	if n, _ := alice.outbox.Len(context.Background()); n != 0 {
		t.Fatalf("outbox len = %d", n)
	}
}

func TestTwoParticipantsConverge(t *testing.T) {
	relay, server := startRelay(t)
	alice := join(t, server, "alice", nil, true)
	bob := join(t, server, "bob", nil, true)
	alice.waitState(t, Connected)
	bob.waitState(t, Connected)
	waitFor(t, func() bool { return relay.ClientCount() == 2 })

	if err := alice.ctrl.Send(context.Background(), "hello bob"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	bobSnap := bob.waitSnapshot(t, func(s []message.Message) bool { return len(s) == 1 })
	if bobSnap[0].SenderID != "alice" || bobSnap[0].Outgoing("bob") {
		t.Fatalf("bob sees %+v", bobSnap[0])
	}

	// Bob acknowledges on receipt, and alice's copy turns read.
	aliceSnap := alice.waitSnapshot(t, func(s []message.Message) bool {
		return len(s) == 1 && s[0].ID.IsServer() && s[0].Delivery == message.Read
	})
	if aliceSnap[0].ID != bobSnap[0].ID {
		t.Fatalf("ids diverged: %s vs %s", aliceSnap[0].ID, bobSnap[0].ID)
	}
}

func TestPaddedTextConfirmsSingleRow(t *testing.T) {
	relay, server := startRelay(t)
	alice := join(t, server, "alice", nil, true)
	alice.waitState(t, Connected)
	waitFor(t, func() bool { return relay.ClientCount() == 1 })

	if err := alice.ctrl.Send(context.Background(), "  hello "); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	alice.waitSnapshot(t, func(s []message.Message) bool {
		return len(s) >= 1 && s[len(s)-1].ID.IsServer()
	})
	// Give a stray temp row time to show up next to the confirmed one.
	time.Sleep(100 * time.Millisecond)
	snap, err := alice.ctrl.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 1 {
		for _, m := range snap {
			t.Logf("row id=%s text=%q delivery=%v", m.ID, m.Content.Original, m.Delivery)
		}
		t.Fatalf("timeline has %d rows for one message, want 1", len(snap))
	}
	if !snap[0].ID.IsServer() || snap[0].Content.Original != "hello" {
		t.Fatalf("row = %+v", snap[0])
	}
}

func TestComposeAcrossDrop(t *testing.T) {
	relay, server := startRelay(t)
	alice := join(t, server, "alice", nil, true)
	alice.waitState(t, Connected)

	relay.FailDials(1000)
	relay.DropConnections(context.Background())
	alice.waitState(t, Disconnected)

	if err := alice.ctrl.Send(context.Background(), "written offline"); err != nil {
		t.Fatalf("offline Send() error = %v", err)
	}
	snap := alice.waitSnapshot(t, func(s []message.Message) bool { return len(s) == 1 })
	if snap[0].Delivery != message.Pending {
		t.Fatalf("offline entry = %+v", snap[0])
	}

	relay.FailDials(0)
	snap = alice.waitSnapshot(t, func(s []message.Message) bool {
		return len(s) == 1 && s[0].ID.IsServer()
	})
	stored := relay.Messages("12")
	if len(stored) != 1 || stored[0].TextOriginal != "written offline" || message.ServerID(string(stored[0].ID)) != snap[0].ID {
		t.Fatalf("relay history = %+v, client = %+v", stored, snap)
	}
}

type nopDevice struct{}

func (nopDevice) Close() error { return nil }

func TestVoiceNoteTranscriptKeepsURL(t *testing.T) {
	relay, server := startRelay(t)
	bob := join(t, server, "bob", nil, true)
	bob.waitState(t, Connected)
	waitFor(t, func() bool { return relay.ClientCount() == 1 })

	chunks := make(chan []int16, 1)
	chunks <- []int16{1, 2, 3}
	capture := func(ctx context.Context) (io.Closer, <-chan []int16, error) {
		return nopDevice{}, chunks, nil
	}
	encode := func([]int16) ([]byte, error) { return []byte("PVN1"), nil }
	uploader := media.NewUploader(media.UploaderOptions{URL: server.URL + "/chat/upload/", Token: "alice"})
	pipeline := media.NewPipeline("12", uploader, media.NewRecorder(capture, encode), nil, nil)

	ctx := context.Background()
	if err := pipeline.PressRecord(ctx); err != nil {
		t.Fatalf("PressRecord() error = %v", err)
	}
	if err := pipeline.ReleaseRecord(ctx); err != nil {
		t.Fatalf("ReleaseRecord() error = %v", err)
	}

	snap := bob.waitSnapshot(t, func(s []message.Message) bool { return len(s) == 1 })
	note := snap[0]
	if note.Content.Kind != message.KindAudio || !note.Placeholder || note.Content.URL == "" {
		t.Fatalf("voice note = %+v", note)
	}

	if !relay.Transcribe("12", strings.TrimPrefix(string(note.ID), "srv-"), "hi", "hola") {
		t.Fatal("Transcribe() found nothing")
	}
	bob.waitSnapshot(t, func(s []message.Message) bool {
		return len(s) == 1 && !s[0].Placeholder && s[0].Content.Caption() == "hola" && s[0].Content.URL == note.Content.URL
	})
}
