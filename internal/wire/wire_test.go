package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/Avicted/parley/internal/message"
)

func TestDecodeVariants(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"chat_message","id":42,"sender_id":"7","text_original":"hola","text_translated":"hello","timestamp":"14:05","is_read":false}`))
	if err != nil {
		t.Fatalf("Decode(chat_message) error = %v", err)
	}
	msg, ok := ev.(ChatMessage)
	if !ok {
		t.Fatalf("expected ChatMessage, got %T", ev)
	}
	if msg.ID != "42" || msg.SenderID != "7" || msg.TextTranslated != "hello" {
		t.Fatalf("decoded = %+v", msg)
	}
	if Type(ev) != TypeChatMessage {
		t.Fatalf("Type() = %q", Type(ev))
	}

	ev, err = Decode([]byte(`{"type":"read_receipt","reader_id":9}`))
	if err != nil {
		t.Fatalf("Decode(read_receipt) error = %v", err)
	}
	if rr, ok := ev.(ReadReceipt); !ok || rr.ReaderID != "9" {
		t.Fatalf("receipt = %#v", ev)
	}

	ev, err = Decode([]byte(`{"type":"error_alert","error":"Please slow down."}`))
	if err != nil {
		t.Fatalf("Decode(error_alert) error = %v", err)
	}
	if alert, ok := ev.(ErrorAlert); !ok || alert.Error != "Please slow down." {
		t.Fatalf("alert = %#v", ev)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{nope`,
		"unknown type": `{"type":"typing","user":"7"}`,
		"missing type": `{"message":"hi"}`,
		"no id":        `{"type":"chat_message","text_original":"x"}`,
		"bad id":       `{"type":"chat_message","id":{"n":1}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(frame)); !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("Decode(%s) err = %v", frame, err)
			}
		})
	}
}

func TestEncodeOutbound(t *testing.T) {
	raw, err := EncodeText(`say "hi"`)
	if err != nil || string(raw) != `{"message":"say \"hi\""}` {
		t.Fatalf("EncodeText() = %s %v", raw, err)
	}
	raw, err = EncodeMarkRead()
	if err != nil || string(raw) != `{"type":"mark_read"}` {
		t.Fatalf("EncodeMarkRead() = %s %v", raw, err)
	}
	out, err := DecodeOutbound([]byte(`{"type":" mark_read "}`))
	if err != nil || out.Type != TypeMarkRead {
		t.Fatalf("DecodeOutbound() = %+v %v", out, err)
	}
}

func TestChatMessageToStore(t *testing.T) {
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	m := ChatMessage{ID: "3", SenderID: "7", AudioURL: "/media/a.opus", TextOriginal: message.PlaceholderText}.Message(now)
	if m.ID != "srv-3" || m.Content.Kind != message.KindAudio || !m.Placeholder || m.Delivery != message.Sent {
		t.Fatalf("audio placeholder = %+v", m)
	}

	m = ChatMessage{ID: "4", SenderID: "7", ImageURL: "/media/b.png", TextOriginal: message.ImageMarkerText, IsRead: true}.Message(now)
	if m.Content.Kind != message.KindImage || m.Content.URL != "/media/b.png" || m.Delivery != message.Read || m.Placeholder {
		t.Fatalf("image = %+v", m)
	}

	m = ChatMessage{ID: "5", TextOriginal: "hi", Timestamp: "garbage"}.Message(now)
	if m.Content.Kind != message.KindText || !m.Timestamp.IsZero() {
		t.Fatalf("text = %+v", m)
	}
}

func TestParseTimestamp(t *testing.T) {
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"14:05", time.Date(2024, 3, 5, 14, 5, 0, 0, time.UTC)},
		{"2024-03-01T10:11:12Z", time.Date(2024, 3, 1, 10, 11, 12, 0, time.UTC)},
		{"2024-03-01T10:11:12.5", time.Date(2024, 3, 1, 10, 11, 12, 500000000, time.UTC)},
		{"yesterday", time.Time{}},
	}
	for _, tc := range tests {
		if got := ParseTimestamp(tc.in, now); !got.Equal(tc.want) {
			t.Fatalf("ParseTimestamp(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
