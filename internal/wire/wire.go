// Package wire defines the JSON frames exchanged over a conversation channel.
// Inbound frames decode into a closed set of Event variants; anything else is
// reported as ErrMalformedEvent so stale clients keep working when the server
// grows new event kinds.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Avicted/parley/internal/message"
)

const (
	TypeChatMessage = "chat_message"
	TypeReadReceipt = "read_receipt"
	TypeErrorAlert  = "error_alert"
	TypeMarkRead    = "mark_read"
)

var ErrMalformedEvent = errors.New("malformed inbound event")

// Event is one of ChatMessage, ReadReceipt or ErrorAlert.
type Event interface {
	eventType() string
}

type ChatMessage struct {
	ID             FlexString `json:"id"`
	SenderID       FlexString `json:"sender_id"`
	TextOriginal   string     `json:"text_original,omitempty"`
	TextTranslated string     `json:"text_translated,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
	AudioURL       string     `json:"audio_url,omitempty"`
	Timestamp      string     `json:"timestamp,omitempty"`
	IsRead         bool       `json:"is_read"`
}

type ReadReceipt struct {
	ReaderID FlexString `json:"reader_id,omitempty"`
}

type ErrorAlert struct {
	Error string `json:"error"`
}

func (ChatMessage) eventType() string { return TypeChatMessage }
func (ReadReceipt) eventType() string { return TypeReadReceipt }
func (ErrorAlert) eventType() string  { return TypeErrorAlert }

// Type returns the wire tag of an event.
func Type(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch strings.TrimSpace(env.Type) {
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: chat_message without id", ErrMalformedEvent)
		}
		return msg, nil
	case TypeReadReceipt:
		var rr ReadReceipt
		if err := json.Unmarshal(data, &rr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return rr, nil
	case TypeErrorAlert:
		var alert ErrorAlert
		if err := json.Unmarshal(data, &alert); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return alert, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
}

type sendText struct {
	Message string `json:"message"`
}

type markRead struct {
	Type string `json:"type"`
}

// EncodeText builds the outbound frame carrying a new chat message.
func EncodeText(text string) ([]byte, error) {
	return json.Marshal(sendText{Message: text})
}

// EncodeMarkRead builds the outbound read acknowledgement.
func EncodeMarkRead() ([]byte, error) {
	return json.Marshal(markRead{Type: TypeMarkRead})
}

// Outbound is a decoded client frame, used by the test relay.
type Outbound struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func DecodeOutbound(data []byte) (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return Outbound{}, err
	}
	out.Type = strings.TrimSpace(out.Type)
	return out, nil
}

// Message converts the frame into store form.
func (c ChatMessage) Message(now time.Time) message.Message {
	m := message.Message{
		ID:        message.ServerID(string(c.ID)),
		SenderID:  string(c.SenderID),
		Timestamp: ParseTimestamp(c.Timestamp, now),
		Delivery:  message.Sent,
	}
	if c.IsRead {
		m.Delivery = message.Read
	}

	switch {
	case c.ImageURL != "":
		m.Content = message.Image(c.ImageURL)
		m.Content.Original = c.TextOriginal
		m.Content.Translated = c.TextTranslated
	case c.AudioURL != "":
		m.Content = message.Audio(c.AudioURL, c.TextOriginal)
		m.Content.Translated = c.TextTranslated
	default:
		m.Content = message.Text(c.TextOriginal, c.TextTranslated)
	}
	m.Placeholder = strings.TrimSpace(c.TextOriginal) == message.PlaceholderText
	return m
}

// ParseTimestamp accepts RFC3339 timestamps and the short HH:MM form, which
// is resolved against now's date. Anything else yields the zero time.
func ParseTimestamp(value string, now time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999999", value); err == nil {
		return ts
	}
	if hm, err := time.Parse("15:04", value); err == nil {
		y, mo, d := now.Date()
		return time.Date(y, mo, d, hm.Hour(), hm.Minute(), 0, 0, now.Location())
	}
	return time.Time{}
}

// FlexString decodes either a JSON string or a JSON number into a string.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}
