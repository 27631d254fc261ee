package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID identifies a message. Client-assigned ids carry the temp- prefix until
// the server confirms the message; server ids carry the srv- prefix.
type ID string

const (
	tempPrefix   = "temp-"
	serverPrefix = "srv-"
)

// PlaceholderText is the body the server stores for a voice note whose
// transcript has not been produced yet.
const PlaceholderText = "🎤 ..."

// ImageMarkerText is the body the server stores alongside an uploaded image.
const ImageMarkerText = "[Image Sent]"

func (id ID) IsTemp() bool {
	return strings.HasPrefix(string(id), tempPrefix)
}

func (id ID) IsServer() bool {
	return strings.HasPrefix(string(id), serverPrefix)
}

// ServerID maps a wire id onto the server namespace.
func ServerID(wireID string) ID {
	wireID = strings.TrimSpace(wireID)
	if wireID == "" {
		return ""
	}
	if strings.HasPrefix(wireID, serverPrefix) {
		return ID(wireID)
	}
	return ID(serverPrefix + wireID)
}

// NewTempID returns temp-<unix millis>, bumping the timestamp until exists
// reports the id as free.
func NewTempID(now time.Time, exists func(ID) bool) ID {
	ts := now.UnixMilli()
	for {
		id := ID(tempPrefix + strconv.FormatInt(ts, 10))
		if exists == nil || !exists(id) {
			return id
		}
		ts++
	}
}

type Kind int

const (
	KindText Kind = iota
	KindImage
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Content is a closed variant: Text uses Original/Translated, Image uses URL,
// Audio uses URL with Original/Translated as the caption.
type Content struct {
	Kind       Kind
	Original   string
	Translated string
	URL        string
}

func Text(original, translated string) Content {
	return Content{Kind: KindText, Original: original, Translated: translated}
}

func Image(url string) Content {
	return Content{Kind: KindImage, URL: url}
}

func Audio(url, caption string) Content {
	return Content{Kind: KindAudio, URL: url, Original: caption}
}

// Caption returns the transcript of an audio message, preferring the
// translation.
func (c Content) Caption() string {
	if c.Translated != "" {
		return c.Translated
	}
	return c.Original
}

type DeliveryState int

const (
	Pending DeliveryState = iota
	Sent
	Read
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Read:
		return "read"
	default:
		return fmt.Sprintf("delivery(%d)", int(s))
	}
}

type Message struct {
	ID          ID
	SenderID    string
	Content     Content
	Timestamp   time.Time
	Delivery    DeliveryState
	Placeholder bool
}

// Outgoing reports whether the local participant authored the message.
func (m Message) Outgoing(localID string) bool {
	return m.SenderID != "" && m.SenderID == localID
}

// DisplayText is the body shown for a text or audio message: outgoing
// messages show what was typed, incoming ones the translation when present.
func (m Message) DisplayText(localID string) string {
	if m.Content.Kind == KindImage {
		return ""
	}
	if m.Outgoing(localID) {
		return m.Content.Original
	}
	return m.Content.Caption()
}

// DisplayURL appends a cache-busting version parameter to media URLs that do
// not already carry a query string.
func DisplayURL(url string, now time.Time) string {
	if url == "" || strings.Contains(url, "?") {
		return url
	}
	return url + "?v=" + strconv.FormatInt(now.UnixMilli(), 10)
}

// FormatTimestamp renders "YYYY-MM-DD / HH:MM", or "" for an absent time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 / 15:04")
}
