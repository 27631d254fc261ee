package message

import (
	"testing"
	"time"
)

const local = "refugee-1"

func incoming(id ID, content Content) Message {
	return Message{ID: id, SenderID: "nurse-1", Content: content, Delivery: Sent, Timestamp: time.Unix(100, 0)}
}

func outgoing(id ID, text string, state DeliveryState) Message {
	return Message{ID: id, SenderID: local, Content: Text(text, ""), Delivery: state, Timestamp: time.Unix(100, 0)}
}

func TestUpsertInsertsUnknownID(t *testing.T) {
	s := NewStore(local)
	change := s.Upsert(outgoing("temp-1", "hi", Pending))
	if change.Kind != Inserted {
		t.Fatalf("kind = %v, want inserted", change.Kind)
	}
	change = s.Upsert(incoming("srv-1", Text("a", "")))
	if change.Kind != Inserted || s.Len() != 2 {
		t.Fatalf("kind = %v len = %d", change.Kind, s.Len())
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	s := NewStore(local)
	if change := s.Upsert(Message{SenderID: local}); change.Kind != Unchanged || s.Len() != 0 {
		t.Fatalf("empty id should be ignored, got %v len %d", change.Kind, s.Len())
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	updates := []Message{
		incoming("srv-1", Text("hola", "")),
		{ID: "srv-1", Content: Text("", "hello")},
		{ID: "srv-1", Delivery: Read},
		{ID: "srv-1", Content: Image("/m/1.png")},
	}
	for _, u := range updates {
		once := NewStore(local)
		twice := NewStore(local)
		once.Upsert(incoming("srv-1", Text("hola", "")))
		twice.Upsert(incoming("srv-1", Text("hola", "")))

		once.Upsert(u)
		twice.Upsert(u)
		if change := twice.Upsert(u); change.Kind != Unchanged {
			t.Fatalf("second apply of %+v changed the store: %v", u, change.Kind)
		}
		a, _ := once.Get("srv-1")
		b, _ := twice.Get("srv-1")
		if !equal(a, b) {
			t.Fatalf("state diverged: once=%+v twice=%+v", a, b)
		}
	}
}

func TestUpsertNeverRegressesDelivery(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("srv-5", "hi", Sent))
	sequence := []DeliveryState{Read, Sent, Pending, Sent, Read, Pending}
	highest := Sent
	for _, state := range sequence {
		s.Upsert(Message{ID: "srv-5", SenderID: local, Delivery: state})
		got, _ := s.Get("srv-5")
		if state > highest {
			highest = state
		}
		if got.Delivery != highest {
			t.Fatalf("after %v delivery = %v, want %v", state, got.Delivery, highest)
		}
	}
}

func TestUpsertLowerStateWithoutContentIsIgnored(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("srv-5", "hi", Read))
	change := s.Upsert(outgoing("srv-5", "hi", Sent))
	if change.Kind != Unchanged {
		t.Fatalf("kind = %v, want unchanged", change.Kind)
	}
}

func TestUpsertMergesContentKeepsIdentityAndTimestamp(t *testing.T) {
	s := NewStore(local)
	s.Upsert(incoming("srv-2", Text("hola", "")))
	change := s.Upsert(Message{ID: "srv-2", SenderID: "someone-else", Content: Text("", "hello"), Timestamp: time.Unix(999, 0)})
	if change.Kind != Updated {
		t.Fatalf("kind = %v, want updated", change.Kind)
	}
	got, _ := s.Get("srv-2")
	if got.Content.Original != "hola" || got.Content.Translated != "hello" {
		t.Fatalf("content = %+v", got.Content)
	}
	if got.SenderID != "nurse-1" || !got.Timestamp.Equal(time.Unix(100, 0)) {
		t.Fatalf("identity or timestamp changed: %+v", got)
	}
}

func TestUpsertFillsPlaceholderTranscript(t *testing.T) {
	s := NewStore(local)
	placeholder := incoming("srv-3", Audio("/m/v.opus", PlaceholderText))
	placeholder.Placeholder = true
	s.Upsert(placeholder)

	change := s.Upsert(Message{ID: "srv-3", Content: Text("where is the clinic", "dónde está la clínica")})
	if change.Kind != Updated {
		t.Fatalf("kind = %v, want updated", change.Kind)
	}
	got, _ := s.Get("srv-3")
	if got.Placeholder {
		t.Fatalf("placeholder flag should clear")
	}
	if got.Content.Kind != KindAudio || got.Content.URL != "/m/v.opus" {
		t.Fatalf("audio identity lost: %+v", got.Content)
	}
	if got.Content.Original != "where is the clinic" {
		t.Fatalf("transcript not merged: %+v", got.Content)
	}

	stale := Message{ID: "srv-3", Content: Audio("", PlaceholderText), Placeholder: true}
	if change := s.Upsert(stale); change.Kind != Unchanged {
		t.Fatalf("stale placeholder should not regress, got %v", change.Kind)
	}
	got, _ = s.Get("srv-3")
	if got.Placeholder || got.Content.Original != "where is the clinic" {
		t.Fatalf("message regressed to placeholder: %+v", got)
	}
}

func TestUpsertPreservesMediaURL(t *testing.T) {
	s := NewStore(local)
	s.Upsert(incoming("srv-4", Image("/media/x.jpg")))
	s.Upsert(Message{ID: "srv-4", Content: Text(ImageMarkerText, "imagen enviada")})
	got, _ := s.Get("srv-4")
	if got.Content.URL != "/media/x.jpg" || got.Content.Kind != KindImage {
		t.Fatalf("media url lost: %+v", got.Content)
	}
}

func TestUpsertUpgradesTextPlaceholderToMedia(t *testing.T) {
	s := NewStore(local)
	s.Upsert(incoming("srv-8", Text(ImageMarkerText, "")))
	s.Upsert(Message{ID: "srv-8", Content: Image("/media/y.jpg")})
	got, _ := s.Get("srv-8")
	if got.Content.Kind != KindImage || got.Content.URL != "/media/y.jpg" {
		t.Fatalf("content = %+v", got.Content)
	}
}

func TestMarkOutgoingReadScope(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("temp-1", "queued", Pending))
	s.Upsert(outgoing("srv-1", "sent", Sent))
	s.Upsert(outgoing("srv-2", "read", Read))
	s.Upsert(incoming("srv-3", Text("in", "")))

	changed := s.MarkOutgoingRead()
	if len(changed) != 1 || changed[0].ID != "srv-1" {
		t.Fatalf("changed = %+v", changed)
	}
	if m, _ := s.Get("temp-1"); m.Delivery != Pending {
		t.Fatalf("pending message touched: %v", m.Delivery)
	}
	if m, _ := s.Get("srv-3"); m.Delivery != Sent {
		t.Fatalf("incoming message touched: %v", m.Delivery)
	}
}

func TestIncomingReadBookkeeping(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("srv-1", "mine", Sent))
	if s.HasUnreadIncoming() {
		t.Fatalf("no incoming yet")
	}
	s.Upsert(incoming("srv-2", Text("theirs", "")))
	if !s.HasUnreadIncoming() {
		t.Fatalf("expected unread incoming")
	}
	changed := s.MarkIncomingRead()
	if len(changed) != 1 || changed[0].ID != "srv-2" {
		t.Fatalf("changed = %+v", changed)
	}
	if s.HasUnreadIncoming() {
		t.Fatalf("incoming should be read")
	}
	if m, _ := s.Get("srv-1"); m.Delivery != Sent {
		t.Fatalf("outgoing touched: %v", m.Delivery)
	}
}

func TestPromoteKeepsPositionAndHappensOnce(t *testing.T) {
	s := NewStore(local)
	s.Upsert(incoming("srv-1", Text("before", "")))
	s.Upsert(outgoing("temp-10", "hello", Sent))
	s.Upsert(incoming("srv-2", Text("after", "")))

	echo := outgoing("srv-3", "hello", Sent)
	tempID, ok := s.MatchInFlight(echo)
	if !ok || tempID != "temp-10" {
		t.Fatalf("MatchInFlight = %q %v", tempID, ok)
	}
	change, ok := s.Promote(tempID, echo)
	if !ok || change.Kind != Replaced || change.Previous != "temp-10" {
		t.Fatalf("Promote = %+v %v", change, ok)
	}
	snap := s.Snapshot()
	if len(snap) != 3 || snap[1].ID != "srv-3" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, ok := s.Promote("temp-10", echo); ok {
		t.Fatalf("second promote should fail")
	}
	if _, ok := s.MatchInFlight(outgoing("srv-4", "hello", Sent)); ok {
		t.Fatalf("no in-flight message should remain")
	}
}

func TestMatchInFlightIgnoresSurroundingWhitespace(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("temp-10", "hello ", Sent))

	tempID, ok := s.MatchInFlight(outgoing("srv-3", "hello", Sent))
	if !ok || tempID != "temp-10" {
		t.Fatalf("MatchInFlight = %q %v", tempID, ok)
	}
}

func TestPromoteIntoExistingServerID(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("temp-1", "hi", Sent))
	s.Upsert(outgoing("srv-1", "hi", Sent))
	change, ok := s.Promote("temp-1", outgoing("srv-1", "hi", Read))
	if !ok || change.Previous != "temp-1" || change.Kind != Updated {
		t.Fatalf("Promote = %+v %v", change, ok)
	}
	if s.Has("temp-1") || s.Len() != 1 {
		t.Fatalf("temp entry should be gone, len=%d", s.Len())
	}
}

func TestMatchInFlightIgnoresPendingAndIncoming(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("temp-1", "hi", Pending))
	if _, ok := s.MatchInFlight(outgoing("srv-1", "hi", Sent)); ok {
		t.Fatalf("pending entries are not in flight")
	}
	s.Upsert(outgoing("temp-2", "hi", Sent))
	if _, ok := s.MatchInFlight(incoming("srv-1", Text("hi", ""))); ok {
		t.Fatalf("incoming echo should not match")
	}
}

func TestDropPending(t *testing.T) {
	s := NewStore(local)
	s.Upsert(outgoing("temp-1", "a", Pending))
	s.Upsert(outgoing("temp-2", "b", Sent))
	s.Upsert(outgoing("srv-1", "c", Sent))
	s.Upsert(outgoing("temp-3", "d", Pending))

	dropped := s.DropPending()
	if len(dropped) != 2 || dropped[0] != "temp-1" || dropped[1] != "temp-3" {
		t.Fatalf("dropped = %v", dropped)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != "temp-2" || snap[1].ID != "srv-1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
