package message

import "strings"

// ChangeKind describes what an operation did to the store.
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	Inserted
	Updated
	Replaced
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Replaced:
		return "replaced"
	default:
		return "unchanged"
	}
}

type Change struct {
	Kind    ChangeKind
	Message Message
	// Previous is the temp id a Replaced message took over from.
	Previous ID
}

// Store is the in-memory timeline keyed by message id. It holds pure state and
// is not safe for concurrent use; the session event loop owns it.
type Store struct {
	localID string
	byID    map[ID]Message
	order   []ID
}

func NewStore(localID string) *Store {
	return &Store{
		localID: localID,
		byID:    make(map[ID]Message),
	}
}

func (s *Store) LocalID() string {
	return s.localID
}

func (s *Store) Len() int {
	return len(s.order)
}

func (s *Store) Has(id ID) bool {
	_, ok := s.byID[id]
	return ok
}

func (s *Store) Get(id ID) (Message, bool) {
	m, ok := s.byID[id]
	return m, ok
}

// Snapshot returns the timeline in insertion order.
func (s *Store) Snapshot() []Message {
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Upsert inserts a message with an unknown id, or reconciles it into the
// existing entry. Reconciliation merges newly available content fields,
// advances delivery state and never moves anything backwards.
func (s *Store) Upsert(in Message) Change {
	if in.ID == "" {
		return Change{Kind: Unchanged, Message: in}
	}
	cur, ok := s.byID[in.ID]
	if !ok {
		s.byID[in.ID] = in
		s.order = append(s.order, in.ID)
		return Change{Kind: Inserted, Message: in}
	}

	merged := reconcile(cur, in)
	if equal(merged, cur) {
		return Change{Kind: Unchanged, Message: cur}
	}
	s.byID[in.ID] = merged
	return Change{Kind: Updated, Message: merged}
}

func reconcile(cur, in Message) Message {
	out := cur
	overwrite := cur.Placeholder && !in.Placeholder

	fill := func(dst *string, src string) {
		if src == "" {
			return
		}
		if *dst == "" || overwrite {
			*dst = src
		}
	}

	fill(&out.Content.Original, in.Content.Original)
	fill(&out.Content.Translated, in.Content.Translated)
	if cur.Content.URL == "" && in.Content.URL != "" {
		out.Content.URL = in.Content.URL
		out.Content.Kind = in.Content.Kind
	}
	if overwrite && (in.Content.Original != "" || in.Content.Translated != "" || in.Content.URL != "") {
		out.Placeholder = false
	}

	if in.Delivery > cur.Delivery {
		out.Delivery = in.Delivery
	}
	return out
}

func equal(a, b Message) bool {
	return a.ID == b.ID &&
		a.SenderID == b.SenderID &&
		a.Content == b.Content &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Delivery == b.Delivery &&
		a.Placeholder == b.Placeholder
}

// MarkOutgoingRead applies a read receipt: every outgoing Sent message
// becomes Read. Pending messages have not reached the server and stay put.
func (s *Store) MarkOutgoingRead() []Message {
	var changed []Message
	for _, id := range s.order {
		m := s.byID[id]
		if !m.Outgoing(s.localID) || m.Delivery != Sent {
			continue
		}
		m.Delivery = Read
		s.byID[id] = m
		changed = append(changed, m)
	}
	return changed
}

func (s *Store) HasUnreadIncoming() bool {
	for _, id := range s.order {
		m := s.byID[id]
		if !m.Outgoing(s.localID) && m.Delivery < Read {
			return true
		}
	}
	return false
}

// MarkIncomingRead records that every incoming message has been acknowledged.
func (s *Store) MarkIncomingRead() []Message {
	var changed []Message
	for _, id := range s.order {
		m := s.byID[id]
		if m.Outgoing(s.localID) || m.Delivery == Read {
			continue
		}
		m.Delivery = Read
		s.byID[id] = m
		changed = append(changed, m)
	}
	return changed
}

// MatchInFlight finds the oldest unconfirmed temp message that an outgoing
// server echo confirms.
func (s *Store) MatchInFlight(in Message) (ID, bool) {
	if in.ID.IsTemp() || !in.Outgoing(s.localID) {
		return "", false
	}
	for _, id := range s.order {
		if !id.IsTemp() {
			continue
		}
		m := s.byID[id]
		if m.Delivery != Sent || !m.Outgoing(s.localID) {
			continue
		}
		if strings.TrimSpace(m.Content.Original) == strings.TrimSpace(in.Content.Original) {
			return id, true
		}
	}
	return "", false
}

// Promote moves a temp message into the server namespace, keeping its
// timeline position. It happens at most once per temp id.
func (s *Store) Promote(tempID ID, confirmed Message) (Change, bool) {
	if !tempID.IsTemp() || confirmed.ID == "" || confirmed.ID.IsTemp() {
		return Change{}, false
	}
	if _, ok := s.byID[tempID]; !ok {
		return Change{}, false
	}
	if _, exists := s.byID[confirmed.ID]; exists {
		s.remove(tempID)
		change := s.Upsert(confirmed)
		change.Previous = tempID
		return change, true
	}

	delete(s.byID, tempID)
	for i, id := range s.order {
		if id == tempID {
			s.order[i] = confirmed.ID
			break
		}
	}
	s.byID[confirmed.ID] = confirmed
	return Change{Kind: Replaced, Message: confirmed, Previous: tempID}, true
}

// DropPending removes every temp message still waiting in the outbox. It is
// called once the outbox has been flushed and the server will send the
// confirmed copies.
func (s *Store) DropPending() []ID {
	var dropped []ID
	for _, id := range append([]ID(nil), s.order...) {
		if !id.IsTemp() {
			continue
		}
		if s.byID[id].Delivery != Pending {
			continue
		}
		s.remove(id)
		dropped = append(dropped, id)
	}
	return dropped
}

func (s *Store) remove(id ID) {
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
