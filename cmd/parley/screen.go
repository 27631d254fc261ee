package main

import (
	"sync"

	"github.com/Avicted/parley/internal/media"
	"github.com/Avicted/parley/internal/message"
	"github.com/Avicted/parley/internal/session"
)

// screen is the rendered side of a conversation. The session loop, the
// banner timer and the media controls write to it from their own
// goroutines; the Bubble Tea model reads a copy after every change signal.
type screen struct {
	mu         sync.Mutex
	rows       []message.Message
	index      map[message.ID]int
	banner     string
	status     session.State
	attachIcon string
	voiceIcon  string

	changed chan struct{}
}

func newScreen() *screen {
	return &screen{
		index:      make(map[message.ID]int),
		status:     session.Disconnected,
		attachIcon: media.IconAttach,
		voiceIcon:  media.IconMic,
		changed:    make(chan struct{}, 1),
	}
}

func (s *screen) Append(m message.Message) {
	s.mu.Lock()
	if i, ok := s.index[m.ID]; ok {
		s.rows[i] = m
	} else {
		s.index[m.ID] = len(s.rows)
		s.rows = append(s.rows, m)
	}
	s.mu.Unlock()
	s.notify()
}

// Update replaces a rendered row in place. Unknown ids are appended so a
// missed insert never hides a message.
func (s *screen) Update(m message.Message) {
	s.Append(m)
}

func (s *screen) Replace(previous message.ID, m message.Message) {
	s.mu.Lock()
	i, ok := s.index[previous]
	if !ok {
		s.mu.Unlock()
		s.Append(m)
		return
	}
	if _, dup := s.index[m.ID]; dup && m.ID != previous {
		s.removeLocked(m.ID)
		i = s.index[previous]
	}
	delete(s.index, previous)
	s.rows[i] = m
	s.index[m.ID] = i
	s.mu.Unlock()
	s.notify()
}

func (s *screen) Remove(id message.ID) {
	s.mu.Lock()
	removed := s.removeLocked(id)
	s.mu.Unlock()
	if removed {
		s.notify()
	}
}

func (s *screen) removeLocked(id message.ID) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.rows = append(s.rows[:i], s.rows[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.rows); j++ {
		s.index[s.rows[j].ID] = j
	}
	return true
}

func (s *screen) ShowBanner(text string) {
	s.mu.Lock()
	s.banner = text
	s.mu.Unlock()
	s.notify()
}

func (s *screen) HideBanner() {
	s.ShowBanner("")
}

func (s *screen) setStatus(st session.State) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.notify()
}

func (s *screen) setAttachIcon(_ media.ControlState, icon string) {
	s.mu.Lock()
	s.attachIcon = icon
	s.mu.Unlock()
	s.notify()
}

func (s *screen) setVoiceIcon(_ media.ControlState, icon string) {
	s.mu.Lock()
	s.voiceIcon = icon
	s.mu.Unlock()
	s.notify()
}

func (s *screen) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

type screenView struct {
	rows       []message.Message
	banner     string
	status     session.State
	attachIcon string
	voiceIcon  string
}

func (s *screen) view() screenView {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]message.Message, len(s.rows))
	copy(rows, s.rows)
	return screenView{
		rows:       rows,
		banner:     s.banner,
		status:     s.status,
		attachIcon: s.attachIcon,
		voiceIcon:  s.voiceIcon,
	}
}
