// Package banner shows transient error notices. A notice disappears after a
// fixed timeout, and a newer notice replaces the one on screen together with
// its timer.
package banner

import (
	"sync"
	"time"
)

const (
	DefaultTimeout = 5 * time.Second
	prefix         = "⚠️ "
)

// Surface is where a notice is drawn.
type Surface interface {
	ShowBanner(text string)
	HideBanner()
}

type Banner struct {
	surface Surface
	timeout time.Duration

	// drawMu orders surface calls; a call for a stale gen is skipped.
	drawMu sync.Mutex

	mu      sync.Mutex
	text    string
	gen     uint64
	timer   *time.Timer
	stopped bool
}

func New(surface Surface, timeout time.Duration) *Banner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Banner{surface: surface, timeout: timeout}
}

// Show replaces the current notice with msg and restarts the dismiss timer.
// Blank messages are ignored.
func (b *Banner) Show(msg string) {
	if msg == "" {
		return
	}
	text := prefix + msg

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.text = text
	b.timer = time.AfterFunc(b.timeout, func() { b.expire(gen) })
	b.mu.Unlock()

	b.draw(gen, func(s Surface) { s.ShowBanner(text) })
}

// Hide dismisses the current notice immediately.
func (b *Banner) Hide() {
	b.mu.Lock()
	if b.text == "" {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	gen := b.gen
	b.text = ""
	b.mu.Unlock()

	b.draw(gen, Surface.HideBanner)
}

// Text is the notice on screen, or "".
func (b *Banner) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Stop cancels any pending timer. Later calls to Show are ignored.
func (b *Banner) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Banner) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.stopped {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.text = ""
	b.mu.Unlock()

	b.draw(gen, Surface.HideBanner)
}

func (b *Banner) draw(gen uint64, fn func(Surface)) {
	if b.surface == nil {
		return
	}
	b.drawMu.Lock()
	defer b.drawMu.Unlock()
	b.mu.Lock()
	current := gen == b.gen
	b.mu.Unlock()
	if current {
		fn(b.surface)
	}
}
