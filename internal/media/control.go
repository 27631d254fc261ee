package media

import "sync"

type ControlState int

const (
	Idle ControlState = iota
	Busy
	Recording
)

func (s ControlState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Recording:
		return "recording"
	default:
		return "unknown"
	}
}

const (
	IconAttach    = "📎"
	IconMic       = "🎤"
	IconRecording = "🔴"
	IconBusy      = "⏳"
)

// Control is the state of one media trigger (attach button, record key).
// Begin only succeeds from Idle, so a trigger never runs two operations at
// once.
type Control struct {
	idleIcon string

	mu       sync.Mutex
	state    ControlState
	onChange func(ControlState, string)
}

func NewControl(idleIcon string) *Control {
	return &Control{idleIcon: idleIcon}
}

// OnChange registers an observer called with the new state and icon.
func (c *Control) OnChange(fn func(ControlState, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Control) Begin(next ControlState) bool {
	c.mu.Lock()
	if c.state != Idle || next == Idle {
		c.mu.Unlock()
		return false
	}
	c.state = next
	fn := c.onChange
	c.mu.Unlock()
	c.notify(fn, next)
	return true
}

// Advance moves an operation already in progress to its next phase.
func (c *Control) Advance(from, to ControlState) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	fn := c.onChange
	c.mu.Unlock()
	c.notify(fn, to)
	return true
}

func (c *Control) Reset() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	fn := c.onChange
	c.mu.Unlock()
	c.notify(fn, Idle)
}

func (c *Control) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Control) Icon() string {
	return c.icon(c.State())
}

func (c *Control) icon(s ControlState) string {
	switch s {
	case Recording:
		return IconRecording
	case Busy:
		return IconBusy
	default:
		return c.idleIcon
	}
}

func (c *Control) notify(fn func(ControlState, string), s ControlState) {
	if fn != nil {
		fn(s, c.icon(s))
	}
}
