package main

import "context"

// holdKey reports press and release of a global key binding. The chat
// command drives voice recording with it while the terminal is unfocused.
type holdKey interface {
	Run(ctx context.Context, onDown, onUp func()) error
}

var newHoldKey = newHotkeyHoldKey
