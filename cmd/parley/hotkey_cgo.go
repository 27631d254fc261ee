//go:build cgo

package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"golang.design/x/hotkey"
)

type hotkeyHoldKey struct {
	hk *hotkey.Hotkey
}

func newHotkeyHoldKey(binding string) (holdKey, error) {
	mods, key, err := parseHotkey(binding)
	if err != nil {
		return nil, err
	}
	return &hotkeyHoldKey{hk: hotkey.New(mods, key)}, nil
}

func (h *hotkeyHoldKey) Run(ctx context.Context, onDown, onUp func()) error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	defer h.hk.Unregister()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.hk.Keydown():
			if onDown != nil {
				onDown()
			}
		case <-h.hk.Keyup():
			if onUp != nil {
				onUp()
			}
		}
	}
}

func parseHotkey(binding string) ([]hotkey.Modifier, hotkey.Key, error) {
	binding = strings.TrimSpace(strings.ToLower(binding))
	if binding == "" {
		return nil, 0, fmt.Errorf("hotkey binding is required")
	}

	parts := strings.Split(binding, "+")
	mods := make([]hotkey.Modifier, 0, len(parts))
	var key hotkey.Key
	hasKey := false

	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch part {
		case "ctrl", "control":
			mod, err := hotkeyModifierCtrl()
			if err != nil {
				return nil, 0, err
			}
			mods = append(mods, mod)
		case "shift":
			mod, err := hotkeyModifierShift()
			if err != nil {
				return nil, 0, err
			}
			mods = append(mods, mod)
		case "space":
			k, err := hotkeySpaceKey()
			if err != nil {
				return nil, 0, err
			}
			key, hasKey = k, true
		case "r":
			k, err := hotkeyRKey()
			if err != nil {
				return nil, 0, err
			}
			key, hasKey = k, true
		case "caps", "capslock", "caps_lock":
			k, err := capsLockHotkeyKey()
			if err != nil {
				return nil, 0, err
			}
			key, hasKey = k, true
		default:
			return nil, 0, fmt.Errorf("unsupported key: %s", part)
		}
	}
	if !hasKey {
		return nil, 0, fmt.Errorf("missing key")
	}
	return mods, key, nil
}

func hotkeyModifierCtrl() (hotkey.Modifier, error) {
	switch runtime.GOOS {
	case "linux":
		return hotkey.Modifier(1 << 2), nil
	case "darwin":
		return hotkey.Modifier(0x1000), nil
	case "windows":
		return hotkey.Modifier(0x2), nil
	default:
		return 0, fmt.Errorf("hotkey ctrl modifier is unsupported on %s", runtime.GOOS)
	}
}

func hotkeyModifierShift() (hotkey.Modifier, error) {
	switch runtime.GOOS {
	case "linux":
		return hotkey.Modifier(1 << 0), nil
	case "darwin":
		return hotkey.Modifier(0x200), nil
	case "windows":
		return hotkey.Modifier(0x4), nil
	default:
		return 0, fmt.Errorf("hotkey shift modifier is unsupported on %s", runtime.GOOS)
	}
}

func hotkeySpaceKey() (hotkey.Key, error) {
	switch runtime.GOOS {
	case "linux", "windows":
		return hotkey.Key(0x20), nil
	case "darwin":
		return hotkey.Key(49), nil
	default:
		return 0, fmt.Errorf("hotkey space key is unsupported on %s", runtime.GOOS)
	}
}

func hotkeyRKey() (hotkey.Key, error) {
	switch runtime.GOOS {
	case "linux":
		return hotkey.Key(0x72), nil
	case "darwin":
		return hotkey.Key(15), nil
	case "windows":
		return hotkey.Key(0x52), nil
	default:
		return 0, fmt.Errorf("hotkey r key is unsupported on %s", runtime.GOOS)
	}
}

func capsLockHotkeyKey() (hotkey.Key, error) {
	switch runtime.GOOS {
	case "linux":
		return hotkey.Key(0xffe5), nil
	case "darwin":
		return hotkey.Key(0x39), nil
	case "windows":
		return hotkey.Key(0x14), nil
	default:
		return 0, fmt.Errorf("capslock is unsupported on %s", runtime.GOOS)
	}
}
