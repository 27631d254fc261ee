//go:build !cgo

package main

import "errors"

var errHotkeyNeedsCgo = errors.New("global record hotkey needs a cgo build; rebuild with CGO_ENABLED=1 or leave record_hotkey unset")

func newHotkeyHoldKey(string) (holdKey, error) {
	return nil, errHotkeyNeedsCgo
}
