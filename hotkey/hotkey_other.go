//go:build !linux

package hotkey

import (
	"fmt"

	"golang.design/x/hotkey"
)

type xHotkey struct {
	hk      *hotkey.Hotkey
	keydown chan struct{}
	keyup   chan struct{}
}

// key codes are not contiguous on every platform
var letters = []hotkey.Key{
	hotkey.KeyA, hotkey.KeyB, hotkey.KeyC, hotkey.KeyD, hotkey.KeyE, hotkey.KeyF, hotkey.KeyG,
	hotkey.KeyH, hotkey.KeyI, hotkey.KeyJ, hotkey.KeyK, hotkey.KeyL, hotkey.KeyM, hotkey.KeyN,
	hotkey.KeyO, hotkey.KeyP, hotkey.KeyQ, hotkey.KeyR, hotkey.KeyS, hotkey.KeyT, hotkey.KeyU,
	hotkey.KeyV, hotkey.KeyW, hotkey.KeyX, hotkey.KeyY, hotkey.KeyZ,
}

func key(name string) hotkey.Key {
	switch {
	case name == "space":
		return hotkey.KeySpace
	case len(name) == 1:
		return letters[name[0]-'a']
	}
	var n int
	fmt.Sscanf(name, "f%d", &n)
	fkeys := []hotkey.Key{
		hotkey.KeyF1, hotkey.KeyF2, hotkey.KeyF3, hotkey.KeyF4, hotkey.KeyF5, hotkey.KeyF6,
		hotkey.KeyF7, hotkey.KeyF8, hotkey.KeyF9, hotkey.KeyF10, hotkey.KeyF11, hotkey.KeyF12,
	}
	return fkeys[n-1]
}

// New registers through the OS hotkey API. Alt is only honoured where the
// platform exposes it as a modifier.
func New(c Combo) Hotkey {
	var mods []hotkey.Modifier
	if c.Ctrl {
		mods = append(mods, hotkey.ModCtrl)
	}
	if c.Shift {
		mods = append(mods, hotkey.ModShift)
	}
	if c.Alt {
		mods = append(mods, altModifier)
	}
	return &xHotkey{
		hk:      hotkey.New(mods, key(c.Key)),
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

func (h *xHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	go func() {
		for {
			<-h.hk.Keydown()
			h.keydown <- struct{}{}
		}
	}()
	go func() {
		for {
			<-h.hk.Keyup()
			h.keyup <- struct{}{}
		}
	}()
	return nil
}

func (h *xHotkey) Unregister() {
	h.hk.Unregister()
}

func (h *xHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *xHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func Diagnose() (string, error) {
	return "hotkey support available via the OS hotkey API", nil
}
