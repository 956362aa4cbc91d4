// Package hotkey listens for the global key combination that drives capture.
package hotkey

import (
	"fmt"
	"strings"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// DefaultCombo is used when -hotkey is not given.
const DefaultCombo = "ctrl+shift+space"

// Combo is a parsed key combination such as ctrl+shift+space.
type Combo struct {
	Ctrl  bool
	Shift bool
	Alt   bool
	Key   string // "space", "a".."z" or "f1".."f12"
}

func (c Combo) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "ctrl")
	}
	if c.Shift {
		parts = append(parts, "shift")
	}
	if c.Alt {
		parts = append(parts, "alt")
	}
	return strings.Join(append(parts, c.Key), "+")
}

func validKey(k string) bool {
	if k == "space" {
		return true
	}
	if len(k) == 1 && k[0] >= 'a' && k[0] <= 'z' {
		return true
	}
	var n int
	if _, err := fmt.Sscanf(k, "f%d", &n); err == nil && n >= 1 && n <= 12 && k == fmt.Sprintf("f%d", n) {
		return true
	}
	return false
}

// ParseCombo parses strings like "ctrl+shift+space". A combo needs exactly
// one key and at least one modifier.
func ParseCombo(s string) (Combo, error) {
	var c Combo
	for _, p := range strings.Split(strings.ToLower(strings.TrimSpace(s)), "+") {
		switch p = strings.TrimSpace(p); p {
		case "ctrl", "control":
			c.Ctrl = true
		case "shift":
			c.Shift = true
		case "alt", "option":
			c.Alt = true
		default:
			if c.Key != "" {
				return Combo{}, fmt.Errorf("hotkey %q: more than one key", s)
			}
			if !validKey(p) {
				return Combo{}, fmt.Errorf("hotkey %q: unsupported key %q", s, p)
			}
			c.Key = p
		}
	}
	if c.Key == "" {
		return Combo{}, fmt.Errorf("hotkey %q: no key", s)
	}
	if !c.Ctrl && !c.Shift && !c.Alt {
		return Combo{}, fmt.Errorf("hotkey %q: needs a modifier", s)
	}
	return c, nil
}
