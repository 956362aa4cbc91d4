package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var ErrSelectionCancelled = errors.New("device selection cancelled")

// FindDevice returns the first device whose name or ID contains query,
// ignoring case. An empty query selects the system default (nil).
func FindDevice(ctx Context, query string) (*DeviceInfo, error) {
	if query == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	q := strings.ToLower(query)
	for i, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.ID), q) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: nothing matches %q", ErrNoDevice, query)
}

type pickAction int

const (
	pickNone pickAction = iota
	pickUp
	pickDown
	pickAccept
	pickCancel
)

func decodePickKey(buf []byte) pickAction {
	switch {
	case len(buf) == 1:
		switch buf[0] {
		case '\r', '\n':
			return pickAccept
		case 3, 'q', 0x1b: // ctrl+c, q, bare escape
			return pickCancel
		case 'j':
			return pickDown
		case 'k':
			return pickUp
		}
	case len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[':
		switch buf[2] {
		case 'A':
			return pickUp
		case 'B':
			return pickDown
		}
	}
	return pickNone
}

type picker struct {
	devices []DeviceInfo
	cursor  int
}

func (p *picker) apply(a pickAction) {
	switch a {
	case pickUp:
		if p.cursor > 0 {
			p.cursor--
		}
	case pickDown:
		if p.cursor < len(p.devices)-1 {
			p.cursor++
		}
	}
}

func (p *picker) render(w io.Writer) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select microphone (↑/↓, Enter to confirm, q to cancel):\r\n\r\n")
	for i, d := range p.devices {
		warn := ""
		if IsBluetooth(d.Name) {
			warn = " \x1b[33m[headset profile, lower quality]\x1b[0m"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, warn)
		} else {
			fmt.Fprintf(w, "    %s%s\r\n", d.Name, warn)
		}
	}
}

// SelectDevice presents an interactive picker on the terminal and returns
// the chosen device. A single device is returned without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := &picker{devices: devices}
	out := os.Stdout
	p.render(out)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch a := decodePickKey(buf[:n]); a {
		case pickAccept:
			fmt.Fprint(out, "\r\n")
			return &devices[p.cursor], nil
		case pickCancel:
			fmt.Fprint(out, "\r\n")
			return nil, ErrSelectionCancelled
		default:
			p.apply(a)
		}
		fmt.Fprintf(out, "\x1b[%dA", len(devices)+2)
		p.render(out)
	}
}
