// Package clipboard moves delivered transcripts through the system clipboard.
package clipboard

import (
	"errors"

	cb "github.com/atotto/clipboard"
)

// ErrUnsupported is returned when no clipboard utility is installed.
var ErrUnsupported = errors.New("clipboard: no clipboard utility available")

// swapped in tests; on Linux the real clipboard needs xclip, xsel or wl-clipboard
var (
	readAll = func() (string, error) {
		if cb.Unsupported {
			return "", ErrUnsupported
		}
		return cb.ReadAll()
	}
	writeAll = func(text string) error {
		if cb.Unsupported {
			return ErrUnsupported
		}
		return cb.WriteAll(text)
	}
)

func Read() (string, error) { return readAll() }

func Copy(text string) error { return writeAll(text) }

// Stash places text on the clipboard and returns a func that puts back
// whatever was there before. The previous contents are lost if they
// could not be read.
func Stash(text string) (restore func(), err error) {
	prev, readErr := Read()
	if err := Copy(text); err != nil {
		return func() {}, err
	}
	return func() {
		if readErr != nil {
			return
		}
		// Another app may have taken the clipboard since; leave it alone.
		if cur, err := Read(); err == nil && cur != text {
			return
		}
		_ = Copy(prev)
	}, nil
}
