// Package paste injects the keystrokes that hand a transcript to the
// focused application.
package paste

import (
	"sync"
	"time"

	"github.com/micmonay/keybd_event"
)

var (
	kb     keybd_event.KeyBonding
	kbOnce sync.Once
	kbErr  error
)

// Init creates the virtual keyboard. On Linux this opens /dev/uinput and
// the compositor needs a moment to pick the device up, so call it early.
func Init() error {
	kbOnce.Do(func() {
		kb, kbErr = keybd_event.NewKeyBonding()
	})
	return kbErr
}

// Send presses the platform paste shortcut.
func Send() error {
	if err := Init(); err != nil {
		return err
	}
	kb.Clear()
	kb.SetKeys(keybd_event.VK_V)
	setPasteModifier(&kb)
	err := kb.Launching()
	kb.Clear()
	return err
}

// Submit presses Enter, after a short pause so the paste lands first.
func Submit() error {
	if err := Init(); err != nil {
		return err
	}
	time.Sleep(30 * time.Millisecond)
	kb.Clear()
	kb.SetKeys(keybd_event.VK_ENTER)
	return kb.Launching()
}
