package hotkey

import (
	"sync/atomic"
	"time"
)

type Mode string

const (
	ModePTT    Mode = "ptt"
	ModeToggle Mode = "toggle"
)

// StartEvent asks the capture machine to begin a session.
type StartEvent struct {
	Mode Mode
}

// Hybrid turns one key combination into tap-to-toggle and hold-to-talk.
// A press always starts capture immediately; how long the key is held
// decides whether the release stops it.
type Hybrid struct {
	startCh chan StartEvent
	stopCh  chan struct{}
	done    chan struct{}
	toggle  atomic.Bool
}

// NewHybrid builds a Hybrid on top of hk. Presses held longer than
// longPress are push-to-talk.
func NewHybrid(hk Hotkey, longPress time.Duration) *Hybrid {
	h := &Hybrid{
		startCh: make(chan StartEvent, 1),
		stopCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go h.run(hk, longPress)
	return h
}

func (h *Hybrid) Start() <-chan StartEvent { return h.startCh }

// StopChan fires when capture should stop, in either mode.
func (h *Hybrid) StopChan() <-chan struct{} { return h.stopCh }

// IsToggle reports whether the current session was started by a tap.
func (h *Hybrid) IsToggle() bool { return h.toggle.Load() }

// Close stops the hotkey goroutine. It does not unregister hk.
func (h *Hybrid) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Hybrid) wait(ch <-chan struct{}) bool {
	select {
	case <-ch:
	case <-h.done:
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Hybrid) emitStop() {
	select {
	case h.stopCh <- struct{}{}:
	default:
	}
}

func (h *Hybrid) run(hk Hotkey, longPress time.Duration) {
	for {
		if !h.wait(hk.Keydown()) {
			return
		}
		h.toggle.Store(false)
		select {
		case h.startCh <- StartEvent{Mode: ModePTT}:
		case <-h.done:
			return
		}

		timer := time.NewTimer(longPress)
		select {
		case <-timer.C:
			if !h.wait(hk.Keyup()) {
				return
			}
			h.emitStop()
			continue
		case <-hk.Keyup():
			timer.Stop()
			h.toggle.Store(true)
		case <-h.done:
			timer.Stop()
			return
		}

		// tapped: the next full press stops
		if !h.wait(hk.Keydown()) || !h.wait(hk.Keyup()) {
			return
		}
		h.toggle.Store(false)
		h.emitStop()
	}
}
