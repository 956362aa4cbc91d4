package main

import (
	"sync"
	"sync/atomic"
	"time"

	"hark/beep"
	"hark/capture"
	"hark/clipboard"
	"hark/log"
	"hark/paste"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
)

// uiBacklog is how many messages may wait for the TUI before level and
// transcript updates start being dropped.
const uiBacklog = 256

// hostSink fans machine events out to the TUI, audible cues and delivery.
// It runs on the machine's loop, so nothing here may block.
type hostSink struct {
	deliver chan capture.Input
	cue     func(beep.Cue)
	log     *zerolog.Logger

	mu     sync.Mutex
	queue  []tea.Msg
	closed bool
	wake   chan struct{}

	prev    capture.State
	dropped atomic.Uint64
}

func newHostSink(l *zerolog.Logger, cue func(beep.Cue)) *hostSink {
	if cue == nil {
		cue = func(beep.Cue) {}
	}
	return &hostSink{
		deliver: make(chan capture.Input, 8),
		cue:     cue,
		log:     l,
		wake:    make(chan struct{}, 1),
	}
}

// droppable reports whether msg is superseded by the next one of its kind.
func droppable(msg tea.Msg) bool {
	switch msg.(type) {
	case levelMsg, transcriptMsg:
		return true
	}
	return false
}

// post queues msg for the TUI. Status, error and delivery messages are
// always kept; level and transcript updates are dropped once the backlog
// is full.
func (s *hostSink) post(msg tea.Msg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= uiBacklog && droppable(msg) {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close ends forward once the queued messages have been sent.
func (s *hostSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward pumps queued messages into send, in order, until close.
func (s *hostSink) forward(send func(tea.Msg)) {
	for {
		s.mu.Lock()
		batch, closed := s.queue, s.closed
		s.queue = nil
		s.mu.Unlock()

		for _, msg := range batch {
			send(msg)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (s *hostSink) StateChanged(st capture.Status) {
	switch {
	case st.State == capture.Listening:
		s.cue(beep.CueStart)
	case s.prev == capture.Listening && st.State == capture.Processing:
		s.cue(beep.CueStop)
	case st.State == capture.Confirming:
		s.cue(beep.CueConfirm)
	}
	s.prev = st.State
	s.post(statusMsg(st))
}

func (s *hostSink) AudioLevel(level float64) {
	s.post(levelMsg(level))
}

func (s *hostSink) Transcript(t capture.Transcript) {
	s.post(transcriptMsg(t))
}

func (s *hostSink) VoiceInput(in capture.Input) {
	select {
	case s.deliver <- in:
	default:
		s.log.Warn().Msg("delivery queue full, transcript dropped")
	}
}

func (s *hostSink) Error(err *capture.CaptureError) {
	s.cue(beep.CueError)
	s.post(captureErrMsg{Err: err})
}

// delivery hands confirmed transcripts to the focused application.
type delivery struct {
	autoPaste    bool
	restoreAfter time.Duration

	stash  func(string) (func(), error)
	copy   func(string) error
	paste  func() error
	submit func() error

	log       *zerolog.Logger
	delivered int
}

func newDelivery(autoPaste bool, l *zerolog.Logger) *delivery {
	return &delivery{
		autoPaste:    autoPaste,
		restoreAfter: 300 * time.Millisecond,
		stash:        clipboard.Stash,
		copy:         clipboard.Copy,
		paste:        paste.Send,
		submit:       paste.Submit,
		log:          l,
	}
}

// run delivers inputs in order until in is closed, reporting each one
// through post.
func (d *delivery) run(in <-chan capture.Input, post func(tea.Msg)) {
	for input := range in {
		err := d.handle(input)
		d.delivered++
		post(deliveredMsg{Text: input.Text, Pasted: d.autoPaste && err == nil, Err: err})
	}
}

func (d *delivery) handle(in capture.Input) error {
	log.TranscriptionText(in.Text)

	if !d.autoPaste {
		if err := d.copy(in.Text); err != nil {
			d.log.Warn().Err(err).Msg("clipboard copy failed")
			return err
		}
		if in.Submit {
			d.log.Debug().Msg("autosubmit ignored without autopaste")
		}
		return nil
	}

	restore, err := d.stash(in.Text)
	if err != nil {
		d.log.Warn().Err(err).Msg("clipboard stash failed")
		return err
	}
	if err := d.paste(); err != nil {
		d.log.Warn().Err(err).Msg("paste failed")
		// leave the transcript on the clipboard for a manual paste
		return err
	}
	if in.Submit {
		if err := d.submit(); err != nil {
			d.log.Warn().Err(err).Msg("submit failed")
		}
	}
	time.Sleep(d.restoreAfter)
	restore()
	return nil
}
