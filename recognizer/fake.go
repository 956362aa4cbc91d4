package recognizer

import (
	"strings"
	"sync"
	"time"
)

// Fake is a controllable Adapter. Tests drive it with Interim, Final, End
// and Fail; with a script set it dictates on its own after each Start.
type Fake struct {
	mu        sync.Mutex
	h         Handlers
	active    bool
	failNext  bool
	panicNext bool
	manual    bool
	starts    int
	stops     int
	script    []string
	every     time.Duration
	stopCh    chan struct{}
}

// NewFake returns an adapter that accepts Start and reports OnStart
// asynchronously.
func NewFake() *Fake { return &Fake{} }

// NewScripted returns a Fake that, once started, speaks script word by
// word as interims and commits a final at each sentence end.
func NewScripted(script string, every time.Duration) *Fake {
	return &Fake{script: strings.Fields(script), every: every}
}

func (f *Fake) Name() string { return "fake" }

// FailNextStart makes the next Start return false.
func (f *Fake) FailNextStart() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

// PanicNextStart makes the next Start panic.
func (f *Fake) PanicNextStart() {
	f.mu.Lock()
	f.panicNext = true
	f.mu.Unlock()
}

// Manual stops Start from reporting OnStart; call Started instead.
func (f *Fake) Manual() {
	f.mu.Lock()
	f.manual = true
	f.mu.Unlock()
}

func (f *Fake) Start(h Handlers) bool {
	f.mu.Lock()
	if f.panicNext {
		f.panicNext = false
		f.mu.Unlock()
		panic("fake recognizer start panic")
	}
	f.starts++
	if f.failNext {
		f.failNext = false
		f.mu.Unlock()
		return false
	}
	f.h = h
	f.active = true
	f.stopCh = make(chan struct{})
	stop := f.stopCh
	manual := f.manual
	script := f.script
	f.mu.Unlock()

	if !manual {
		go func() {
			h.start()
			if len(script) > 0 {
				f.speak(h, script, stop)
			}
		}()
	}
	return true
}

func (f *Fake) speak(h Handlers, words []string, stop chan struct{}) {
	var sentence []string
	for _, w := range words {
		select {
		case <-stop:
			return
		case <-time.After(f.every):
		}
		sentence = append(sentence, w)
		h.interim(strings.Join(sentence, " "))
		if strings.HasSuffix(w, ".") || strings.HasSuffix(w, "?") || strings.HasSuffix(w, "!") {
			h.final(strings.Join(sentence, " "))
			sentence = sentence[:0]
		}
	}
	if len(sentence) > 0 {
		h.final(strings.Join(sentence, " "))
	}
}

func (f *Fake) Stop() {
	f.mu.Lock()
	f.stops++
	wasActive := f.active
	f.active = false
	if f.stopCh != nil {
		close(f.stopCh)
		f.stopCh = nil
	}
	h := f.h
	f.mu.Unlock()
	if wasActive {
		go h.end()
	}
}

func (f *Fake) handlers() Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *Fake) Started()            { f.handlers().start() }
func (f *Fake) Interim(text string) { f.handlers().interim(text) }
func (f *Fake) Final(text string)   { f.handlers().final(text) }
func (f *Fake) Fail(err *Error)     { f.handlers().fail(err) }

// End simulates the service closing the session on its own.
func (f *Fake) End() {
	f.mu.Lock()
	f.active = false
	if f.stopCh != nil {
		close(f.stopCh)
		f.stopCh = nil
	}
	h := f.h
	f.mu.Unlock()
	h.end()
}

func (f *Fake) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
