package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"hark/audio"
)

type fakeStream struct {
	mu           sync.Mutex
	sent         int
	finalizes    int
	finalizeText string
	updates      chan streamUpdate
	closed       chan struct{}
	closeOnce    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{updates: make(chan streamUpdate, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Send(pcm []byte) error {
	select {
	case <-s.closed:
		return errors.New("closed")
	default:
	}
	s.mu.Lock()
	s.sent += len(pcm)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Finalize() error {
	s.mu.Lock()
	s.finalizes++
	text := s.finalizeText
	s.mu.Unlock()
	s.updates <- streamUpdate{Type: "Results", Transcript: text, IsFinal: true, FromFinalize: true}
	return nil
}

func (s *fakeStream) Recv() (streamUpdate, error) {
	select {
	case u := <-s.updates:
		return u, nil
	case <-s.closed:
		return streamUpdate{}, errors.New("use of closed connection")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) sentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

type handlerLog struct {
	started  chan struct{}
	ended    chan struct{}
	interims chan string
	finals   chan string
	errs     chan *Error
}

func newHandlerLog() *handlerLog {
	return &handlerLog{
		started:  make(chan struct{}, 4),
		ended:    make(chan struct{}, 4),
		interims: make(chan string, 16),
		finals:   make(chan string, 16),
		errs:     make(chan *Error, 4),
	}
}

func (l *handlerLog) handlers() Handlers {
	return Handlers{
		OnStart:   func() { l.started <- struct{}{} },
		OnEnd:     func() { l.ended <- struct{}{} },
		OnInterim: func(s string) { l.interims <- s },
		OnFinal:   func(s string) { l.finals <- s },
		OnError:   func(e *Error) { l.errs <- e },
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func newTestDeepgram(fs *fakeStream, dialErr error) (*Deepgram, *audio.FakeContext) {
	actx := audio.NewFakeContextPCM(audio.Tone(440, 0.3, time.Second), false)
	d := NewDeepgram(actx, DeepgramConfig{APIKey: "test-key"})
	d.dial = func(context.Context, streamConfig) (rawStream, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return fs, nil
	}
	return d, actx
}

func TestDeepgramSession(t *testing.T) {
	fs := newFakeStream()
	fs.finalizeText = "world"
	d, actx := newTestDeepgram(fs, nil)
	l := newHandlerLog()

	if !d.Start(l.handlers()) {
		t.Fatal("Start returned false")
	}
	wait(t, l.started, "OnStart")

	fs.updates <- streamUpdate{Type: "Results", Transcript: "hel"}
	if got := wait(t, l.interims, "interim"); got != "hel" {
		t.Errorf("interim = %q", got)
	}
	fs.updates <- streamUpdate{Type: "Results", Transcript: "hello", IsFinal: true}
	if got := wait(t, l.finals, "final"); got != "hello" {
		t.Errorf("final = %q", got)
	}
	fs.updates <- streamUpdate{Type: "Metadata", Transcript: "ignored"}

	deadline := time.Now().Add(2 * time.Second)
	for fs.sentBytes() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fs.sentBytes() == 0 {
		t.Fatal("no audio sent")
	}

	d.Stop()
	if got := wait(t, l.finals, "finalize final"); got != "world" {
		t.Errorf("finalize final = %q", got)
	}
	wait(t, l.ended, "OnEnd")

	select {
	case e := <-l.errs:
		t.Errorf("unexpected error: %v", e)
	default:
	}
	caps := actx.Captures()
	if len(caps) != 1 || !caps[0].Closed() {
		t.Errorf("capture not closed")
	}
	fs.mu.Lock()
	finalizes := fs.finalizes
	fs.mu.Unlock()
	if finalizes != 1 {
		t.Errorf("finalizes = %d, want 1", finalizes)
	}
}

func TestDeepgramDialFailure(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		code        string
		recoverable bool
	}{
		{"network", errors.New("connection refused"), CodeNetwork, true},
		{"unauthorized", fmt.Errorf("%w: 401", errUnauthorized), CodeServiceFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDeepgram(nil, tt.err)
			l := newHandlerLog()
			if !d.Start(l.handlers()) {
				t.Fatal("Start returned false")
			}
			e := wait(t, l.errs, "OnError")
			if e.Code != tt.code || e.Recoverable != tt.recoverable {
				t.Errorf("error = %+v", e)
			}
			wait(t, l.ended, "OnEnd")
			select {
			case <-l.started:
				t.Error("OnStart after dial failure")
			default:
			}
		})
	}
}

func TestDeepgramCaptureDenied(t *testing.T) {
	fs := newFakeStream()
	d, actx := newTestDeepgram(fs, nil)
	actx.FailStart(fmt.Errorf("open: %w", audio.ErrPermissionDenied))
	l := newHandlerLog()

	if !d.Start(l.handlers()) {
		t.Fatal("Start returned false")
	}
	e := wait(t, l.errs, "OnError")
	if e.Code != CodeNotAllowed || e.Recoverable {
		t.Errorf("error = %+v", e)
	}
	wait(t, l.ended, "OnEnd")
}

func TestDeepgramStreamDrop(t *testing.T) {
	fs := newFakeStream()
	d, _ := newTestDeepgram(fs, nil)
	l := newHandlerLog()
	d.Start(l.handlers())
	wait(t, l.started, "OnStart")

	fs.Close()
	e := wait(t, l.errs, "OnError")
	if e.Code != CodeNetwork || !e.Recoverable {
		t.Errorf("error = %+v", e)
	}
	wait(t, l.ended, "OnEnd")

	d.mu.Lock()
	idle := d.run == nil
	d.mu.Unlock()
	if !idle {
		t.Fatal("run still set when OnEnd fired")
	}
}

func TestDeepgramRestartFromOnEnd(t *testing.T) {
	fs := newFakeStream()
	d, _ := newTestDeepgram(fs, nil)
	restarted := make(chan bool, 1)
	l := newHandlerLog()
	h := l.handlers()
	var once sync.Once
	h.OnEnd = func() {
		once.Do(func() {
			d.dial = func(context.Context, streamConfig) (rawStream, error) { return newFakeStream(), nil }
			restarted <- d.Start(newHandlerLog().handlers())
		})
	}
	d.Start(h)
	wait(t, l.started, "OnStart")

	fs.Close()
	if !wait(t, restarted, "restart from OnEnd") {
		t.Fatal("Start from OnEnd was rejected")
	}
	d.Stop()
}

func TestDeepgramStartRejections(t *testing.T) {
	actx := audio.NewFakeContextPCM(nil, false)
	d := NewDeepgram(actx, DeepgramConfig{})
	if d.Start(Handlers{}) {
		t.Error("Start without api key returned true")
	}

	d = NewDeepgram(actx, DeepgramConfig{APIKey: "k"})
	actx.FailOpen(audio.ErrNoDevice)
	if d.Start(Handlers{}) {
		t.Error("Start with failing capture returned true")
	}
}

func TestParseUpdate(t *testing.T) {
	msg := `{"type":"Results","is_final":true,"speech_final":false,"from_finalize":true,
		"channel":{"alternatives":[{"transcript":"  hello there "}]}}`
	u, err := parseUpdate([]byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	if u.Transcript != "hello there" || !u.IsFinal || !u.FromFinalize || u.Type != "Results" {
		t.Errorf("update = %+v", u)
	}

	if _, err := parseUpdate([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestListenURL(t *testing.T) {
	raw, err := listenURL(streamConfig{SampleRate: 16000, Channels: 1, Language: "de"})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	want := map[string]string{
		"model":           "nova-3",
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"language":        "de",
		"interim_results": "true",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if u.Host != "api.deepgram.com" {
		t.Errorf("host = %q", u.Host)
	}
}
