package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hark/audio"
	"hark/recognizer"

	"github.com/rs/zerolog"
)

type fakeMonitor struct {
	mu       sync.Mutex
	level    float64
	err      error
	gate     chan struct{}
	acquired bool
	released int
	samples  int
}

func (f *fakeMonitor) Acquire() error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.acquired = true
	return nil
}

func (f *fakeMonitor) Sample() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples++
	return f.level
}

func (f *fakeMonitor) Release() {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func (f *fakeMonitor) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type monitorLog struct {
	mu    sync.Mutex
	all   []*fakeMonitor
	level float64
	err   error
	gate  chan struct{}
}

func (l *monitorLog) factory() LevelMonitor {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := &fakeMonitor{level: l.level, err: l.err, gate: l.gate}
	l.all = append(l.all, m)
	return m
}

func (l *monitorLog) get(i int) *fakeMonitor {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.all) {
		return nil
	}
	return l.all[i]
}

type recordingSink struct {
	mu          sync.Mutex
	states      []State
	levels      []float64
	transcripts []Transcript
	inputs      []Input
	errs        []*CaptureError
}

func (s *recordingSink) StateChanged(st Status) {
	s.mu.Lock()
	s.states = append(s.states, st.State)
	s.mu.Unlock()
}

func (s *recordingSink) AudioLevel(level float64) {
	s.mu.Lock()
	s.levels = append(s.levels, level)
	s.mu.Unlock()
}

func (s *recordingSink) Transcript(t Transcript) {
	s.mu.Lock()
	s.transcripts = append(s.transcripts, t)
	s.mu.Unlock()
}

func (s *recordingSink) VoiceInput(in Input) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
}

func (s *recordingSink) Error(err *CaptureError) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() recordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordingSink{
		states:      append([]State(nil), s.states...),
		levels:      append([]float64(nil), s.levels...),
		transcripts: append([]Transcript(nil), s.transcripts...),
		inputs:      append([]Input(nil), s.inputs...),
		errs:        append([]*CaptureError(nil), s.errs...),
	}
}

type harness struct {
	m    *Machine
	rec  *recognizer.Fake
	mons *monitorLog
	sink *recordingSink
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		rec:  recognizer.NewFake(),
		mons: &monitorLog{level: 0.5},
		sink: &recordingSink{},
	}
	if opts.GraceWindow == 0 {
		opts.GraceWindow = 20 * time.Millisecond
	}
	if opts.FrameInterval == 0 {
		opts.FrameInterval = 5 * time.Millisecond
	}
	h.m = New(h.rec, h.mons.factory, h.sink, opts)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := h.m.Wait(ctx, func(s Status) bool { return s.State == want })
	if err != nil {
		t.Fatalf("waiting for %s: %v (state %s)", want, err, h.m.Status().State)
	}
	return s
}

func (h *harness) listen(t *testing.T) {
	t.Helper()
	h.m.Start()
	h.waitState(t, Listening)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.m.Stop()
	h.m.Escape()
	h.m.Confirm()
	h.m.Close()

	got := h.sink.snapshot()
	if len(got.states) != 0 || len(got.inputs) != 0 || len(got.errs) != 0 {
		t.Fatalf("idle commands produced callbacks: %+v", &got)
	}
	if h.rec.Starts() != 0 || len(h.mons.all) != 0 {
		t.Fatalf("idle commands touched adapter or microphone")
	}
}

func TestDirectSubmitFlow(t *testing.T) {
	h := newHarness(t, Options{AutoSubmit: true})
	h.listen(t)

	h.rec.Interim("hel")
	h.rec.Final("hello")
	h.rec.Final("  world ")
	h.m.Stop()
	h.waitState(t, Idle)

	got := h.sink.snapshot()
	if len(got.inputs) != 1 || got.inputs[0] != (Input{Text: "hello world", Submit: true}) {
		t.Fatalf("inputs = %+v", got.inputs)
	}
	want := []State{Processing, Listening, Processing, Idle}
	if !equalStates(got.states, want) {
		t.Errorf("states = %v, want %v", got.states, want)
	}
	if s := h.m.Status(); s.Transcript != (Transcript{}) {
		t.Errorf("transcript not cleared: %+v", s.Transcript)
	}
	if h.mons.get(0).releases() == 0 {
		t.Error("monitor not released after stop")
	}
}

func TestConfirmationFlow(t *testing.T) {
	h := newHarness(t, Options{ShowConfirmation: true})
	h.listen(t)

	h.rec.Interim("hello th")
	h.rec.Final("hello there")
	h.m.Stop()
	s := h.waitState(t, Confirming)

	if s.Transcript.Committed != "hello there" {
		t.Fatalf("committed = %q", s.Transcript.Committed)
	}
	if n := len(h.sink.snapshot().inputs); n != 0 {
		t.Fatalf("input delivered before confirm: %d", n)
	}

	h.m.Confirm()
	h.waitState(t, Idle)

	got := h.sink.snapshot()
	if len(got.inputs) != 1 || got.inputs[0].Text != "hello there" || got.inputs[0].Submit {
		t.Fatalf("inputs = %+v", got.inputs)
	}
	if len(got.errs) != 0 {
		t.Errorf("errors = %v", got.errs)
	}
}

func TestConfirmInterimOnlyIsEmpty(t *testing.T) {
	h := newHarness(t, Options{ShowConfirmation: true})
	h.listen(t)

	h.rec.Interim("maybe")
	h.m.Stop()
	h.waitState(t, Confirming)

	h.m.Confirm()
	s := h.waitState(t, Error)
	if s.Err == nil || !errors.Is(s.Err, ErrEmptyTranscript) || !s.Err.Recoverable {
		t.Fatalf("err = %+v", s.Err)
	}
	got := h.sink.snapshot()
	if len(got.inputs) != 0 || len(got.errs) != 1 {
		t.Fatalf("inputs=%d errs=%d", len(got.inputs), len(got.errs))
	}
}

func TestCancelConfirmation(t *testing.T) {
	h := newHarness(t, Options{ShowConfirmation: true})
	h.listen(t)
	h.rec.Final("discard me")
	h.m.Stop()
	h.waitState(t, Confirming)

	h.m.Cancel()
	s := h.waitState(t, Idle)
	if s.Transcript != (Transcript{}) {
		t.Errorf("transcript = %+v", s.Transcript)
	}
	if n := len(h.sink.snapshot().inputs); n != 0 {
		t.Errorf("cancel delivered %d inputs", n)
	}
}

func TestEmptyStopIsSilent(t *testing.T) {
	h := newHarness(t, Options{ShowConfirmation: true})
	h.listen(t)
	h.m.Stop()
	h.waitState(t, Idle)
	h.m.Close()

	got := h.sink.snapshot()
	if len(got.inputs) != 0 || len(got.errs) != 0 {
		t.Fatalf("inputs=%v errs=%v", got.inputs, got.errs)
	}
	want := []State{Processing, Listening, Processing, Idle}
	if !equalStates(got.states, want) {
		t.Errorf("states = %v, want %v", got.states, want)
	}
}

func TestFinalDuringGraceIsMerged(t *testing.T) {
	h := newHarness(t, Options{GraceWindow: 100 * time.Millisecond})
	h.listen(t)
	h.rec.Final("early")
	h.m.Stop()
	h.waitState(t, Processing)

	h.rec.Final("late")
	h.rec.Fail(recognizer.NewError(recognizer.CodeNetwork, errors.New("socket closed")))
	h.waitState(t, Idle)

	h.rec.Final("too late")
	h.m.Close()

	got := h.sink.snapshot()
	if len(got.inputs) != 1 || got.inputs[0].Text != "early late" {
		t.Fatalf("inputs = %+v", got.inputs)
	}
	if len(got.errs) != 0 {
		t.Fatalf("error during grace surfaced: %v", got.errs)
	}
}

func TestStartFailed(t *testing.T) {
	h := newHarness(t, Options{})
	h.rec.FailNextStart()
	h.m.Start()
	s := h.waitState(t, Error)

	if !errors.Is(s.Err, ErrStartFailed) || !s.Err.Recoverable {
		t.Fatalf("err = %+v", s.Err)
	}
	if h.mons.get(0).releases() == 0 {
		t.Error("monitor not released after start failure")
	}
	if n := len(h.sink.snapshot().errs); n != 1 {
		t.Errorf("error callbacks = %d, want 1", n)
	}
}

func TestStartPanicRecovered(t *testing.T) {
	h := newHarness(t, Options{})
	h.rec.PanicNextStart()
	h.m.Start()
	s := h.waitState(t, Error)
	if !errors.Is(s.Err, ErrStartFailed) {
		t.Fatalf("err = %+v", s.Err)
	}
}

func TestErrorBeforeAdapterStart(t *testing.T) {
	h := newHarness(t, Options{})
	h.rec.Manual()
	h.m.Start()
	eventually(t, "adapter start", h.rec.Active)

	h.rec.Fail(recognizer.NewError(recognizer.CodeNetwork, errors.New("dial failed")))
	s := h.waitState(t, Error)
	if !errors.Is(s.Err, ErrStartFailed) || !s.Err.Recoverable {
		t.Fatalf("err = %+v", s.Err)
	}
	if h.rec.Stops() == 0 {
		t.Error("adapter not stopped")
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, Options{})
	h.mons.err = fmt.Errorf("open: %w", audio.ErrPermissionDenied)
	h.m.Start()
	s := h.waitState(t, Error)

	if !errors.Is(s.Err, ErrPermissionDenied) || !s.Err.Recoverable {
		t.Fatalf("err = %+v", s.Err)
	}
	if h.rec.Starts() != 0 {
		t.Error("adapter started without a microphone")
	}
	if h.mons.get(0).releases() == 0 {
		t.Error("failed monitor not released")
	}
}

func TestRecognitionErrorWhileListening(t *testing.T) {
	h := newHarness(t, Options{})
	h.listen(t)
	h.rec.Fail(recognizer.NewError(recognizer.CodeNetwork, errors.New("reset by peer")))
	s := h.waitState(t, Error)

	if !errors.Is(s.Err, ErrRecognition) || !s.Err.Recoverable {
		t.Fatalf("err = %+v", s.Err)
	}
	if h.mons.get(0).releases() == 0 {
		t.Error("monitor not released")
	}
	if s.Level != 0 {
		t.Errorf("level = %v after error", s.Level)
	}
}

func TestRetryRespectsDelay(t *testing.T) {
	const delay = 150 * time.Millisecond
	h := newHarness(t, Options{RetryDelay: delay})
	h.listen(t)
	h.rec.Fail(recognizer.NewError(recognizer.CodeNetwork, errors.New("reset")))
	h.waitState(t, Error)

	begin := time.Now()
	h.m.Retry()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := h.m.Wait(ctx, func(s Status) bool { return s.Retry.Pending }); err != nil {
		t.Fatalf("retry never pending: %v", err)
	}
	if _, err := h.m.Wait(ctx, func(s Status) bool { return s.State != Error }); err != nil {
		t.Fatalf("retry never fired: %v", err)
	}
	if elapsed := time.Since(begin); elapsed < delay {
		t.Fatalf("retry fired after %v, want >= %v", elapsed, delay)
	}

	s := h.waitState(t, Listening)
	if s.Err != nil || s.Retry.Pending {
		t.Errorf("status after retry = %+v", s)
	}
	if h.rec.Starts() != 2 {
		t.Errorf("starts = %d, want 2", h.rec.Starts())
	}
}

func TestRetryIgnoredWhenUnrecoverable(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: 10 * time.Millisecond})
	h.listen(t)
	h.rec.Fail(recognizer.NewError(recognizer.CodeServiceFailed, errors.New("bad key")))
	s := h.waitState(t, Error)
	if s.Err.Recoverable {
		t.Fatal("expected unrecoverable error")
	}

	h.m.Retry()
	h.m.Toggle()
	time.Sleep(50 * time.Millisecond)
	if s := h.m.Status(); s.State != Error || s.Retry.Pending {
		t.Fatalf("status = %+v", s)
	}

	h.m.Dismiss()
	h.waitState(t, Idle)
	if h.rec.Starts() != 1 {
		t.Errorf("starts = %d, want 1", h.rec.Starts())
	}
}

func TestDismissCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: 80 * time.Millisecond})
	h.rec.FailNextStart()
	h.m.Start()
	h.waitState(t, Error)

	h.m.Retry()
	h.m.Dismiss()
	h.waitState(t, Idle)
	time.Sleep(200 * time.Millisecond)

	if s := h.m.Status(); s.State != Idle || s.Retry.Pending {
		t.Fatalf("status = %+v", s)
	}
	if h.rec.Starts() != 1 {
		t.Errorf("starts = %d, want 1", h.rec.Starts())
	}
}

type failingAdapter struct {
	mu     sync.Mutex
	starts int
}

func (a *failingAdapter) Name() string { return "failing" }
func (a *failingAdapter) Stop()        {}

func (a *failingAdapter) Start(recognizer.Handlers) bool {
	a.mu.Lock()
	a.starts++
	a.mu.Unlock()
	return false
}

func (a *failingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

func TestAutoRetryIsBounded(t *testing.T) {
	rec := &failingAdapter{}
	mons := &monitorLog{}
	sink := &recordingSink{}
	m := New(rec, mons.factory, sink, Options{
		AutoRetry:      true,
		MaxAutoRetries: 2,
		RetryDelay:     10 * time.Millisecond,
	})
	defer m.Close()

	m.Start()
	eventually(t, "three attempts", func() bool { return rec.count() == 3 })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.Wait(ctx, func(s Status) bool { return s.State == Error && !s.Retry.Pending }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 3 {
		t.Fatalf("starts = %d, want 3", n)
	}
	if n := len(sink.snapshot().errs); n != 3 {
		t.Errorf("error callbacks = %d, want 3", n)
	}
}

func TestCloseWhileListening(t *testing.T) {
	h := newHarness(t, Options{})
	h.listen(t)
	eventually(t, "level samples", func() bool { return len(h.sink.snapshot().levels) >= 3 })

	h.m.Close()
	levels := len(h.sink.snapshot().levels)
	time.Sleep(50 * time.Millisecond)

	if n := len(h.sink.snapshot().levels); n != levels {
		t.Fatalf("audio level emitted after close: %d -> %d", levels, n)
	}
	if h.mons.get(0).releases() == 0 {
		t.Error("monitor not released on close")
	}
	if h.rec.Stops() == 0 {
		t.Error("adapter not stopped on close")
	}
	if s := h.m.Status(); s.State != Idle {
		t.Errorf("state after close = %s", s.State)
	}

	h.m.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.m.Wait(ctx, func(s Status) bool { return s.State == Listening }); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait after close = %v, want ErrClosed", err)
	}
}

func TestLevelsStayInRange(t *testing.T) {
	h := newHarness(t, Options{})
	h.listen(t)
	eventually(t, "level samples", func() bool { return len(h.sink.snapshot().levels) >= 5 })
	h.m.Stop()
	h.waitState(t, Idle)

	for _, l := range h.sink.snapshot().levels {
		if l < 0 || l > 1 {
			t.Fatalf("level %v out of range", l)
		}
	}
}

func TestAbortDuringProcessing(t *testing.T) {
	h := newHarness(t, Options{})
	gate := make(chan struct{})
	h.mons.gate = gate
	h.m.Start()
	h.waitState(t, Processing)

	h.m.Stop()
	h.waitState(t, Idle)
	close(gate)

	eventually(t, "late monitor release", func() bool {
		mon := h.mons.get(0)
		return mon != nil && mon.releases() > 0
	})
	time.Sleep(20 * time.Millisecond)
	if h.rec.Starts() != 0 {
		t.Errorf("adapter started after abort")
	}
	if s := h.m.Status(); s.State != Idle {
		t.Errorf("state = %s", s.State)
	}
}

func TestAdapterRestartsAfterSpontaneousEnd(t *testing.T) {
	h := newHarness(t, Options{})
	h.listen(t)
	h.rec.Final("first")

	h.rec.End()
	eventually(t, "restart", func() bool { return h.rec.Starts() == 2 })
	h.rec.Final("second")
	h.m.Stop()
	h.waitState(t, Idle)

	got := h.sink.snapshot()
	if len(got.inputs) != 1 || got.inputs[0].Text != "first second" {
		t.Fatalf("inputs = %+v", got.inputs)
	}
}

func TestDisabledIgnoresStart(t *testing.T) {
	h := newHarness(t, Options{Disabled: true})
	h.m.Start()
	h.m.Toggle()
	h.m.Close()

	if h.rec.Starts() != 0 || len(h.sink.snapshot().states) != 0 {
		t.Fatal("disabled machine started")
	}
	if !h.m.Status().Disabled {
		t.Error("status does not report disabled")
	}
}

func TestKeyboardMapping(t *testing.T) {
	h := newHarness(t, Options{ShowConfirmation: true})

	h.m.Toggle()
	h.waitState(t, Listening)
	h.rec.Final("keyboard")
	h.m.Toggle()
	h.waitState(t, Confirming)
	h.m.Toggle()
	h.waitState(t, Idle)

	h.m.Toggle()
	h.waitState(t, Listening)
	h.rec.Final("dropped")
	h.m.Escape()
	h.waitState(t, Confirming)
	h.m.Escape()
	h.waitState(t, Idle)

	h.rec.FailNextStart()
	h.m.Toggle()
	h.waitState(t, Error)
	h.m.Escape()
	h.waitState(t, Idle)

	got := h.sink.snapshot()
	if len(got.inputs) != 1 || got.inputs[0].Text != "keyboard" {
		t.Fatalf("inputs = %+v", got.inputs)
	}
}

func TestToggleRetriesRecoverableError(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: 10 * time.Millisecond})
	h.rec.FailNextStart()
	h.m.Toggle()
	h.waitState(t, Error)

	h.m.Toggle()
	h.waitState(t, Listening)
	if h.rec.Starts() != 2 {
		t.Errorf("starts = %d, want 2", h.rec.Starts())
	}
}

func TestEndBeforeAdapterStart(t *testing.T) {
	h := newHarness(t, Options{})
	h.rec.Manual()
	h.m.Start()
	eventually(t, "adapter active", h.rec.Active)

	h.rec.End()
	s := h.waitState(t, Error)
	if s.Err == nil || s.Err.Kind != StartFailed || !s.Err.Recoverable {
		t.Fatalf("err = %+v, want recoverable StartFailed", s.Err)
	}
	if h.mons.get(0).releases() == 0 {
		t.Error("monitor not released")
	}
	if n := len(h.sink.snapshot().errs); n != 1 {
		t.Errorf("error callbacks = %d, want 1", n)
	}
}

// gatedWriter blocks writes while armed, holding the event loop inside a
// log call.
type gatedWriter struct {
	mu      sync.Mutex
	armed   bool
	release chan struct{}
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	armed := w.armed
	w.mu.Unlock()
	if armed {
		<-w.release
	}
	return len(p), nil
}

func (w *gatedWriter) arm() {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
}

func queued(q *eventQueue) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func TestCloseReleasesInFlightAcquisition(t *testing.T) {
	w := &gatedWriter{release: make(chan struct{})}
	l := zerolog.New(w).Level(zerolog.DebugLevel)
	h := newHarness(t, Options{Logger: &l})
	gate := make(chan struct{})
	h.mons.gate = gate

	h.m.Start()
	h.waitState(t, Processing)

	// park the loop inside the "retry ignored" log line
	w.arm()
	h.m.Retry()
	closed := make(chan struct{})
	go func() {
		h.m.Close()
		close(closed)
	}()
	eventually(t, "close queued", func() bool { return queued(h.m.queue) == 1 })

	close(gate)
	eventually(t, "acquisition queued", func() bool { return queued(h.m.queue) == 2 })
	close(w.release)

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	if n := h.mons.get(0).releases(); n != 1 {
		t.Fatalf("monitor releases = %d, want 1", n)
	}
	if h.rec.Starts() != 0 {
		t.Error("adapter started during close")
	}
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: 40 * time.Millisecond})
	h.rec.FailNextStart()
	h.m.Start()
	h.waitState(t, Error)

	h.m.Retry()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := h.m.Wait(ctx, func(s Status) bool { return s.Retry.Pending }); err != nil {
		t.Fatal(err)
	}
	h.m.Close()
	states := len(h.sink.snapshot().states)
	time.Sleep(100 * time.Millisecond)

	if n := h.rec.Starts(); n != 1 {
		t.Errorf("starts = %d, want 1", n)
	}
	got := h.sink.snapshot().states
	if len(got) != states || got[len(got)-1] != Idle {
		t.Errorf("states after close = %v", got[states-1:])
	}
	if h.m.Status().Retry.Pending {
		t.Error("retry still pending after close")
	}
}
