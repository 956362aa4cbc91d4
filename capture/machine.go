// Package capture implements the voice capture state machine: it runs the
// recording lifecycle, merges recognizer fragments into a transcript,
// drives the level meter and handles confirmation and retry.
//
// All state lives on a single event loop goroutine. Commands, recognizer
// callbacks, microphone acquisition and timers are posted to it as events
// and applied in arrival order.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"hark/recognizer"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evConfirm
	evCancel
	evRetry
	evDismiss
	evToggle
	evEscape
	evClose
	evAcquired
	evAdapterStart
	evInterim
	evFinal
	evAdapterEnd
	evAdapterError
	evFrame
	evGraceElapsed
	evRetryFire
)

var eventNames = [...]string{
	"start", "stop", "confirm", "cancel", "retry", "dismiss", "toggle", "escape", "close",
	"acquired", "adapter_start", "interim", "final", "adapter_end", "adapter_error",
	"frame", "grace_elapsed", "retry_fire",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

type event struct {
	kind    eventKind
	session uint64
	token   uint64
	text    string
	monitor LevelMonitor
	err     error
	recErr  *recognizer.Error
}

// MonitorFactory returns a fresh level monitor for each session.
type MonitorFactory func() LevelMonitor

type Machine struct {
	rec        recognizer.Adapter
	newMonitor MonitorFactory
	sink       EventSink
	opts       Options
	base       zerolog.Logger
	log        zerolog.Logger // base plus the current session id

	queue     *eventQueue
	closeOnce sync.Once
	done      chan struct{}
	retry     RetryController

	// owned by the event loop
	state         State
	transcript    Transcript
	lastErr       *CaptureError
	session       uint64
	monitor       LevelMonitor
	adapterActive bool
	finalizing    bool
	restarts      int
	autoRetries   int
	level         float64
	frames        frameLoop
	grace         *time.Timer

	statusMu sync.RWMutex
	status   Status
	changed  chan struct{}
}

// New starts a machine in Idle. sink may be nil.
func New(rec recognizer.Adapter, newMonitor MonitorFactory, sink EventSink, opts Options) *Machine {
	if sink == nil {
		sink = NopSink{}
	}
	opts = opts.withDefaults()

	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}

	m := &Machine{
		rec:        rec,
		newMonitor: newMonitor,
		sink:       sink,
		opts:       opts,
		base:       l.With().Str("adapter", rec.Name()).Logger(),
		queue:      newEventQueue(),
		done:       make(chan struct{}),
		changed:    make(chan struct{}),
	}
	m.log = m.base
	m.frames = frameLoop{
		interval: opts.FrameInterval,
		post:     func(token uint64) { m.queue.push(event{kind: evFrame, token: token}) },
	}
	m.status = m.buildStatus()
	go m.run()
	return m
}

func (m *Machine) Start()   { m.queue.push(event{kind: evStart}) }
func (m *Machine) Stop()    { m.queue.push(event{kind: evStop}) }
func (m *Machine) Confirm() { m.queue.push(event{kind: evConfirm}) }
func (m *Machine) Cancel()  { m.queue.push(event{kind: evCancel}) }
func (m *Machine) Retry()   { m.queue.push(event{kind: evRetry}) }
func (m *Machine) Dismiss() { m.queue.push(event{kind: evDismiss}) }

// Toggle is the primary key action: start, stop, confirm or retry
// depending on the state.
func (m *Machine) Toggle() { m.queue.push(event{kind: evToggle}) }

// Escape stops, aborts, cancels or dismisses depending on the state.
func (m *Machine) Escape() { m.queue.push(event{kind: evEscape}) }

// Close tears the machine down and waits for the event loop to exit. It
// must not be called from an EventSink method.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { m.queue.push(event{kind: evClose}) })
	<-m.done
}

// Done is closed once the machine has shut down.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Wait blocks until cond holds for the published status.
func (m *Machine) Wait(ctx context.Context, cond func(Status) bool) (Status, error) {
	for {
		m.statusMu.RLock()
		s, changed := m.status, m.changed
		m.statusMu.RUnlock()
		if cond(s) {
			return s, nil
		}
		select {
		case <-changed:
		case <-m.done:
			return m.Status(), ErrClosed
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

func (m *Machine) run() {
	defer close(m.done)
	for range m.queue.notify {
		batch := m.queue.drain()
		for i, ev := range batch {
			if m.handle(ev) {
				releaseAcquired(batch[i+1:])
				return
			}
		}
	}
}

// releaseAcquired releases monitors carried by events that will never be
// handled.
func releaseAcquired(events []event) {
	for _, ev := range events {
		if ev.kind == evAcquired && ev.monitor != nil {
			ev.monitor.Release()
		}
	}
}

// handle applies one event and reports whether the loop should exit.
func (m *Machine) handle(ev event) bool {
	switch ev.kind {
	case evStart:
		m.start()
	case evStop:
		m.stop()
	case evConfirm:
		m.confirm()
	case evCancel:
		m.cancel()
	case evRetry:
		m.requestRetry()
	case evDismiss:
		m.dismiss()
	case evToggle:
		m.toggle()
	case evEscape:
		m.escape()
	case evClose:
		m.teardown()
		return true
	case evAcquired:
		m.acquired(ev)
	case evAdapterStart:
		m.adapterStarted(ev)
	case evInterim:
		m.interim(ev)
	case evFinal:
		m.final(ev)
	case evAdapterEnd:
		m.adapterEnded(ev)
	case evAdapterError:
		m.adapterFailed(ev)
	case evFrame:
		m.frame(ev)
	case evGraceElapsed:
		m.graceElapsed(ev)
	case evRetryFire:
		m.retryFired(ev)
	}
	m.publish()
	return false
}

func (m *Machine) buildStatus() Status {
	return Status{
		State:       m.state,
		Transcript:  m.transcript.Snapshot(),
		Err:         m.lastErr,
		Retry:       m.retry.Snapshot(),
		Level:       m.level,
		Placeholder: m.opts.Placeholder,
		Disabled:    m.opts.Disabled,
	}
}

func (m *Machine) publish() {
	s := m.buildStatus()
	m.statusMu.Lock()
	m.status = s
	close(m.changed)
	m.changed = make(chan struct{})
	m.statusMu.Unlock()
}

func (m *Machine) setState(s State) {
	if s == m.state {
		return
	}
	m.log.Debug().Stringer("from", m.state).Stringer("to", s).Uint64("session", m.session).Msg("state")
	m.state = s
	m.opts.Recorder.StateEntered(s)
	m.publish()
	m.sink.StateChanged(m.Status())
}

func (m *Machine) start() {
	if m.state != Idle {
		m.log.Debug().Stringer("state", m.state).Msg("start ignored")
		return
	}
	if m.opts.Disabled {
		m.log.Debug().Msg("start ignored while disabled")
		return
	}
	m.autoRetries = 0
	m.beginSession()
}

// beginSession runs the Idle to Processing path: fresh transcript, then
// microphone acquisition off the loop.
func (m *Machine) beginSession() {
	m.frames.cancel()
	m.resetTranscript()
	m.lastErr = nil
	m.restarts = 0
	m.session++
	session := m.session
	m.log = m.base.With().Str("session_id", xid.New().String()).Logger()
	m.opts.Recorder.SessionStarted()
	m.setState(Processing)

	newMonitor := m.newMonitor
	go func() {
		mon := newMonitor()
		err := mon.Acquire()
		if !m.queue.push(event{kind: evAcquired, session: session, monitor: mon, err: err}) {
			mon.Release()
		}
	}()
}

func (m *Machine) acquired(ev event) {
	if ev.session != m.session || m.state != Processing || m.finalizing {
		ev.monitor.Release()
		return
	}
	if ev.err != nil {
		ev.monitor.Release()
		m.log.Warn().Err(ev.err).Msg("microphone unavailable")
		m.fail(mediaError(ev.err))
		return
	}
	m.monitor = ev.monitor
	if !m.startAdapter() {
		m.fail(startFailed(nil))
	}
}

func (m *Machine) startAdapter() (ok bool) {
	session := m.session
	post := func(ev event) {
		ev.session = session
		m.queue.push(ev)
	}
	h := recognizer.Handlers{
		OnStart:   func() { post(event{kind: evAdapterStart}) },
		OnEnd:     func() { post(event{kind: evAdapterEnd}) },
		OnInterim: func(text string) { post(event{kind: evInterim, text: text}) },
		OnFinal:   func(text string) { post(event{kind: evFinal, text: text}) },
		OnError:   func(err *recognizer.Error) { post(event{kind: evAdapterError, recErr: err}) },
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("recognizer start panicked")
			ok = false
		}
		m.adapterActive = ok
	}()
	return m.rec.Start(h)
}

func (m *Machine) stopAdapter() {
	if !m.adapterActive {
		return
	}
	m.adapterActive = false
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("recognizer stop panicked")
		}
	}()
	m.rec.Stop()
}

func (m *Machine) adapterStarted(ev event) {
	if ev.session != m.session || m.finalizing {
		return
	}
	switch m.state {
	case Processing:
		m.retry.Reset()
		m.autoRetries = 0
		m.setState(Listening)
		m.frames.start()
	case Listening:
		m.log.Debug().Msg("recognizer restarted")
	}
}

// accepting reports whether fragments of session still belong to the
// transcript: while listening, or during the stop grace window.
func (m *Machine) accepting(session uint64) bool {
	if session != m.session {
		return false
	}
	return m.state == Listening || m.finalizing || (m.state == Processing && m.adapterActive)
}

func (m *Machine) interim(ev event) {
	if !m.accepting(ev.session) {
		return
	}
	m.transcript.SetInterim(ev.text)
	m.sink.Transcript(m.transcript.Snapshot())
}

func (m *Machine) final(ev event) {
	if !m.accepting(ev.session) {
		m.log.Debug().Uint64("session", ev.session).Msg("late fragment dropped")
		return
	}
	m.transcript.AppendFinal(ev.text)
	m.transcript.ClearInterim()
	m.opts.Recorder.FragmentCommitted(m.finalizing)
	m.sink.Transcript(m.transcript.Snapshot())
}

func (m *Machine) adapterEnded(ev event) {
	if ev.session != m.session {
		return
	}
	wasActive := m.adapterActive
	m.adapterActive = false
	if m.state == Processing && !m.finalizing && wasActive {
		m.fail(startFailed(recognizer.NewError(recognizer.CodeAborted, nil)))
		return
	}
	if m.state != Listening || m.finalizing || !wasActive {
		return
	}

	m.restarts++
	if m.restarts > maxRestarts {
		m.fail(recognitionError(recognizer.NewError(recognizer.CodeAborted, nil), true))
		return
	}
	m.log.Info().Int("restart", m.restarts).Msg("recognizer ended while listening, restarting")
	if !m.startAdapter() {
		m.fail(recognitionError(recognizer.NewError(recognizer.CodeAborted, nil), true))
	}
}

func (m *Machine) adapterFailed(ev event) {
	if ev.session != m.session {
		return
	}
	if m.finalizing {
		m.log.Warn().Err(ev.recErr).Msg("recognizer error after stop ignored")
		return
	}
	switch m.state {
	case Processing:
		m.fail(recognitionError(ev.recErr, false))
	case Listening:
		m.fail(recognitionError(ev.recErr, true))
	default:
		m.log.Debug().Err(ev.recErr).Stringer("state", m.state).Msg("recognizer error dropped")
	}
}

func (m *Machine) frame(ev event) {
	if !m.frames.current(ev.token) || m.state != Listening || m.monitor == nil {
		return
	}
	m.level = m.monitor.Sample()
	m.sink.AudioLevel(m.level)
	m.frames.arm()
}

func (m *Machine) stop() {
	switch m.state {
	case Listening:
		m.stopAdapter()
		m.frames.cancel()
		m.releaseMonitor()
		m.finalizing = true
		m.setState(Processing)
		session := m.session
		m.grace = time.AfterFunc(m.opts.GraceWindow, func() {
			m.queue.push(event{kind: evGraceElapsed, session: session})
		})
	case Processing:
		if !m.finalizing {
			m.abort()
		}
	default:
		m.log.Debug().Stringer("state", m.state).Msg("stop ignored")
	}
}

func (m *Machine) graceElapsed(ev event) {
	if ev.session != m.session || !m.finalizing {
		return
	}
	m.grace = nil
	m.finalizing = false

	t := m.transcript.Snapshot()
	if m.opts.ShowConfirmation && !t.Empty() {
		m.setState(Confirming)
		return
	}
	if t.Committed != "" {
		m.deliver(t.Committed)
	}
	m.resetTranscript()
	m.setState(Idle)
}

func (m *Machine) deliver(text string) {
	m.opts.Recorder.InputDelivered(len(strings.Fields(text)))
	m.sink.VoiceInput(Input{Text: text, Submit: m.opts.AutoSubmit})
}

func (m *Machine) confirm() {
	if m.state != Confirming {
		return
	}
	t := m.transcript.Snapshot()
	if strings.TrimSpace(t.Committed) == "" {
		m.resetTranscript()
		m.fail(emptyTranscript())
		return
	}
	m.deliver(t.Committed)
	m.resetTranscript()
	m.lastErr = nil
	m.setState(Idle)
}

func (m *Machine) cancel() {
	switch m.state {
	case Confirming:
		m.stopAdapter()
		m.resetTranscript()
		m.lastErr = nil
		m.setState(Idle)
	case Listening, Processing:
		m.abort()
	}
}

// abort discards the current session without delivering anything.
func (m *Machine) abort() {
	m.releaseSession()
	m.session++
	m.resetTranscript()
	m.setState(Idle)
}

func (m *Machine) requestRetry() {
	if m.state != Error || m.lastErr == nil || !m.lastErr.Recoverable {
		m.log.Debug().Stringer("state", m.state).Msg("retry ignored")
		return
	}
	m.scheduleRetry(false)
}

func (m *Machine) scheduleRetry(automatic bool) {
	m.opts.Recorder.RetryScheduled(automatic)
	m.retry.Schedule(m.opts.RetryDelay, func(gen uint64) {
		m.queue.push(event{kind: evRetryFire, token: gen})
	})
	m.log.Info().Dur("delay", m.opts.RetryDelay).Bool("automatic", automatic).Msg("retry scheduled")
}

func (m *Machine) retryFired(ev event) {
	if !m.retry.Current(ev.token) || m.state != Error {
		return
	}
	m.beginSession()
}

func (m *Machine) dismiss() {
	if m.state != Error {
		return
	}
	m.retry.Cancel()
	m.autoRetries = 0
	m.lastErr = nil
	m.resetTranscript()
	m.setState(Idle)
}

func (m *Machine) toggle() {
	switch m.state {
	case Idle:
		m.start()
	case Listening:
		m.stop()
	case Confirming:
		m.confirm()
	case Error:
		if !m.retry.Snapshot().Pending {
			m.requestRetry()
		}
	}
}

func (m *Machine) escape() {
	switch m.state {
	case Listening:
		m.stop()
	case Processing:
		if !m.finalizing {
			m.abort()
		}
	case Confirming:
		m.cancel()
	case Error:
		m.dismiss()
	}
}

func (m *Machine) fail(e *CaptureError) {
	m.releaseSession()
	m.lastErr = e
	m.log.Warn().Err(e).Stringer("kind", e.Kind).Bool("recoverable", e.Recoverable).Msg("capture error")
	m.opts.Recorder.ErrorRaised(e.Kind)
	m.setState(Error)
	m.sink.Error(e)

	if e.Recoverable && m.opts.AutoRetry && m.autoRetries < m.opts.MaxAutoRetries {
		m.autoRetries++
		m.scheduleRetry(true)
	}
}

func (m *Machine) releaseMonitor() {
	if m.monitor != nil {
		m.monitor.Release()
		m.monitor = nil
	}
	m.level = 0
}

// releaseSession stops everything the current session holds.
func (m *Machine) releaseSession() {
	m.stopAdapter()
	m.frames.cancel()
	m.releaseMonitor()
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.finalizing = false
}

func (m *Machine) resetTranscript() {
	if m.transcript.Snapshot() == (Transcript{}) {
		return
	}
	m.transcript.Reset()
	m.sink.Transcript(Transcript{})
}

func (m *Machine) teardown() {
	m.retry.Cancel()
	m.releaseSession()
	m.session++
	releaseAcquired(m.queue.close())
	m.transcript.Reset()
	m.lastErr = nil
	m.setState(Idle)
	m.publish()
	m.log.Debug().Msg("closed")
}
