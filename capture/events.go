package capture

import (
	"time"

	"github.com/rs/zerolog"
)

// Input is a completed capture handed to the host.
type Input struct {
	Text   string
	Submit bool
}

// Status is a snapshot of the machine published after each handled event.
type Status struct {
	State       State
	Transcript  Transcript
	Err         *CaptureError
	Retry       RetrySchedule
	Level       float64
	Placeholder string
	Disabled    bool
}

// EventSink receives the machine's outbound events. Methods run on the
// machine's event loop; they may call machine commands but must not block
// or call Close.
type EventSink interface {
	StateChanged(s Status)
	AudioLevel(level float64)
	Transcript(t Transcript)
	VoiceInput(in Input)
	Error(err *CaptureError)
}

// NopSink ignores every event.
type NopSink struct{}

func (NopSink) StateChanged(Status) {}
func (NopSink) AudioLevel(float64) {}
func (NopSink) Transcript(Transcript) {}
func (NopSink) VoiceInput(Input) {}
func (NopSink) Error(*CaptureError) {}

// Recorder observes machine activity for metrics.
type Recorder interface {
	SessionStarted()
	StateEntered(s State)
	ErrorRaised(kind ErrorKind)
	RetryScheduled(automatic bool)
	FragmentCommitted(late bool)
	InputDelivered(words int)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted() {}
func (nopRecorder) StateEntered(State) {}
func (nopRecorder) ErrorRaised(ErrorKind) {}
func (nopRecorder) RetryScheduled(bool) {}
func (nopRecorder) FragmentCommitted(bool) {}
func (nopRecorder) InputDelivered(int) {}

const (
	DefaultGraceWindow    = 150 * time.Millisecond
	DefaultRetryDelay     = time.Second
	DefaultFrameInterval  = time.Second / 60
	DefaultMaxAutoRetries = 3

	// maxRestarts bounds in-place adapter restarts within one session.
	maxRestarts = 5
)

type Options struct {
	Disabled         bool
	AutoSubmit       bool
	ShowConfirmation bool
	Placeholder      string

	GraceWindow    time.Duration
	RetryDelay     time.Duration
	FrameInterval  time.Duration
	AutoRetry      bool
	MaxAutoRetries int

	Logger   *zerolog.Logger
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = DefaultFrameInterval
	}
	if o.MaxAutoRetries <= 0 {
		o.MaxAutoRetries = DefaultMaxAutoRetries
	}
	if o.Placeholder == "" {
		o.Placeholder = "Press space to speak"
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}
