package capture

import (
	"errors"
	"fmt"

	"hark/audio"
	"hark/recognizer"
)

// ErrClosed is returned by Wait after the machine has been closed.
var ErrClosed = errors.New("capture: machine closed")

type ErrorKind int

const (
	StartFailed ErrorKind = iota + 1
	RecognitionError
	EmptyTranscript
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case StartFailed:
		return "start_failed"
	case RecognitionError:
		return "recognition_error"
	case EmptyTranscript:
		return "empty_transcript"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// CaptureError is the only error type reported through EventSink. Message
// is meant for display as-is.
type CaptureError struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
	Err         error
}

func (e *CaptureError) Error() string { return e.Message }

func (e *CaptureError) Unwrap() error { return e.Err }

// Is matches kind sentinels such as ErrPermissionDenied.
func (e *CaptureError) Is(target error) bool {
	t, ok := target.(*CaptureError)
	return ok && t.Message == "" && t.Kind == e.Kind
}

var (
	ErrStartFailed      = &CaptureError{Kind: StartFailed}
	ErrRecognition      = &CaptureError{Kind: RecognitionError}
	ErrEmptyTranscript  = &CaptureError{Kind: EmptyTranscript}
	ErrPermissionDenied = &CaptureError{Kind: PermissionDenied}
)

func startFailed(cause error) *CaptureError {
	msg := "Could not start voice input."
	if cause != nil {
		msg = fmt.Sprintf("Could not start voice input: %v", cause)
	}
	return &CaptureError{Kind: StartFailed, Message: msg, Recoverable: true, Err: cause}
}

func permissionDenied(cause error) *CaptureError {
	return &CaptureError{
		Kind:        PermissionDenied,
		Message:     "Microphone access was denied. Allow microphone access and try again.",
		Recoverable: true,
		Err:         cause,
	}
}

func emptyTranscript() *CaptureError {
	return &CaptureError{
		Kind:        EmptyTranscript,
		Message:     "Nothing was heard. Try speaking again.",
		Recoverable: true,
	}
}

// mediaError converts a microphone failure.
func mediaError(err error) *CaptureError {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, audio.ErrPermissionDenied) {
		return permissionDenied(err)
	}
	return startFailed(err)
}

// recognitionError converts an adapter failure. listening selects the
// runtime kind; before the adapter started everything is a start failure.
func recognitionError(e *recognizer.Error, listening bool) *CaptureError {
	if e == nil {
		e = recognizer.NewError(recognizer.CodeAborted, nil)
	}
	if e.Code == recognizer.CodeNotAllowed {
		return permissionDenied(e)
	}
	if !listening {
		return startFailed(e)
	}
	return &CaptureError{
		Kind:        RecognitionError,
		Message:     fmt.Sprintf("Speech recognition failed: %v", e),
		Recoverable: e.Recoverable,
		Err:         e,
	}
}
