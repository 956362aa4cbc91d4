// Package recognizer defines the callback contract between the capture
// state machine and a speech recognition backend.
package recognizer

import "fmt"

// Handlers receives recognition progress. Implementations may invoke them
// from any goroutine, including synchronously from inside Start. Nil
// handlers are skipped.
type Handlers struct {
	OnInterim func(text string)
	OnFinal   func(text string)
	OnStart   func()
	OnEnd     func()
	OnError   func(err *Error)
}

func (h Handlers) interim(text string) {
	if h.OnInterim != nil {
		h.OnInterim(text)
	}
}

func (h Handlers) final(text string) {
	if h.OnFinal != nil {
		h.OnFinal(text)
	}
}

func (h Handlers) start() {
	if h.OnStart != nil {
		h.OnStart()
	}
}

func (h Handlers) end() {
	if h.OnEnd != nil {
		h.OnEnd()
	}
}

func (h Handlers) fail(err *Error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Adapter is a streaming recognizer. Start returns false when a session
// could not be started at all; later failures arrive through OnError
// followed by OnEnd. Stop requests a graceful end and returns promptly;
// finals produced while flushing may still be delivered.
type Adapter interface {
	Name() string
	Start(h Handlers) bool
	Stop()
}

const (
	CodeNetwork       = "network"
	CodeNotAllowed    = "not-allowed"
	CodeAudioCapture  = "audio-capture"
	CodeNoSpeech      = "no-speech"
	CodeAborted       = "aborted"
	CodeBadGrammar    = "bad-grammar"
	CodeServiceFailed = "service-not-allowed"
)

var unrecoverable = map[string]bool{
	CodeNotAllowed:    true,
	CodeServiceFailed: true,
	CodeBadGrammar:    true,
}

type Error struct {
	Code        string
	Message     string
	Recoverable bool
	Err         error
}

// NewError builds an Error whose recoverability follows the code.
func NewError(code string, err error) *Error {
	e := &Error{Code: code, Recoverable: !unrecoverable[code], Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
