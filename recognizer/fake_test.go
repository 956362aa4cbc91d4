package recognizer

import (
	"errors"
	"testing"
	"time"
)

func TestScriptedFake(t *testing.T) {
	f := NewScripted("Hello there. How are", time.Millisecond)
	l := newHandlerLog()
	if !f.Start(l.handlers()) {
		t.Fatal("Start returned false")
	}
	wait(t, l.started, "OnStart")

	if got := wait(t, l.finals, "first final"); got != "Hello there." {
		t.Errorf("first final = %q", got)
	}
	if got := wait(t, l.finals, "tail final"); got != "How are" {
		t.Errorf("tail final = %q", got)
	}
	if len(l.interims) == 0 {
		t.Error("no interims")
	}

	f.Stop()
	wait(t, l.ended, "OnEnd")
	if f.Active() || f.Starts() != 1 || f.Stops() != 1 {
		t.Errorf("active=%v starts=%d stops=%d", f.Active(), f.Starts(), f.Stops())
	}
}

func TestFakeFailNextStart(t *testing.T) {
	f := NewFake()
	f.FailNextStart()
	if f.Start(Handlers{}) {
		t.Fatal("first Start should fail")
	}
	if !f.Start(Handlers{}) {
		t.Fatal("second Start should succeed")
	}
}

func TestErrorRecoverability(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{CodeNetwork, true},
		{CodeNoSpeech, true},
		{CodeAudioCapture, true},
		{CodeNotAllowed, false},
		{CodeServiceFailed, false},
	}
	for _, tt := range tests {
		e := NewError(tt.code, errors.New("boom"))
		if e.Recoverable != tt.want {
			t.Errorf("%s recoverable = %v, want %v", tt.code, e.Recoverable, tt.want)
		}
		if e.Error() != tt.code+": boom" {
			t.Errorf("Error() = %q", e.Error())
		}
	}
	if NewError(CodeAborted, nil).Error() != CodeAborted {
		t.Error("nil cause should render code only")
	}
}
