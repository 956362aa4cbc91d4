package audio

import (
	"encoding/binary"
	"math"
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 320 // 20ms at 16kHz
	fakeBytesPerFrame = 2   // 16-bit mono
)

// FakeContext replays fixed PCM through every capture it creates. Used by
// tests and by the -fake host mode.
type FakeContext struct {
	pcm      []byte
	realtime bool

	mu       sync.Mutex
	loop     bool
	openErr  error
	startErr error
	captures []*FakeCapture
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return NewFakeContextPCM(data, realtime), nil
}

func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

// SetLoop makes captures repeat the PCM instead of falling silent.
func (f *FakeContext) SetLoop(loop bool) {
	f.mu.Lock()
	f.loop = loop
	f.mu.Unlock()
}

// FailOpen makes NewCapture return err.
func (f *FakeContext) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// FailStart makes Start on new captures return err.
func (f *FakeContext) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

// Captures returns every capture created so far.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "Fake Microphone"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	c := &FakeCapture{
		pcm:       f.pcm,
		realtime:  f.realtime,
		loop:      f.loop,
		startErr:  f.startErr,
		audioDone: make(chan struct{}),
	}
	f.captures = append(f.captures, c)
	return c, nil
}

type FakeCapture struct {
	pcm       []byte
	realtime  bool
	loop      bool
	startErr  error
	audioDone chan struct{}
	doneOnce  sync.Once

	mu       sync.Mutex
	cb       DataCallback
	running  bool
	closed   bool
	starts   int
	stopCh   chan struct{}
	feedDone chan struct{}
}

// AudioDone is closed once the PCM has been fed completely.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "Fake Microphone" }

func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.starts++
	stop, done := make(chan struct{}), make(chan struct{})
	f.stopCh, f.feedDone = stop, done
	f.mu.Unlock()

	interval := time.Millisecond
	if f.realtime {
		interval = time.Duration(fakeFrameSize) * time.Second / DefaultSampleRate
	}
	go f.feed(stop, done, interval)
	return nil
}

func (f *FakeCapture) feed(stop, done chan struct{}, interval time.Duration) {
	defer close(done)
	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	silence := make([]byte, chunkBytes)
	pos := 0

	for {
		if cb := f.callback(); cb != nil {
			if pos >= len(f.pcm) && f.loop && len(f.pcm) > 0 {
				pos = 0
			}
			if pos < len(f.pcm) {
				end := min(pos+chunkBytes, len(f.pcm))
				chunk := make([]byte, end-pos)
				copy(chunk, f.pcm[pos:end])
				cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
				pos = end
			} else {
				f.doneOnce.Do(func() { close(f.audioDone) })
				cb(silence, fakeFrameSize)
			}
		}

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	done := f.feedDone
	f.mu.Unlock()
	<-done
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	f.cb = nil
	f.closed = true
	f.mu.Unlock()
}

// Tone renders a sine wave as mono PCM16 at DefaultSampleRate.
func Tone(freq, amplitude float64, d time.Duration) []byte {
	n := int(d.Seconds() * DefaultSampleRate)
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / DefaultSampleRate
		s := int16(math.Sin(2*math.Pi*freq*t) * amplitude * 32767)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
