package recognizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"hark/audio"

	"github.com/rs/zerolog"
)

const (
	streamChunkMs      = 100
	streamFinalizeIdle = 150 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
	streamDrainTimeout = 2 * time.Second
	streamQueueDepth   = 64
)

var errUnauthorized = errors.New("unauthorized")

type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	Endpoint   string
	Device     *audio.DeviceInfo
	SampleRate uint32
	Logger     *zerolog.Logger
}

// Deepgram streams microphone audio to the Deepgram live API. Each Start
// opens its own capture device; Stop detaches the running session, which
// flushes and delivers trailing finals in the background.
type Deepgram struct {
	cfg   DeepgramConfig
	audio audio.Context
	log   zerolog.Logger
	dial  func(ctx context.Context, cfg streamConfig) (rawStream, error)

	mu  sync.Mutex
	run *deepgramRun
}

func NewDeepgram(actx audio.Context, cfg DeepgramConfig) *Deepgram {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Deepgram{
		cfg:   cfg,
		audio: actx,
		log:   l.With().Str("adapter", "deepgram").Logger(),
		dial:  dialDeepgram,
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Start(h Handlers) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != nil {
		d.log.Warn().Msg("start while a session is running")
		return false
	}
	if d.cfg.APIKey == "" {
		d.log.Error().Msg("missing api key")
		return false
	}

	capture, err := d.audio.NewCapture(d.cfg.Device, audio.CaptureConfig{
		SampleRate:  d.cfg.SampleRate,
		Channels:    1,
		Constraints: audio.VoiceConstraints(),
	})
	if err != nil {
		d.log.Error().Err(err).Msg("open capture")
		return false
	}

	sc := streamConfig{
		Endpoint:   d.cfg.Endpoint,
		APIKey:     d.cfg.APIKey,
		SampleRate: int(d.cfg.SampleRate),
		Channels:   1,
		Language:   d.cfg.Language,
		Model:      d.cfg.Model,
	}
	dial := d.dial
	r := &deepgramRun{
		h:          h,
		log:        d.log,
		capture:    capture,
		dial:       func() (rawStream, error) { return dial(context.Background(), sc) },
		chunkBytes: int(d.cfg.SampleRate) * 2 * streamChunkMs / 1000,
		audioCh:    make(chan []byte, streamQueueDepth),
		stopCh:     make(chan struct{}),
		finalized:  make(chan struct{}),
	}
	d.run = r

	go func() {
		r.loop()
		d.mu.Lock()
		if d.run == r {
			d.run = nil
		}
		d.mu.Unlock()
		// OnEnd fires only once the adapter accepts a new Start.
		r.h.end()
	}()
	return true
}

func (d *Deepgram) Stop() {
	d.mu.Lock()
	r := d.run
	d.run = nil
	d.mu.Unlock()
	if r != nil {
		r.requestStop()
	}
}

type deepgramRun struct {
	h          Handlers
	log        zerolog.Logger
	capture    audio.CaptureDevice
	dial       func() (rawStream, error)
	chunkBytes int

	audioCh  chan []byte
	stopCh   chan struct{}
	stopOnce sync.Once

	feedMu     sync.Mutex
	feedBuf    []byte
	feedClosed bool

	finalized     chan struct{}
	finalizedOnce sync.Once

	mu       sync.Mutex
	ws       rawStream
	closing  bool
	failOnce sync.Once
	dropped  int
}

func (r *deepgramRun) requestStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *deepgramRun) loop() {
	defer r.capture.Close()

	ws, err := r.dial()
	if err != nil {
		code := CodeNetwork
		if errors.Is(err, errUnauthorized) {
			code = CodeServiceFailed
		}
		r.h.fail(NewError(code, err))
		return
	}

	select {
	case <-r.stopCh:
		ws.Close()
		return
	default:
	}

	r.mu.Lock()
	r.ws = ws
	r.mu.Unlock()

	r.capture.SetCallback(r.feed)
	if err := r.capture.Start(); err != nil {
		r.capture.ClearCallback()
		ws.Close()
		code := CodeAudioCapture
		if errors.Is(err, audio.ErrPermissionDenied) {
			code = CodeNotAllowed
		}
		r.h.fail(NewError(code, err))
		return
	}
	r.log.Debug().Str("device", r.capture.DeviceName()).Msg("stream started")
	r.h.start()

	sendDone := make(chan struct{})
	recvDone := make(chan struct{})
	go r.sender(ws, sendDone)
	go r.receiver(ws, recvDone)

	select {
	case <-r.stopCh:
	case <-recvDone:
	}

	r.capture.Stop()
	r.capture.ClearCallback()
	r.closeFeed()
	<-sendDone

	select {
	case <-r.finalized:
		time.Sleep(streamFinalizeIdle)
	case <-recvDone:
	case <-time.After(streamFinalizeMax):
	}

	r.mu.Lock()
	r.closing = true
	dropped := r.dropped
	r.mu.Unlock()
	ws.Close()

	select {
	case <-recvDone:
	case <-time.After(streamDrainTimeout):
		r.log.Warn().Msg("stream receiver drain timeout")
	}
	if dropped > 0 {
		r.log.Warn().Int("chunks", dropped).Msg("dropped audio while the sender was behind")
	}
}

func (r *deepgramRun) feed(pcm []byte, _ uint32) {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	if r.feedClosed {
		return
	}
	r.feedBuf = append(r.feedBuf, pcm...)
	for len(r.feedBuf) >= r.chunkBytes {
		chunk := make([]byte, r.chunkBytes)
		copy(chunk, r.feedBuf[:r.chunkBytes])
		r.feedBuf = r.feedBuf[r.chunkBytes:]
		r.enqueue(chunk)
	}
}

// enqueue must not block the capture callback.
func (r *deepgramRun) enqueue(chunk []byte) {
	select {
	case r.audioCh <- chunk:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

func (r *deepgramRun) closeFeed() {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	if r.feedClosed {
		return
	}
	r.feedClosed = true
	if len(r.feedBuf) > 0 {
		r.enqueue(r.feedBuf)
		r.feedBuf = nil
	}
	close(r.audioCh)
}

func (r *deepgramRun) sender(ws rawStream, done chan struct{}) {
	defer close(done)
	for chunk := range r.audioCh {
		if err := ws.Send(chunk); err != nil {
			r.fail(NewError(CodeNetwork, err))
			for range r.audioCh {
			}
			return
		}
	}
	if err := ws.Finalize(); err != nil {
		r.fail(NewError(CodeNetwork, err))
	}
}

func (r *deepgramRun) receiver(ws rawStream, done chan struct{}) {
	defer close(done)
	for {
		u, err := ws.Recv()
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			r.mu.Unlock()
			if !closing {
				r.fail(NewError(CodeNetwork, err))
			}
			return
		}

		if u.FromFinalize {
			r.finalizedOnce.Do(func() { close(r.finalized) })
		}
		if u.Type != "" && u.Type != "Results" {
			continue
		}
		if u.Transcript == "" {
			continue
		}
		if u.IsFinal || u.SpeechFinal || u.FromFinalize {
			r.h.final(u.Transcript)
		} else {
			r.h.interim(u.Transcript)
		}
	}
}

// fail reports the first runtime error and tears the connection down.
func (r *deepgramRun) fail(err *Error) {
	r.failOnce.Do(func() {
		r.log.Warn().Err(err).Msg("stream failed")
		r.h.fail(err)
		r.mu.Lock()
		ws := r.ws
		r.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
	})
}
