package capture

import (
	"errors"
	"math"
	"sync"

	"hark/audio"
)

const (
	MonitorFFTSize   = 256
	MonitorSmoothing = 0.8

	// levelCeiling is the average byte bin value treated as full scale.
	levelCeiling = 128.0
)

// LevelMonitor samples microphone loudness for the level meter.
type LevelMonitor interface {
	Acquire() error
	Sample() float64
	Release()
}

type MonitorConfig struct {
	Device      *audio.DeviceInfo
	SampleRate  uint32
	Constraints audio.Constraints
}

// Monitor owns one capture device and its analyser between Acquire and
// Release. It cannot be reacquired after Release.
type Monitor struct {
	ctx audio.Context
	cfg MonitorConfig

	mu       sync.Mutex
	capture  audio.CaptureDevice
	analyser *audio.Analyser
	bins     []uint8
	released bool
}

func NewMonitor(ctx audio.Context, cfg MonitorConfig) *Monitor {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	return &Monitor{ctx: ctx, cfg: cfg}
}

var errMonitorReleased = errors.New("level monitor already released")

// Acquire opens the microphone. Errors are *CaptureError.
func (m *Monitor) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return startFailed(errMonitorReleased)
	}
	if m.capture != nil {
		return nil
	}

	dev, err := m.ctx.NewCapture(m.cfg.Device, audio.CaptureConfig{
		SampleRate:  m.cfg.SampleRate,
		Channels:    1,
		Constraints: m.cfg.Constraints,
	})
	if err != nil {
		return mediaError(err)
	}

	an := audio.NewAnalyser(MonitorFFTSize, MonitorSmoothing)
	dev.SetCallback(func(data []byte, _ uint32) { an.Write(data) })
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return mediaError(err)
	}

	m.capture = dev
	m.analyser = an
	m.bins = make([]uint8, an.FrequencyBinCount())
	return nil
}

// Sample returns the current level in [0,1]; zero when not acquired.
func (m *Monitor) Sample() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.analyser == nil {
		return 0
	}
	m.analyser.ByteFrequencyData(m.bins)
	return LevelFromBins(m.bins)
}

// Release stops and closes the device. Safe to call more than once.
func (m *Monitor) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	if m.capture != nil {
		m.capture.ClearCallback()
		m.capture.Stop()
		m.capture.Close()
		m.capture = nil
	}
	m.analyser = nil
}

// LevelFromBins averages byte frequency bins against levelCeiling and
// clamps the result to [0,1].
func LevelFromBins(bins []uint8) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	v := sum / float64(len(bins)) / levelCeiling
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}
