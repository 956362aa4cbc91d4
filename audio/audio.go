// Package audio provides microphone capture and the frequency analysis used
// for the input level meter. Backends deliver mono little-endian PCM16.
package audio

import (
	"errors"
	"fmt"
	"strings"
)

const (
	WAVHeaderSize = 44

	// DefaultSampleRate is the capture rate used by the level monitor and
	// the streaming recognizer.
	DefaultSampleRate = 16000
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no capture device available")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from a device name whether the input is a headset
// that drops to a low-quality profile while the microphone is open.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

// Constraints selects the voice processing applied to captured audio
// before it reaches the callback.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VoiceConstraints enables every processing stage.
func VoiceConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

type CaptureConfig struct {
	SampleRate  uint32
	Channels    uint32
	Constraints Constraints
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

var deniedMarkers = []string{
	"access denied",
	"permission denied",
	"not permitted",
	"not authorized",
}

var noDeviceMarkers = []string{
	"no such entity",
	"no device",
	"device not found",
}

// classify wraps backend errors with ErrPermissionDenied or ErrNoDevice
// when the message identifies the failure, so callers can use errors.Is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range deniedMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
		}
	}
	for _, m := range noDeviceMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%s: %w: %w", op, ErrNoDevice, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
