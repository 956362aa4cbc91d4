//go:build !linux

package audio

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify("malgo context", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, classify("malgo devices", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	if len(result) == 0 {
		return nil, ErrNoDevice
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if config.SampleRate == 0 {
		config.SampleRate = DefaultSampleRate
	}
	if config.Channels == 0 {
		config.Channels = 1
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID %q: %w", device.ID, err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	c := &malgoCapture{
		name: "system default",
		proc: newProcessor(config.Constraints),
	}
	if device != nil {
		c.name = device.Name
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			cb := c.callback.Load()
			if cb == nil || len(data) == 0 {
				return
			}
			samples := bytesToSamples(data)
			c.proc.process(samples)
			(*cb)(samplesToBytes(samples), frameCount)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, classify("malgo init device", err)
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device   *malgo.Device
	name     string
	proc     *processor
	callback atomic.Pointer[DataCallback]

	closeOnce sync.Once
}

func (c *malgoCapture) Start() error {
	if err := c.device.Start(); err != nil {
		return classify("malgo start", err)
	}
	return nil
}

func (c *malgoCapture) Stop() {
	if c.device.IsStarted() {
		_ = c.device.Stop()
	}
}

func (c *malgoCapture) Close() {
	c.closeOnce.Do(func() {
		c.ClearCallback()
		c.device.Uninit()
	})
}

func (c *malgoCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *malgoCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *malgoCapture) DeviceName() string { return c.name }
