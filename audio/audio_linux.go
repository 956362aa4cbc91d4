//go:build linux

package audio

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("hark"))
	if err != nil {
		return nil, classify("pulse", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, classify("pulse list sources", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if config.SampleRate == 0 {
		config.SampleRate = DefaultSampleRate
	}
	return &pulseCapture{
		client: p.client,
		device: device,
		config: config,
		proc:   newProcessor(config.Constraints),
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client   *pulse.Client
	device   *DeviceInfo
	config   CaptureConfig
	proc     *processor
	callback atomic.Pointer[DataCallback]

	mu     sync.Mutex
	source string
	stop   chan struct{}
	done   chan struct{}
}

// echoCancelSource returns the module-echo-cancel source if one is loaded.
func (c *pulseCapture) echoCancelSource() *pulse.Source {
	sources, err := c.client.ListSources()
	if err != nil {
		return nil
	}
	for _, s := range sources {
		id := strings.ToLower(s.ID())
		if strings.Contains(id, "echo-cancel") || strings.Contains(id, "echocancel") {
			return s
		}
	}
	return nil
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		samples := make([]int16, len(buf))
		copy(samples, buf)
		c.proc.process(samples)
		(*cb)(samplesToBytes(samples), uint32(len(samples)))
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
		pulse.RecordMediaName("hark voice input"),
	}
	if !c.config.Constraints.AutoGainControl {
		// without software gain, lift the stream volume the way the mixer would
		opts = append(opts, pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			vol := uint32(proto.VolumeNorm) * 3
			r.ChannelVolumes = proto.ChannelVolumes{vol}
		}))
	}

	c.source = "system default"
	switch {
	case c.device != nil:
		source, err := c.client.SourceByID(c.device.ID)
		if err != nil {
			return classify("pulse source "+c.device.ID, err)
		}
		opts = append(opts, pulse.RecordSource(source))
		c.source = c.device.Name
	case c.config.Constraints.EchoCancellation:
		if s := c.echoCancelSource(); s != nil {
			opts = append(opts, pulse.RecordSource(s))
			c.source = s.Name()
		}
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return classify("pulse record", err)
	}
	if stream.Error() != nil {
		stream.Close()
		return classify("pulse record", stream.Error())
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		stream.Start()
		<-stop
		stream.Stop()
		stream.Close()
	}(c.stop, c.done)

	return nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop, c.done = nil, nil
}

func (c *pulseCapture) Close() {
	c.ClearCallback()
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *pulseCapture) DeviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source != "" {
		return c.source
	}
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}
