//go:build darwin

package beep

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var (
	initOnce sync.Once
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	playMu   sync.Mutex

	// read from the audio callback
	current atomic.Pointer[[]byte]
	cursor  atomic.Uint32
)

func openDevice() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, cfg, malgo.DeviceCallbacks{Data: fill})
	return err
}

func Init() {
	for c := range cueTones {
		samples(c)
	}
	setup()
}

func setup() {
	initOnce.Do(func() {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return
		}
		malgoCtx = ctx
		if err := openDevice(); err != nil {
			_ = malgoCtx.Uninit()
			malgoCtx.Free()
			malgoCtx = nil
		}
	})
}

func fill(out, _ []byte, frameCount uint32) {
	clear(out)
	buf := current.Load()
	if buf == nil {
		return
	}
	pos := cursor.Load()
	total := uint32(len(*buf))
	if pos >= total {
		current.Store(nil)
		return
	}
	n := min(frameCount*2, total-pos, uint32(len(out)))
	copy(out[:n], (*buf)[pos:pos+n])
	cursor.Store(pos + n)
}

func play(pcm []int16) {
	setup()
	if malgoCtx == nil {
		return
	}
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}

	playMu.Lock()
	defer playMu.Unlock()

	_ = device.Stop()
	cursor.Store(0)
	current.Store(&data)
	if err := device.Start(); err != nil {
		// devices go stale across sleep/wake; reopen once
		device.Uninit()
		if openDevice() != nil || device.Start() != nil {
			current.Store(nil)
		}
	}
}
