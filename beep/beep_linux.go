//go:build linux

package beep

import (
	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

func Init() {
	for c := range cueTones {
		samples(c)
	}
}

func play(pcm []int16) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("hark"))
	if err != nil {
		return
	}
	defer c.Close()

	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if pos >= len(pcm) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, pcm[pos:])
		pos += n
		return n, nil
	})
	stream, err := c.NewPlayback(reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackMediaName("hark cue"),
		pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
	)
	if err != nil {
		return
	}
	defer stream.Close()
	stream.Start()
	stream.Drain()
	stream.Stop()
}
