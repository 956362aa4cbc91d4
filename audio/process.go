package audio

import (
	"encoding/binary"
	"math"
)

const (
	agcTarget    = 0.25 * 32767 // peak the gain stage aims for
	agcMaxGain   = 8.0
	agcAttack    = 0.2
	agcRelease   = 0.95
	gateRatio    = 1.8 // block rms below floor*ratio is treated as noise
	gateFloorMin = 30.0
	gateFloorMax = 600.0 // roughly -35 dBFS; louder input is never gated
	gateRise     = 0.02
	gateAtten    = 0.1
)

// processor applies the software stages of Constraints to PCM16 blocks.
// Echo cancellation has no far-end reference here; backends satisfy it by
// choosing an echo-cancelling source when the platform offers one.
type processor struct {
	c     Constraints
	gain  float64
	env   float64
	floor float64
}

func newProcessor(c Constraints) *processor {
	return &processor{c: c, gain: 1}
}

func (p *processor) process(buf []int16) {
	if len(buf) == 0 {
		return
	}
	if p.c.NoiseSuppression {
		p.gate(buf)
	}
	if p.c.AutoGainControl {
		p.agc(buf)
	}
}

func (p *processor) gate(buf []int16) {
	var sum float64
	for _, s := range buf {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(buf)))

	if p.floor == 0 {
		p.floor = gateFloorMin
	}
	if rms < p.floor {
		p.floor = math.Max(rms, gateFloorMin)
	} else {
		p.floor = math.Min(p.floor+(rms-p.floor)*gateRise, gateFloorMax)
	}

	if rms < p.floor*gateRatio {
		for i, s := range buf {
			buf[i] = int16(float64(s) * gateAtten)
		}
	}
}

func (p *processor) agc(buf []int16) {
	var peak float64
	for _, s := range buf {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	p.env = math.Max(peak, p.env*agcRelease)

	want := agcMaxGain
	if p.env > 0 {
		want = math.Min(agcTarget/p.env, agcMaxGain)
	}
	want = math.Max(want, 1)
	p.gain += (want - p.gain) * agcAttack

	for i, s := range buf {
		buf[i] = clamp16(float64(s) * p.gain)
	}
}

func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func bytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func samplesToBytes(buf []int16) []byte {
	data := make([]byte, len(buf)*2)
	for i, s := range buf {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
