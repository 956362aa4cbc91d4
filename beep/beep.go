// Package beep plays short audible cues for capture state changes.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

const sampleRate = 44100

type Cue int

const (
	CueStart Cue = iota
	CueStop
	CueConfirm
	CueError
)

type tone struct {
	freq     float64
	duration float64 // seconds
	volume   float64
	decay    float64
	repeat   int     // extra repetitions after the first
	gap      float64 // seconds between repetitions
	glide    float64 // frequency multiplier reached at the end
}

var cueTones = map[Cue]tone{
	CueStart:   {freq: 1200, duration: 0.12, volume: 0.5, decay: 60, glide: 1},
	CueStop:    {freq: 900, duration: 0.15, volume: 0.5, decay: 40, glide: 1},
	CueConfirm: {freq: 700, duration: 0.18, volume: 0.45, decay: 25, glide: 1.5},
	CueError:   {freq: 350, duration: 0.08, volume: 0.6, decay: 30, repeat: 1, gap: 0.05, glide: 1},
}

var (
	disabled atomic.Bool
	cacheMu  sync.Mutex
	cache    = map[Cue][]int16{}
)

func Disable() { disabled.Store(true) }

func Enabled() bool { return !disabled.Load() }

// Play starts the cue in the background. It never blocks the caller.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	pcm := samples(c)
	if len(pcm) == 0 {
		return
	}
	go play(pcm)
}

func samples(c Cue) []int16 {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := cache[c]; ok {
		return s
	}
	t, ok := cueTones[c]
	if !ok {
		return nil
	}
	s := synth(t)
	cache[c] = s
	return s
}

// synth renders a mono tone with an exponential decay envelope.
func synth(t tone) []int16 {
	n := int(sampleRate * t.duration)
	one := make([]int16, n)
	phase := 0.0
	for i := range one {
		at := float64(i) / sampleRate
		freq := t.freq * (1 + (t.glide-1)*float64(i)/float64(n))
		phase += 2 * math.Pi * freq / sampleRate
		env := math.Exp(-at * t.decay)
		one[i] = int16(math.Sin(phase) * 32767 * t.volume * env)
	}

	out := append([]int16(nil), one...)
	gap := make([]int16, int(sampleRate*t.gap))
	for range t.repeat {
		out = append(out, gap...)
		out = append(out, one...)
	}
	return out
}
