package capture

import "time"

// frameLoop schedules level ticks one at a time. It is owned by the event
// loop; the timer callback only posts the token it was armed with.
type frameLoop struct {
	interval time.Duration
	post     func(token uint64)

	timer  *time.Timer
	token  uint64
	active bool
}

func (f *frameLoop) start() {
	f.cancel()
	f.active = true
	f.arm()
}

// arm schedules the next tick for the current token.
func (f *frameLoop) arm() {
	if !f.active {
		return
	}
	token := f.token
	post := f.post
	f.timer = time.AfterFunc(f.interval, func() { post(token) })
}

func (f *frameLoop) current(token uint64) bool {
	return f.active && token == f.token
}

func (f *frameLoop) cancel() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.active = false
	f.token++
}
