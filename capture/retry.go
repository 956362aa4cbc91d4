package capture

import (
	"sync"
	"time"
)

// RetrySchedule describes the retry currently waiting to fire, if any.
type RetrySchedule struct {
	Pending bool
	Delay   time.Duration
}

// RetryController holds at most one pending retry. Scheduling again
// supersedes the previous retry; each schedule fires at most once and
// never after Cancel.
type RetryController struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	delay   time.Duration
}

// Schedule arms a retry after delay and returns its generation. fire runs
// on the timer goroutine with that generation.
func (r *RetryController) Schedule(delay time.Duration, fire func(gen uint64)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.gen++
	gen := r.gen
	r.pending = true
	r.delay = delay
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if gen != r.gen || !r.pending {
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.timer = nil
		r.mu.Unlock()
		fire(gen)
	})
	return gen
}

// Current reports whether gen belongs to the latest schedule and was not
// cancelled since.
func (r *RetryController) Current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.gen
}

func (r *RetryController) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
	r.pending = false
}

// Reset cancels any pending retry and forgets the last delay.
func (r *RetryController) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
	r.pending = false
	r.delay = 0
}

func (r *RetryController) Snapshot() RetrySchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RetrySchedule{Pending: r.pending, Delay: r.delay}
}

func (r *RetryController) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
