package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a stopped-and-drained timer from the pool armed for d.
func GetTimer(d time.Duration) *time.Timer {
	timer, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	timer.Reset(d)
	return timer
}

// ReleaseTimer stops the timer, drains it, and puts it back into the pool.
func ReleaseTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	StopTimer(timer)
	timerPool.Put(timer)
}

// StopTimer stops the timer and drains a pending fire, so the next Reset
// starts from a clean channel.
func StopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// ResetAndDrainTimer stops the timer, drains the channel, and arms it for d.
func ResetAndDrainTimer(timer *time.Timer, d time.Duration) {
	if timer == nil {
		return
	}
	StopTimer(timer)
	timer.Reset(d)
}
