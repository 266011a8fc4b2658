package eventloop

import (
	"time"

	"k8s.io/utils/clock"
)

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	loop    *Loop
	t       clock.Timer
	fn      func()
	stopped bool // touched only on the loop
}

// AfterFunc arranges for fn to run on the loop once d has elapsed.
// Must be called from the loop goroutine, like Stop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{loop: l, fn: fn}
	tm.t = l.clock.AfterFunc(d, func() {
		l.Post(tm.fire)
	})
	return tm
}

func (tm *Timer) fire() {
	if tm.stopped {
		return
	}
	tm.stopped = true
	tm.fn()
}

// Stop prevents the callback from running, even when the clock already fired
// and the callback is queued. It reports whether the callback was still pending.
func (tm *Timer) Stop() bool {
	if tm == nil || tm.stopped {
		return false
	}
	tm.stopped = true
	tm.t.Stop()
	return true
}

// Active reports whether the timer has neither fired nor been stopped.
func (tm *Timer) Active() bool {
	return tm != nil && !tm.stopped
}
