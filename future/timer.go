package future

import (
	"sync"
	"time"
)

// Timer is a resettable deadline. The callback fires once per arming unless
// Reset pushes the deadline out or Stop disarms it. A stopped timer can be
// re-armed with Reset.
type Timer struct {
	mu sync.Mutex
	d  time.Duration
	fn func()
	t  *time.Timer
}

// NewTimer creates an armed timer firing fn after d.
func NewTimer(d time.Duration, fn func()) *Timer {
	tm := &Timer{d: d, fn: fn}
	tm.t = time.AfterFunc(d, fn)
	return tm
}

// Reset pushes the deadline out to a full interval from now, re-arming the
// timer if it was stopped or has already fired.
func (tm *Timer) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t == nil {
		tm.t = time.AfterFunc(tm.d, tm.fn)
		return
	}
	tm.t.Reset(tm.d)
}

// Stop disarms the timer. A callback already in flight may still run.
func (tm *Timer) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
}
