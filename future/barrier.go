package future

import (
	"runtime"
	"time"
)

// DefaultBarrier is tuned so that goroutines unblocked by a settled step get
// scheduled and register their next operation before the engine inspects the
// run state again.
var DefaultBarrier = Barrier{Yields: 64, Pause: 2 * time.Millisecond}

// Barrier lets in-flight goroutines make progress before the caller
// continues. It is a heuristic, not a guarantee: code paths that park on
// external work for longer than the pause will be picked up on a later
// checkpoint instead.
type Barrier struct {
	// Yields is how many scheduler yields to perform back to back.
	Yields int
	// Pause is a final sleep allowing timer-driven wakeups to land.
	Pause time.Duration
}

// Wait yields the processor repeatedly, then pauses.
func (b Barrier) Wait() {
	yields := b.Yields
	if yields <= 0 {
		yields = 1
	}
	for i := 0; i < yields; i++ {
		runtime.Gosched()
	}
	if b.Pause > 0 {
		time.Sleep(b.Pause)
	}
}
