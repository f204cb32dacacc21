package cron

import "sync"

type Subscription interface {
	Unsubscribe()
}

// ScheduleStatus reports where a scheduled job is in its lifecycle.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle extends Subscription with lifecycle inspection and cancellation.
type Handle interface {
	Subscription
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
}

// scheduleHandle tracks one scheduled job. Terminal transitions close the
// done channel exactly once.
type scheduleHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	done      chan struct{}

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	once   sync.Once
}

func (h *scheduleHandle) Unsubscribe() { h.Cancel() }

func (h *scheduleHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *scheduleHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err returns the last job failure, if any.
func (h *scheduleHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *scheduleHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *scheduleHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *scheduleHandle) setStatus(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *scheduleHandle) setTerminal(status ScheduleStatus, err error) {
	h.setStatus(status, err)
	if h.done != nil {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
}
