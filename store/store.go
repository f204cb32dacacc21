// Package store persists run state between invocations: memoized step
// outcomes, completion order, and the scheduling facts the runner needs to
// resume sleeping and waiting runs.
package store

import (
	"context"
	"encoding/json"
	"time"

	errors "github.com/goliatone/go-errors"
	stepflow "github.com/goliatone/go-stepflow"
)

// RunStatus is the lifecycle state of one run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSleeping  RunStatus = "sleeping"
	StatusWaiting   RunStatus = "waiting"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// RunRecord is everything persisted about one run.
type RunRecord struct {
	ID           string                    `json:"id"`
	FunctionSlug string                    `json:"function_slug"`
	Status       RunStatus                 `json:"status"`
	Attempt      int                       `json:"attempt"`
	Event        *stepflow.Event           `json:"event,omitempty"`
	Events       []*stepflow.Event         `json:"events,omitempty"`
	Steps        stepflow.StepState        `json:"steps,omitempty"`
	StepOrder    []string                  `json:"step_order,omitempty"`
	Output       json.RawMessage           `json:"output,omitempty"`
	Error        *stepflow.SerializedError `json:"error,omitempty"`

	// PendingStepID is the hashed id of the sleep or wait being serviced
	// while the run is parked.
	PendingStepID string     `json:"pending_step_id,omitempty"`
	WakeAt        *time.Time `json:"wake_at,omitempty"`
	WaitEvent     string     `json:"wait_event,omitempty"`
	WaitDeadline  *time.Time `json:"wait_deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Event = r.Event.Clone()
	if r.Events != nil {
		cp.Events = make([]*stepflow.Event, len(r.Events))
		for i, e := range r.Events {
			cp.Events[i] = e.Clone()
		}
	}
	cp.Steps = r.Steps.Clone()
	cp.StepOrder = append([]string{}, r.StepOrder...)
	if r.WakeAt != nil {
		t := *r.WakeAt
		cp.WakeAt = &t
	}
	if r.WaitDeadline != nil {
		t := *r.WaitDeadline
		cp.WaitDeadline = &t
	}
	return &cp
}

// ErrRunNotFound is returned when a run id has no record.
var ErrRunNotFound = errors.New("run not found", errors.CategoryNotFound).
	WithTextCode("RUN_NOT_FOUND")

// Store persists run records. Implementations must be safe for concurrent
// use and must not hand out internal references.
type Store interface {
	// SaveRun inserts or replaces the record and bumps UpdatedAt.
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	// ListRuns returns every record with the given status; an empty status
	// returns everything. Results are ordered by CreatedAt.
	ListRuns(ctx context.Context, status RunStatus) ([]*RunRecord, error)
	// DueSleepers returns sleeping runs whose wake time is at or before now.
	DueSleepers(ctx context.Context, now time.Time) ([]*RunRecord, error)
	// Waiters returns waiting runs subscribed to the named event.
	Waiters(ctx context.Context, eventName string) ([]*RunRecord, error)
	Close() error
}
