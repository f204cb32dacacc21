package stepflow

import (
	"encoding/json"
)

// OpCode identifies the kind of operation a handler registered with the engine.
type OpCode string

const (
	// OpCodeStepRun marks a step whose body executed and produced data.
	OpCodeStepRun OpCode = "Step"
	// OpCodeStepError marks a step whose body executed and failed.
	OpCodeStepError OpCode = "StepError"
	// OpCodeStepPlanned marks a newly discovered step that has not run yet.
	OpCodeStepPlanned OpCode = "StepPlanned"
	// OpCodeSleep marks a durable pause until a duration elapses.
	OpCodeSleep OpCode = "Sleep"
	// OpCodeWaitForEvent marks a durable pause until a matching event arrives.
	OpCodeWaitForEvent OpCode = "WaitForEvent"
	// OpCodeInvoke marks a call into another registered function.
	OpCodeInvoke OpCode = "InvokeFunction"
	// OpCodeStepNotFound marks the diagnostic op returned when a requested
	// step never appeared in the current code path.
	OpCodeStepNotFound OpCode = "StepNotFound"
)

// UnhashedOp is the raw operation a step tool registers, before identity
// hashing. ID is the user-given step id; Name defaults to ID when empty.
type UnhashedOp struct {
	Op   OpCode
	ID   string
	Name string
	Opts map[string]any
}

// DisplayName returns the human-facing name for the op.
func (o UnhashedOp) DisplayName() string {
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}

// OutgoingOp is the wire shape for one operation reported back to the
// orchestrator.
type OutgoingOp struct {
	ID          string           `json:"id"`
	Op          OpCode           `json:"op"`
	Name        string           `json:"name,omitempty"`
	DisplayName string           `json:"displayName,omitempty"`
	Opts        map[string]any   `json:"opts,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Error       *SerializedError `json:"error,omitempty"`
}

// MemoizedStep is the externally supplied outcome of a previously executed
// step. The engine only ever mutates Seen and Fulfilled.
type MemoizedStep struct {
	Data      json.RawMessage  `json:"data,omitempty"`
	Error     *SerializedError `json:"error,omitempty"`
	Seen      bool             `json:"-"`
	Fulfilled bool             `json:"-"`
}

// StepState maps hashed step ids to their memoized outcomes.
type StepState map[string]*MemoizedStep

// Clone returns a deep-enough copy so the caller can mutate flags without
// touching the source map.
func (s StepState) Clone() StepState {
	if s == nil {
		return nil
	}
	out := make(StepState, len(s))
	for id, memo := range s {
		if memo == nil {
			continue
		}
		cp := *memo
		out[id] = &cp
	}
	return out
}
