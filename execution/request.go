// Package execution implements the memoizing step engine. One Execute call
// runs a durable function against the memoized state of its run and returns
// the next checkpoint: new steps discovered, a step executed, or the
// function settled.
package execution

import (
	stepflow "github.com/goliatone/go-stepflow"
)

// Version selects the execution strategy for a run. The version is pinned at
// the run's first invocation and must not change mid-run, since it affects
// step identity.
type Version int

const (
	// V0 identifies steps by their raw user ids and never executes early.
	V0 Version = iota
	// V1 identifies steps by hashed identity and never executes early.
	V1
	// V2 identifies steps by hashed identity and may execute a sole
	// discovered step immediately instead of reporting it first.
	V2
)

// DefaultVersion is used for new runs.
const DefaultVersion = V2

func (v Version) String() string {
	switch v {
	case V0:
		return "v0"
	case V1:
		return "v1"
	case V2:
		return "v2"
	}
	return "unknown"
}

// Request describes one invocation of a run.
type Request struct {
	Function *stepflow.Function
	// Event is the triggering event; Events carries the full batch when the
	// trigger was batched.
	Event  *stepflow.Event
	Events []*stepflow.Event
	RunID  string
	// Attempt is zero-based and counts invocations caused by retries.
	Attempt int
	// StepState holds the memoized outcomes keyed by hashed step id, and
	// StepOrder their completion order. Both come from the orchestrator.
	StepState stepflow.StepState
	StepOrder []string
	// RequestedRunStep targets one specific step for execution. Empty means
	// discovery mode.
	RequestedRunStep string
}
