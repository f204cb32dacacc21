package execution

import (
	"encoding/json"

	stepflow "github.com/goliatone/go-stepflow"
)

// Result is the outcome of one Execute call. Exactly one of the concrete
// types below is returned.
type Result interface {
	isResult()
}

// FunctionResolved means the handler returned successfully; the run is done.
type FunctionResolved struct {
	Data json.RawMessage
}

// FunctionRejected means the handler failed. Retriability tells the caller
// whether and when another attempt may be scheduled.
type FunctionRejected struct {
	Error        *stepflow.SerializedError
	Retriability stepflow.Retriability
}

// StepRan means one step body executed to completion, successfully or not.
// The run is not done; the caller memoizes the step and re-invokes.
type StepRan struct {
	Step stepflow.OutgoingOp
	// Retriability is only meaningful when the step errored.
	Retriability stepflow.Retriability
}

// StepsFound means new, not-yet-executed operations were discovered. The
// caller schedules them and re-invokes per step.
type StepsFound struct {
	Steps []stepflow.OutgoingOp
}

// StepNotFound means a targeted step never appeared in the current code
// path within the discovery timeout. Found lists the steps that did appear,
// as a divergence diagnostic.
type StepNotFound struct {
	Step  string
	Op    stepflow.OutgoingOp
	Found []stepflow.OutgoingOp
}

func (FunctionResolved) isResult() {}
func (FunctionRejected) isResult() {}
func (StepRan) isResult()          {}
func (StepsFound) isResult()       {}
func (StepNotFound) isResult()     {}
