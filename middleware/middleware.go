// Package middleware defines the execution lifecycle hooks. Hooks on the
// input side of a run fire in registration order; hooks on the output side
// fire in reverse, so middleware composes like an onion around the handler.
package middleware

import (
	"context"
	"encoding/json"

	stepflow "github.com/goliatone/go-stepflow"
)

// CallContext describes the invocation the hooks are observing. It is shared
// across every phase of one execution request.
type CallContext struct {
	Context  context.Context
	Function *stepflow.Function
	RunID    string
	Attempt  int
	Logger   stepflow.Logger
}

// TransformableInput is handed to TransformInput hooks before the handler
// starts. Hooks may mutate it in place; the engine uses the mutated values.
type TransformableInput struct {
	Event  *stepflow.Event
	Events []*stepflow.Event
	Steps  stepflow.StepState
	Logger stepflow.Logger
}

// TransformableOutput is handed to TransformOutput hooks once per settled
// value, both for individual step outputs and for the function result.
type TransformableOutput struct {
	// Step is set when the output belongs to a step, nil for the function
	// result.
	Step  *stepflow.UnhashedOp
	Data  json.RawMessage
	Error error
}

// Middleware receives lifecycle callbacks for one execution request. All
// methods are optional; embed Base to implement a subset.
type Middleware interface {
	// TransformInput may mutate the handler input before anything runs.
	TransformInput(cc *CallContext, in *TransformableInput)
	// BeforeMemoization fires before the first memoized step is replayed.
	BeforeMemoization(cc *CallContext)
	// AfterMemoization fires once replay is exhausted and new code runs.
	AfterMemoization(cc *CallContext)
	// BeforeExecution fires before new, non-memoized code executes.
	BeforeExecution(cc *CallContext)
	// AfterExecution fires after new code has settled.
	AfterExecution(cc *CallContext)
	// TransformOutput may rewrite a settled step or function value. Unlike
	// the other hooks it can fire multiple times per request.
	TransformOutput(cc *CallContext, out *TransformableOutput)
	// BeforeResponse fires last, before the engine hands back its result.
	BeforeResponse(cc *CallContext)
}

// Base is a no-op Middleware intended for embedding.
type Base struct{}

func (Base) TransformInput(*CallContext, *TransformableInput)   {}
func (Base) BeforeMemoization(*CallContext)                     {}
func (Base) AfterMemoization(*CallContext)                      {}
func (Base) BeforeExecution(*CallContext)                       {}
func (Base) AfterExecution(*CallContext)                        {}
func (Base) TransformOutput(*CallContext, *TransformableOutput) {}
func (Base) BeforeResponse(*CallContext)                        {}

var _ Middleware = Base{}
