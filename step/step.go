// Package step provides the tools a durable function calls to declare work:
// memoizable step bodies, durable sleeps, event waits, and cross-function
// invocations. Every tool funnels into the Controller carried by the
// handler's context, so user code never touches the engine directly.
package step

import (
	"context"
	"encoding/json"

	errors "github.com/goliatone/go-errors"
	stepflow "github.com/goliatone/go-stepflow"
)

// BodyFunc is a step body in wire form. The engine runs it at most once per
// run and memoizes the outcome.
type BodyFunc func(ctx context.Context) (json.RawMessage, error)

// Awaiter is the pending outcome of a registered operation.
type Awaiter interface {
	Await(ctx context.Context) (json.RawMessage, error)
}

// Controller is the engine-side contract the step tools talk to.
type Controller interface {
	// RegisterStep declares an operation. body is nil for operations the
	// engine fulfills externally, such as sleeps and event waits.
	RegisterStep(ctx context.Context, op stepflow.UnhashedOp, body BodyFunc) (Awaiter, error)
	// SendEvent publishes an event through the run's event sink.
	SendEvent(ctx context.Context, evt *stepflow.Event) error
}

type ctxKey int

const (
	controllerKey ctxKey = iota
	insideBodyKey
)

// WithController attaches the engine controller to a handler context.
func WithController(ctx context.Context, c Controller) context.Context {
	return context.WithValue(ctx, controllerKey, c)
}

// ControllerFrom extracts the controller, if any.
func ControllerFrom(ctx context.Context) (Controller, bool) {
	c, ok := ctx.Value(controllerKey).(Controller)
	return c, ok
}

// MarkInsideBody flags ctx as running inside a step body so nested step
// tooling can be rejected.
func MarkInsideBody(ctx context.Context) context.Context {
	return context.WithValue(ctx, insideBodyKey, true)
}

func insideBody(ctx context.Context) bool {
	v, _ := ctx.Value(insideBodyKey).(bool)
	return v
}

// ErrOutsideRun is returned when step tooling is used without an active run.
var ErrOutsideRun = errors.New("step tooling used outside a durable function run", errors.CategoryBadInput).
	WithTextCode("STEP_OUTSIDE_RUN")

func controller(ctx context.Context) (Controller, error) {
	if insideBody(ctx) {
		return nil, stepflow.ErrNestedStep
	}
	c, ok := ControllerFrom(ctx)
	if !ok {
		return nil, ErrOutsideRun
	}
	return c, nil
}
