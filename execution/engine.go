package execution

import (
	"context"
	"encoding/json"
	"time"

	errors "github.com/goliatone/go-errors"
	stepflow "github.com/goliatone/go-stepflow"
	"github.com/goliatone/go-stepflow/future"
	"github.com/goliatone/go-stepflow/middleware"
)

// DefaultStepNotFoundTimeout bounds how long a targeted invocation waits for
// the requested step to appear before reporting divergence.
const DefaultStepNotFoundTimeout = 10 * time.Second

// EventSender publishes an event produced inside a run.
type EventSender func(ctx context.Context, evt *stepflow.Event) error

// Engine executes durable functions against memoized run state. An Engine is
// immutable after construction and safe for concurrent Execute calls.
type Engine struct {
	version             Version
	logger              stepflow.Logger
	middleware          *middleware.Stack
	barrier             future.Barrier
	stepNotFoundTimeout time.Duration
	sendEvent           EventSender
}

type Option func(*Engine)

// WithVersion pins the execution strategy.
func WithVersion(v Version) Option {
	return func(e *Engine) { e.version = v }
}

func WithLogger(logger stepflow.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMiddleware installs the lifecycle hook stack.
func WithMiddleware(stack *middleware.Stack) Option {
	return func(e *Engine) {
		if stack != nil {
			e.middleware = stack
		}
	}
}

// WithBarrier overrides the settle barrier, mostly useful in tests.
func WithBarrier(b future.Barrier) Option {
	return func(e *Engine) { e.barrier = b }
}

func WithStepNotFoundTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepNotFoundTimeout = d
		}
	}
}

// WithEventSender wires the sink used by steps that publish events.
func WithEventSender(fn EventSender) Option {
	return func(e *Engine) { e.sendEvent = fn }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		version:             DefaultVersion,
		middleware:          middleware.NewStack(),
		barrier:             future.DefaultBarrier,
		stepNotFoundTimeout: DefaultStepNotFoundTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = stepflow.NormalizeLogger(e.logger)
	return e
}

func (e *Engine) Version() Version { return e.version }

// Execute runs one invocation of req and returns the next checkpoint. The
// handler goroutine and any step goroutines are torn down before Execute
// returns; pending step awaits are rejected so abandoned user goroutines
// unblock.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if t := req.Function.Config.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	st := newState(e, ctx, req)
	defer st.teardown()

	st.start()

	ck, err := st.checkpoints.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.CategoryOperation, "execution aborted before a checkpoint was reached").
				WithTextCode("EXECUTION_ABORTED").
				WithMetadata(map[string]any{"run_id": req.RunID, "function": req.Function.Slug})
		}
		return nil, err
	}

	result := st.resultFor(ck)
	st.hookBeforeResponse()
	return result, nil
}

func validateRequest(req Request) error {
	if req.Function == nil {
		return errors.New("execution request requires a function", errors.CategoryBadInput).
			WithTextCode(stepflow.ErrCodeInvalidFunction)
	}
	if req.Function.Handler == nil {
		return errors.New("execution request requires a function handler", errors.CategoryBadInput).
			WithTextCode(stepflow.ErrCodeInvalidFunction).
			WithMetadata(map[string]any{"function": req.Function.Slug})
	}
	if req.RunID == "" {
		return errors.New("execution request requires a run id", errors.CategoryBadInput).
			WithTextCode("EXECUTION_RUN_ID_MISSING").
			WithMetadata(map[string]any{"function": req.Function.Slug})
	}
	for id := range req.StepState {
		if id == "" {
			return errors.New("memoized step state contains an empty id", errors.CategoryBadInput).
				WithTextCode("EXECUTION_STATE_INVALID").
				WithMetadata(map[string]any{"function": req.Function.Slug})
		}
	}
	return nil
}

// marshalResult encodes a handler return value for transport. A nil value
// becomes JSON null so replay can distinguish "no result yet" from "nil".
func marshalResult(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryOperation, "function result is not serializable").
			WithTextCode("FUNCTION_RESULT_NOT_SERIALIZABLE")
	}
	return raw, nil
}
