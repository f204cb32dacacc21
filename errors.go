package stepflow

import (
	stderrors "errors"
	"fmt"
	"time"

	errors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNestedStep        = "STEP_NESTED_CALL"
	ErrCodeNonStepFunction   = "STEP_USED_IN_NON_STEP_FUNCTION"
	ErrCodeStateDiverged     = "STEP_STATE_DIVERGED"
	ErrCodeUnfulfilledSteps  = "STEP_UNFULFILLED_AT_RESOLVE"
	ErrCodeUnknownStep       = "ENGINE_UNKNOWN_STEP"
	ErrCodeRunTerminated     = "ENGINE_RUN_TERMINATED"
	ErrCodeInvalidFunction   = "FUNCTION_INVALID"
	ErrCodeInvalidExpression = "TRIGGER_INVALID_EXPRESSION"
)

var (
	// ErrNestedStep is raised when a step body invokes another step tool.
	ErrNestedStep = errors.New("step tools cannot be used inside another step", errors.CategoryBadInput).
			WithTextCode(ErrCodeNestedStep)

	// ErrNonStepFunction is raised when step tooling is used after the engine
	// already classified the handler as a plain async function.
	ErrNonStepFunction = errors.New("step tooling used after non-step function was detected", errors.CategoryBadInput).
				WithTextCode(ErrCodeNonStepFunction)

	// ErrStateDiverged is raised when memoized state references a step the
	// current code path never produces.
	ErrStateDiverged = errors.New("memoized step state does not match the current function code path", errors.CategoryConflict).
				WithTextCode(ErrCodeStateDiverged)

	// ErrUnfulfilledSteps is raised when a handler settles while registered
	// steps can no longer complete.
	ErrUnfulfilledSteps = errors.New("function resolved with steps that can never be fulfilled", errors.CategoryConflict).
				WithTextCode(ErrCodeUnfulfilledSteps)

	// ErrUnknownStep indicates the orchestrator requested a step the engine
	// cannot execute; engine and orchestrator have desynchronized.
	ErrUnknownStep = errors.New("executor requested unknown step", errors.CategoryConflict).
			WithTextCode(ErrCodeUnknownStep)

	// ErrRunTerminated settles leftover step awaits when a run tears down.
	ErrRunTerminated = errors.New("run terminated before step settled", errors.CategoryConflict).
				WithTextCode(ErrCodeRunTerminated)
)

// NoRetryError marks an error as non-retriable. It is the explicit user
// signal that the orchestrator must not schedule another attempt.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	if e.Err == nil {
		return "non-retriable error"
	}
	return e.Err.Error()
}

func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps err so retry classification treats it as final.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &NoRetryError{Err: err}
}

// RetryAtError carries an explicit point in time before which the
// orchestrator should not retry.
type RetryAtError struct {
	Err error
	At  time.Time
}

func (e *RetryAtError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retry at %s", e.At.Format(time.RFC3339))
	}
	return e.Err.Error()
}

func (e *RetryAtError) Unwrap() error { return e.Err }

// RetryAt wraps err with an explicit earliest retry time.
func RetryAt(err error, at time.Time) error {
	if err == nil {
		return nil
	}
	return &RetryAtError{Err: err, At: at}
}

// RetryAfter wraps err with a relative retry delay.
func RetryAfter(err error, d time.Duration) error {
	return RetryAt(err, time.Now().Add(d))
}

// nonRetriableCodes are structural violations; retrying cannot fix them.
var nonRetriableCodes = map[string]struct{}{
	ErrCodeNestedStep:       {},
	ErrCodeNonStepFunction:  {},
	ErrCodeStateDiverged:    {},
	ErrCodeUnfulfilledSteps: {},
}

// IsNonRetriable reports whether err carries a non-retriable signal, either
// the explicit user wrapper or a structural engine violation.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	var noRetry *NoRetryError
	if stderrors.As(err, &noRetry) {
		return true
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		_, ok := nonRetriableCodes[ge.TextCode]
		return ok
	}
	return false
}

// RetryAfterDuration extracts an explicit retry delay from err, when present.
func RetryAfterDuration(err error) (time.Duration, bool) {
	var retryAt *RetryAtError
	if !stderrors.As(err, &retryAt) {
		return 0, false
	}
	d := time.Until(retryAt.At)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Retriability is the retry instruction attached to a rejected result.
// Allowed=false means never retry; a non-zero After means retry no sooner
// than that delay.
type Retriability struct {
	Allowed bool
	After   time.Duration
}

// Classify derives the retry instruction for err: non-retriable signals win,
// explicit retry-after delays are preserved, everything else defaults to an
// immediate retry being allowed.
func Classify(err error) Retriability {
	if IsNonRetriable(err) {
		return Retriability{Allowed: false}
	}
	if d, ok := RetryAfterDuration(err); ok {
		return Retriability{Allowed: true, After: d}
	}
	return Retriability{Allowed: true}
}

// MarshalJSON encodes the wire shape: false, true, or a duration string
// for delayed retries.
func (r Retriability) MarshalJSON() ([]byte, error) {
	if !r.Allowed {
		return []byte("false"), nil
	}
	if r.After > 0 {
		return []byte(fmt.Sprintf("%q", r.After.String())), nil
	}
	return []byte("true"), nil
}
