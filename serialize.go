package stepflow

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	errors "github.com/goliatone/go-errors"
)

// serializedMarker distinguishes engine-serialized errors from arbitrary
// user data that merely looks error-shaped. Only an exact marker match is
// treated as a serialized error on replay.
const serializedMarker = "stepflow.serialized.error"

// SerializedError is the transport-safe shape of an error, with recursive
// cause chains.
type SerializedError struct {
	Name    string           `json:"name"`
	Message string           `json:"message"`
	Stack   string           `json:"stack,omitempty"`
	Cause   *SerializedError `json:"cause,omitempty"`
	Marker  string           `json:"__serialized"`
}

// SerializeError flattens err into its transport shape. Classified errors
// keep their text code as the name; cause chains are preserved.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}

	out := &SerializedError{
		Name:    "Error",
		Message: err.Error(),
		Marker:  serializedMarker,
	}

	var ge *errors.Error
	if stderrors.As(err, &ge) && ge.TextCode != "" {
		out.Name = ge.TextCode
	}
	var noRetry *NoRetryError
	if stderrors.As(err, &noRetry) {
		out.Name = "NonRetriableError"
	}
	var panicked *PanicError
	if stderrors.As(err, &panicked) {
		out.Stack = string(panicked.Stack)
	}

	if cause := stderrors.Unwrap(err); cause != nil && cause.Error() != err.Error() {
		out.Cause = SerializeError(cause)
	}
	return out
}

// NonRetriable reports whether the serialized failure must not be retried,
// either because the user marked it or because it is a structural violation.
func (se *SerializedError) NonRetriable() bool {
	if se == nil {
		return false
	}
	if se.Name == "NonRetriableError" {
		return true
	}
	_, ok := nonRetriableCodes[se.Name]
	return ok
}

// DeserializeError rebuilds a usable error from its serialized shape so it
// can be re-thrown at the step's await point.
func DeserializeError(se *SerializedError) error {
	if se == nil {
		return nil
	}
	replayed := &ReplayedError{
		Name:    se.Name,
		Message: se.Message,
		Stack:   se.Stack,
	}
	if se.Cause != nil {
		replayed.Cause = DeserializeError(se.Cause)
	}
	return replayed
}

// IsSerializedError reports whether raw is an engine-serialized error, as
// opposed to user data that happens to carry name/message fields.
func IsSerializedError(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var probe struct {
		Marker string `json:"__serialized"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Marker == serializedMarker
}

// ReplayedError is an error rebuilt from memoized state. It surfaces at the
// step's await point exactly like the original failure did.
type ReplayedError struct {
	Name    string
	Message string
	Stack   string
	Cause   error
}

func (e *ReplayedError) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

func (e *ReplayedError) Unwrap() error { return e.Cause }
