package stepflow

import (
	"encoding/json"
	"time"
)

// Event is the triggering payload for one function invocation.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"ts,omitempty"`
}

// Clone returns a copy with its own data map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Data = copyMap(e.Data)
	return &cp
}

// DataAs unmarshals the event data into out via its JSON shape.
func (e *Event) DataAs(out any) error {
	if e == nil || e.Data == nil {
		return nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// FunctionFailedEventName is the reserved trigger for failure handlers.
const FunctionFailedEventName = "stepflow/function.failed"

// FailureEvent reshapes the original trigger for a failure-path handler,
// exposing the deserialized error alongside the original event.
func FailureEvent(original *Event, funcID string, serr *SerializedError) *Event {
	data := map[string]any{
		"function_id": funcID,
	}
	if original != nil {
		data["event"] = original.Clone()
	}
	if serr != nil {
		data["error"] = map[string]any{
			"name":    serr.Name,
			"message": serr.Message,
			"stack":   serr.Stack,
		}
	}
	return &Event{
		Name:      FunctionFailedEventName,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
