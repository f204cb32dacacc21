package step

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	errors "github.com/goliatone/go-errors"
	stepflow "github.com/goliatone/go-stepflow"
)

// Run executes body at most once for the life of the run and returns its
// memoized result on replay. id must be stable across code releases.
func Run[T any](ctx context.Context, id string, body func(ctx context.Context) (T, error)) (T, error) {
	return RunAs(ctx, id, "", body)
}

// RunAs is Run with a separate display name for dashboards and logs.
func RunAs[T any](ctx context.Context, id, name string, body func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	c, err := controller(ctx)
	if err != nil {
		return zero, err
	}

	wrapped := func(bctx context.Context) (json.RawMessage, error) {
		out, err := body(bctx)
		if err != nil {
			return nil, err
		}
		raw, merr := json.Marshal(out)
		if merr != nil {
			return nil, errors.Wrap(merr, errors.CategoryOperation, "step result is not serializable").
				WithTextCode("STEP_RESULT_NOT_SERIALIZABLE").
				WithMetadata(map[string]any{"step": id})
		}
		return raw, nil
	}

	aw, err := c.RegisterStep(ctx, stepflow.UnhashedOp{
		Op:   stepflow.OpCodeStepRun,
		ID:   id,
		Name: name,
	}, wrapped)
	if err != nil {
		return zero, err
	}

	raw, err := aw.Await(ctx)
	if err != nil {
		return zero, err
	}
	return decode[T](raw)
}

// Sleep pauses the run durably for at least d. The process does not block
// for the duration; the run is resumed by the orchestrator.
func Sleep(ctx context.Context, id string, d time.Duration) error {
	c, err := controller(ctx)
	if err != nil {
		return err
	}
	aw, err := c.RegisterStep(ctx, stepflow.UnhashedOp{
		Op:   stepflow.OpCodeSleep,
		ID:   id,
		Opts: map[string]any{"duration": d.String()},
	}, nil)
	if err != nil {
		return err
	}
	_, err = aw.Await(ctx)
	return err
}

// SleepUntil pauses the run durably until t.
func SleepUntil(ctx context.Context, id string, t time.Time) error {
	c, err := controller(ctx)
	if err != nil {
		return err
	}
	aw, err := c.RegisterStep(ctx, stepflow.UnhashedOp{
		Op:   stepflow.OpCodeSleep,
		ID:   id,
		Opts: map[string]any{"until": t.UTC().Format(time.RFC3339)},
	}, nil)
	if err != nil {
		return err
	}
	_, err = aw.Await(ctx)
	return err
}

// WaitForEvent pauses the run until an event with the given name arrives or
// the timeout elapses. A nil event with a nil error means the wait timed out.
func WaitForEvent(ctx context.Context, id, eventName string, timeout time.Duration) (*stepflow.Event, error) {
	c, err := controller(ctx)
	if err != nil {
		return nil, err
	}
	aw, err := c.RegisterStep(ctx, stepflow.UnhashedOp{
		Op: stepflow.OpCodeWaitForEvent,
		ID: id,
		Opts: map[string]any{
			"event":   eventName,
			"timeout": timeout.String(),
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	raw, err := aw.Await(ctx)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var evt stepflow.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, errors.Wrap(err, errors.CategoryOperation, "memoized wait result is not an event").
			WithTextCode("STEP_RESULT_NOT_SERIALIZABLE").
			WithMetadata(map[string]any{"step": id})
	}
	return &evt, nil
}

// Invoke calls another registered function and returns its result.
func Invoke[T any](ctx context.Context, id, functionSlug string, data map[string]any) (T, error) {
	var zero T
	c, err := controller(ctx)
	if err != nil {
		return zero, err
	}
	aw, err := c.RegisterStep(ctx, stepflow.UnhashedOp{
		Op: stepflow.OpCodeInvoke,
		ID: id,
		Opts: map[string]any{
			"function_id": functionSlug,
			"payload":     data,
		},
	}, nil)
	if err != nil {
		return zero, err
	}

	raw, err := aw.Await(ctx)
	if err != nil {
		return zero, err
	}
	return decode[T](raw)
}

// SendEvent publishes events exactly once via a memoized step.
func SendEvent(ctx context.Context, id string, events ...*stepflow.Event) error {
	c, err := controller(ctx)
	if err != nil {
		return err
	}

	body := func(bctx context.Context) (json.RawMessage, error) {
		for _, evt := range events {
			if evt == nil {
				continue
			}
			if err := c.SendEvent(bctx, evt); err != nil {
				return nil, err
			}
		}
		return json.Marshal(len(events))
	}

	aw, err := c.RegisterStep(ctx, stepflow.UnhashedOp{
		Op:   stepflow.OpCodeStepRun,
		ID:   id,
		Name: "send-event",
	}, body)
	if err != nil {
		return err
	}
	_, err = aw.Await(ctx)
	return err
}

func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if isNull(raw) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Wrap(err, errors.CategoryOperation, "memoized step result does not match expected type").
			WithTextCode("STEP_RESULT_TYPE_MISMATCH")
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
