package step

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflow "github.com/goliatone/go-stepflow"
)

type fakeAwaiter struct {
	raw json.RawMessage
	err error
}

func (a fakeAwaiter) Await(ctx context.Context) (json.RawMessage, error) {
	return a.raw, a.err
}

// fakeController fulfills every registered op from a canned response and, when
// a body is present, runs it inline first.
type fakeController struct {
	registered []stepflow.UnhashedOp
	sent       []*stepflow.Event
	response   json.RawMessage
	runBodies  bool
}

func (c *fakeController) RegisterStep(ctx context.Context, op stepflow.UnhashedOp, body BodyFunc) (Awaiter, error) {
	c.registered = append(c.registered, op)
	if c.runBodies && body != nil {
		raw, err := body(MarkInsideBody(ctx))
		return fakeAwaiter{raw: raw, err: err}, nil
	}
	return fakeAwaiter{raw: c.response}, nil
}

func (c *fakeController) SendEvent(ctx context.Context, evt *stepflow.Event) error {
	c.sent = append(c.sent, evt)
	return nil
}

func TestRunExecutesBodyAndDecodes(t *testing.T) {
	c := &fakeController{runBodies: true}
	ctx := WithController(context.Background(), c)

	got, err := Run(ctx, "double", func(ctx context.Context) (int, error) {
		return 21 * 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	require.Len(t, c.registered, 1)
	assert.Equal(t, stepflow.OpCodeStepRun, c.registered[0].Op)
	assert.Equal(t, "double", c.registered[0].ID)
}

func TestRunDecodesMemoizedValue(t *testing.T) {
	c := &fakeController{response: json.RawMessage(`{"total": 7}`)}
	ctx := WithController(context.Background(), c)

	type out struct {
		Total int `json:"total"`
	}
	got, err := Run(ctx, "load", func(ctx context.Context) (out, error) {
		t.Fatal("body must not run when the controller replays a value")
		return out{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got.Total)
}

func TestRunOutsideRunFails(t *testing.T) {
	_, err := Run(context.Background(), "x", func(ctx context.Context) (int, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrOutsideRun)
}

func TestNestedStepToolingFails(t *testing.T) {
	c := &fakeController{runBodies: true}
	ctx := WithController(context.Background(), c)

	_, err := Run(ctx, "outer", func(inner context.Context) (int, error) {
		return Run(inner, "inner", func(ctx context.Context) (int, error) {
			return 1, nil
		})
	})
	assert.ErrorIs(t, err, stepflow.ErrNestedStep)
}

func TestSleepRegistersDuration(t *testing.T) {
	c := &fakeController{response: json.RawMessage(`null`)}
	ctx := WithController(context.Background(), c)

	require.NoError(t, Sleep(ctx, "pause", 90*time.Second))

	require.Len(t, c.registered, 1)
	op := c.registered[0]
	assert.Equal(t, stepflow.OpCodeSleep, op.Op)
	assert.Equal(t, "1m30s", op.Opts["duration"])
}

func TestSleepUntilRegistersDeadline(t *testing.T) {
	c := &fakeController{response: json.RawMessage(`null`)}
	ctx := WithController(context.Background(), c)

	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, SleepUntil(ctx, "deadline", at))

	require.Len(t, c.registered, 1)
	assert.Equal(t, "2026-09-01T12:00:00Z", c.registered[0].Opts["until"])
}

func TestWaitForEventTimeoutReturnsNil(t *testing.T) {
	c := &fakeController{response: json.RawMessage(`null`)}
	ctx := WithController(context.Background(), c)

	evt, err := WaitForEvent(ctx, "approval", "app/approved", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestWaitForEventDecodesEvent(t *testing.T) {
	c := &fakeController{response: json.RawMessage(`{"name":"app/approved","data":{"ok":true}}`)}
	ctx := WithController(context.Background(), c)

	evt, err := WaitForEvent(ctx, "approval", "app/approved", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, "app/approved", evt.Name)
	assert.Equal(t, true, evt.Data["ok"])
}

func TestInvokeRegistersTarget(t *testing.T) {
	c := &fakeController{response: json.RawMessage(`"done"`)}
	ctx := WithController(context.Background(), c)

	got, err := Invoke[string](ctx, "call-billing", "billing/charge", map[string]any{"amount": 100})
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	require.Len(t, c.registered, 1)
	op := c.registered[0]
	assert.Equal(t, stepflow.OpCodeInvoke, op.Op)
	assert.Equal(t, "billing/charge", op.Opts["function_id"])
}

func TestSendEventGoesThroughController(t *testing.T) {
	c := &fakeController{runBodies: true}
	ctx := WithController(context.Background(), c)

	err := SendEvent(ctx, "notify", &stepflow.Event{Name: "user/welcomed"})
	require.NoError(t, err)
	require.Len(t, c.sent, 1)
	assert.Equal(t, "user/welcomed", c.sent[0].Name)
}
