package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflow "github.com/goliatone/go-stepflow"
	"github.com/goliatone/go-stepflow/future"
	"github.com/goliatone/go-stepflow/middleware"
	"github.com/goliatone/go-stepflow/ophash"
	"github.com/goliatone/go-stepflow/step"
)

func testEngine(opts ...Option) *Engine {
	base := []Option{
		WithBarrier(future.Barrier{Yields: 256, Pause: 5 * time.Millisecond}),
	}
	return New(append(base, opts...)...)
}

func testFunction(retries int, handler stepflow.Handler) *stepflow.Function {
	return &stepflow.Function{
		Slug:     "test/fn",
		Triggers: []stepflow.Trigger{{Event: "test/run"}},
		Config:   stepflow.FunctionConfig{Retries: retries},
		Handler:  handler,
	}
}

func hashed(t *testing.T, id string) string {
	t.Helper()
	h, err := ophash.Hash(ophash.Input{Op: string(stepflow.OpCodeStepRun), Name: id})
	require.NoError(t, err)
	return h
}

// drive plays the orchestrator: memoize every settled step and re-invoke
// until the function settles.
func drive(t *testing.T, e *Engine, fn *stepflow.Function) Result {
	t.Helper()

	state := stepflow.StepState{}
	var order []string
	attempt := 0

	memoize := func(op stepflow.OutgoingOp) {
		if op.Op == stepflow.OpCodeStepError {
			state[op.ID] = &stepflow.MemoizedStep{Error: op.Error}
		} else {
			state[op.ID] = &stepflow.MemoizedStep{Data: op.Data}
		}
		order = append(order, op.ID)
	}

	invoke := func(target string) Result {
		res, err := e.Execute(context.Background(), Request{
			Function:         fn,
			Event:            &stepflow.Event{Name: "test/run"},
			RunID:            "run-1",
			Attempt:          attempt,
			StepState:        state.Clone(),
			StepOrder:        append([]string{}, order...),
			RequestedRunStep: target,
		})
		require.NoError(t, err)
		return res
	}

	for i := 0; i < 30; i++ {
		switch r := invoke("").(type) {
		case StepRan:
			memoize(r.Step)
			if r.Step.Op == stepflow.OpCodeStepError && r.Retriability.Allowed {
				attempt++
			}
		case StepsFound:
			for _, op := range r.Steps {
				if op.Op != stepflow.OpCodeStepPlanned {
					// sleeps, waits, and invocations are fulfilled externally
					state[op.ID] = &stepflow.MemoizedStep{Data: json.RawMessage("null")}
					order = append(order, op.ID)
					continue
				}
				sub := invoke(op.ID)
				ran, ok := sub.(StepRan)
				require.True(t, ok, "targeted invocation should run the step, got %T", sub)
				memoize(ran.Step)
				if ran.Step.Op == stepflow.OpCodeStepError && ran.Retriability.Allowed {
					attempt++
				}
			}
		case FunctionResolved:
			return r
		case FunctionRejected:
			return r
		default:
			t.Fatalf("unexpected result %T", r)
		}
	}
	t.Fatal("run did not settle within 30 invocations")
	return nil
}

func TestPlainFunctionResolves(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return map[string]any{"hello": in.Event.Name}, nil
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn,
		Event:    &stepflow.Event{Name: "test/run"},
		RunID:    "run-1",
	})
	require.NoError(t, err)

	resolved, ok := res.(FunctionResolved)
	require.True(t, ok, "got %T", res)
	assert.JSONEq(t, `{"hello":"test/run"}`, string(resolved.Data))
}

func TestPlainFunctionRejectsRetriable(t *testing.T) {
	e := testEngine()
	fn := testFunction(2, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return nil, assertableErr("db unavailable")
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	rejected, ok := res.(FunctionRejected)
	require.True(t, ok, "got %T", res)
	assert.True(t, rejected.Retriability.Allowed)
	assert.Equal(t, "db unavailable", rejected.Error.Message)
}

func TestNoRetryErrorIsNotRetriable(t *testing.T) {
	e := testEngine()
	fn := testFunction(5, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return nil, stepflow.NoRetry(assertableErr("bad request"))
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	rejected, ok := res.(FunctionRejected)
	require.True(t, ok, "got %T", res)
	assert.False(t, rejected.Retriability.Allowed)
	assert.Equal(t, "NonRetriableError", rejected.Error.Name)
}

func TestSoleStepExecutesEarly(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		n, err := step.Run(ctx, "compute", func(ctx context.Context) (int, error) {
			return 41 + 1, nil
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	ran, ok := res.(StepRan)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, stepflow.OpCodeStepRun, ran.Step.Op)
	assert.Equal(t, hashed(t, "compute"), ran.Step.ID)
	assert.Equal(t, "compute", ran.Step.Name)
	assert.JSONEq(t, `42`, string(ran.Step.Data))
}

func TestV1ReportsInsteadOfExecutingEarly(t *testing.T) {
	e := testEngine(WithVersion(V1))
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "compute", func(ctx context.Context) (int, error) {
			return 42, nil
		})
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	found, ok := res.(StepsFound)
	require.True(t, ok, "got %T", res)
	require.Len(t, found.Steps, 1)
	assert.Equal(t, stepflow.OpCodeStepPlanned, found.Steps[0].Op)
	assert.Equal(t, hashed(t, "compute"), found.Steps[0].ID)
}

func TestDisableImmediateExecution(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "compute", func(ctx context.Context) (int, error) {
			return 42, nil
		})
	})
	fn.Config.DisableImmediateExecution = true

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	_, ok := res.(StepsFound)
	assert.True(t, ok, "got %T", res)
}

func TestSequentialStepsRunOnceAndReplay(t *testing.T) {
	e := testEngine()
	var firstRuns, secondRuns int

	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		a, err := step.Run(ctx, "first", func(ctx context.Context) (int, error) {
			firstRuns++
			return 10, nil
		})
		if err != nil {
			return nil, err
		}
		b, err := step.Run(ctx, "second", func(ctx context.Context) (int, error) {
			secondRuns++
			return a * 2, nil
		})
		if err != nil {
			return nil, err
		}
		return a + b, nil
	})

	res := drive(t, e, fn)
	resolved, ok := res.(FunctionResolved)
	require.True(t, ok, "got %T", res)
	assert.JSONEq(t, `30`, string(resolved.Data))
	assert.Equal(t, 1, firstRuns)
	assert.Equal(t, 1, secondRuns)
}

func TestParallelStepsAreReported(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		var wg sync.WaitGroup
		var a, b int
		wg.Add(2)
		go func() {
			defer wg.Done()
			a, _ = step.Run(ctx, "left", func(ctx context.Context) (int, error) { return 1, nil })
		}()
		go func() {
			defer wg.Done()
			b, _ = step.Run(ctx, "right", func(ctx context.Context) (int, error) { return 2, nil })
		}()
		wg.Wait()
		return a + b, nil
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	found, ok := res.(StepsFound)
	require.True(t, ok, "got %T", res)
	require.Len(t, found.Steps, 2)

	names := map[string]bool{}
	for _, op := range found.Steps {
		assert.Equal(t, stepflow.OpCodeStepPlanned, op.Op)
		names[op.Name] = true
	}
	assert.True(t, names["left"])
	assert.True(t, names["right"])

	full := drive(t, e, fn)
	resolved, ok := full.(FunctionResolved)
	require.True(t, ok, "got %T", full)
	assert.JSONEq(t, `3`, string(resolved.Data))
}

func TestStepErrorRetriesThenReplaysRejection(t *testing.T) {
	e := testEngine()
	attempts := 0

	fn := testFunction(1, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "flaky", func(ctx context.Context) (int, error) {
			attempts++
			return 0, assertableErr("still broken")
		})
	})

	res := drive(t, e, fn)
	rejected, ok := res.(FunctionRejected)
	require.True(t, ok, "got %T", res)
	assert.False(t, rejected.Retriability.Allowed)
	// one run on the first attempt, one on the retry; the final attempt
	// replays the memoized failure without running the body again
	assert.Equal(t, 2, attempts)
}

func TestStepErrorNoRetryStopsImmediately(t *testing.T) {
	e := testEngine()
	attempts := 0

	fn := testFunction(5, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "fatal", func(ctx context.Context) (int, error) {
			attempts++
			return 0, stepflow.NoRetry(assertableErr("unrecoverable"))
		})
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	ran, ok := res.(StepRan)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, stepflow.OpCodeStepError, ran.Step.Op)
	assert.False(t, ran.Retriability.Allowed)
	assert.Equal(t, 1, attempts)
}

func TestRetryAfterPropagatesDelay(t *testing.T) {
	e := testEngine()
	fn := testFunction(3, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "throttled", func(ctx context.Context) (int, error) {
			return 0, stepflow.RetryAfter(assertableErr("rate limited"), time.Hour)
		})
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	ran, ok := res.(StepRan)
	require.True(t, ok, "got %T", res)
	assert.True(t, ran.Retriability.Allowed)
	assert.InDelta(t, time.Hour, ran.Retriability.After, float64(time.Minute))
}

func TestSleepIsReportedNotSlept(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		if err := step.Sleep(ctx, "cool-down", time.Hour); err != nil {
			return nil, err
		}
		return "woke", nil
	})

	start := time.Now()
	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	found, ok := res.(StepsFound)
	require.True(t, ok, "got %T", res)
	require.Len(t, found.Steps, 1)
	assert.Equal(t, stepflow.OpCodeSleep, found.Steps[0].Op)
	assert.Equal(t, "1h0m0s", found.Steps[0].Opts["duration"])

	full := drive(t, e, fn)
	resolved, ok := full.(FunctionResolved)
	require.True(t, ok, "got %T", full)
	assert.JSONEq(t, `"woke"`, string(resolved.Data))
}

func TestNestedStepIsRejected(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "outer", func(inner context.Context) (int, error) {
			return step.Run(inner, "nested", func(ctx context.Context) (int, error) {
				return 1, nil
			})
		})
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	ran, ok := res.(StepRan)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, stepflow.OpCodeStepError, ran.Step.Op)
	assert.False(t, ran.Retriability.Allowed)
	assert.Equal(t, stepflow.ErrCodeNestedStep, ran.Step.Error.Name)
}

func TestStepPanicBecomesStepError(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "boom", func(ctx context.Context) (int, error) {
			panic("kaboom")
		})
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	ran, ok := res.(StepRan)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, stepflow.OpCodeStepError, ran.Step.Op)
	assert.Contains(t, ran.Step.Error.Message, "kaboom")
	assert.NotEmpty(t, ran.Step.Error.Stack)
}

func TestTargetedStepNotFound(t *testing.T) {
	e := testEngine(WithStepNotFoundTimeout(100 * time.Millisecond))
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "present", func(ctx context.Context) (int, error) {
			return 1, nil
		})
	})

	res, err := e.Execute(context.Background(), Request{
		Function:         fn,
		Event:            &stepflow.Event{Name: "test/run"},
		RunID:            "run-1",
		RequestedRunStep: "no-such-step",
	})
	require.NoError(t, err)

	nf, ok := res.(StepNotFound)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, "no-such-step", nf.Step)
	assert.Equal(t, stepflow.OpCodeStepNotFound, nf.Op.Op)
	require.Len(t, nf.Found, 1)
	assert.Equal(t, "present", nf.Found[0].Name)
}

func TestDuplicateStepIDsAreDisambiguated(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		var wg sync.WaitGroup
		var a, b int
		wg.Add(2)
		go func() {
			defer wg.Done()
			a, _ = step.Run(ctx, "same", func(ctx context.Context) (int, error) { return 1, nil })
		}()
		go func() {
			defer wg.Done()
			b, _ = step.Run(ctx, "same", func(ctx context.Context) (int, error) { return 2, nil })
		}()
		wg.Wait()
		return a + b, nil
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.NoError(t, err)

	found, ok := res.(StepsFound)
	require.True(t, ok, "got %T", res)
	require.Len(t, found.Steps, 2)
	assert.NotEqual(t, found.Steps[0].ID, found.Steps[1].ID)
}

func TestFunctionTimeoutAborts(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fn.Config.Timeout = 50 * time.Millisecond

	_, err := e.Execute(context.Background(), Request{
		Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
	})
	require.Error(t, err)
}

func TestTargetedStepNotFoundRunsLifecyclePhases(t *testing.T) {
	rec := &phaseRecorder{}
	e := testEngine(
		WithStepNotFoundTimeout(100*time.Millisecond),
		WithMiddleware(middleware.NewStack(rec)),
	)
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		return step.Run(ctx, "present", func(ctx context.Context) (int, error) {
			return 1, nil
		})
	})

	res, err := e.Execute(context.Background(), Request{
		Function:         fn,
		Event:            &stepflow.Event{Name: "test/run"},
		RunID:            "run-1",
		RequestedRunStep: "no-such-step",
	})
	require.NoError(t, err)
	_, ok := res.(StepNotFound)
	require.True(t, ok, "got %T", res)

	phases := rec.snapshot()
	require.NotEmpty(t, phases)
	assert.Contains(t, phases, "after-memoization")
	assert.Contains(t, phases, "before-execution")
	assert.Contains(t, phases, "after-execution")
	assert.Equal(t, "before-response", phases[len(phases)-1])
}

func TestReplayFollowsMemoizedCompletionOrder(t *testing.T) {
	e := testEngine()
	var mu sync.Mutex
	var settled []string

	// beta registers first, but memoized completion order says alpha
	// finished first and must replay first
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = step.Run(ctx, "beta", func(ctx context.Context) (int, error) { return 2, nil })
			mu.Lock()
			settled = append(settled, "beta")
			mu.Unlock()
		}()
		time.Sleep(10 * time.Millisecond)
		go func() {
			defer wg.Done()
			_, _ = step.Run(ctx, "alpha", func(ctx context.Context) (int, error) { return 1, nil })
			mu.Lock()
			settled = append(settled, "alpha")
			mu.Unlock()
		}()
		wg.Wait()
		return "done", nil
	})

	res, err := e.Execute(context.Background(), Request{
		Function: fn,
		Event:    &stepflow.Event{Name: "test/run"},
		RunID:    "run-1",
		StepState: stepflow.StepState{
			hashed(t, "alpha"): &stepflow.MemoizedStep{Data: json.RawMessage(`1`)},
			hashed(t, "beta"):  &stepflow.MemoizedStep{Data: json.RawMessage(`2`)},
		},
		StepOrder: []string{hashed(t, "alpha"), hashed(t, "beta")},
	})
	require.NoError(t, err)

	_, ok := res.(FunctionResolved)
	require.True(t, ok, "got %T", res)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alpha", "beta"}, settled)
}

func TestHandlerCatchesReplayedStepError(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		_, err := step.Run(ctx, "risky", func(ctx context.Context) (int, error) {
			return 0, nil
		})
		if err != nil {
			return map[string]any{"recovered": err.Error()}, nil
		}
		return nil, assertableErr("memoized failure should have replayed")
	})

	h := hashed(t, "risky")
	res, err := e.Execute(context.Background(), Request{
		Function: fn,
		Event:    &stepflow.Event{Name: "test/run"},
		RunID:    "run-1",
		StepState: stepflow.StepState{
			h: &stepflow.MemoizedStep{Error: stepflow.SerializeError(assertableErr("boom"))},
		},
		StepOrder: []string{h},
	})
	require.NoError(t, err)

	resolved, ok := res.(FunctionResolved)
	require.True(t, ok, "got %T", res)
	assert.Contains(t, string(resolved.Data), "boom")
}

func TestStepNotFoundDiagnosticIsCappedAndSorted(t *testing.T) {
	e := testEngine(WithStepNotFoundTimeout(150 * time.Millisecond))
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = step.Run(ctx, fmt.Sprintf("step-%02d", i), func(ctx context.Context) (int, error) {
					return i, nil
				})
			}()
		}
		wg.Wait()
		return "done", nil
	})

	res, err := e.Execute(context.Background(), Request{
		Function:         fn,
		Event:            &stepflow.Event{Name: "test/run"},
		RunID:            "run-1",
		RequestedRunStep: "missing",
	})
	require.NoError(t, err)

	nf, ok := res.(StepNotFound)
	require.True(t, ok, "got %T", res)
	require.Len(t, nf.Found, 25)
	for i := 1; i < len(nf.Found); i++ {
		assert.Less(t, nf.Found[i-1].ID, nf.Found[i].ID)
	}
}

func TestErrorShapedStepDataStaysData(t *testing.T) {
	e := testEngine()
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		v, err := step.Run(ctx, "lookup", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"name": "Error", "message": "looks like a failure"}, nil
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	res := drive(t, e, fn)
	resolved, ok := res.(FunctionResolved)
	require.True(t, ok, "got %T", res)
	assert.JSONEq(t, `{"name":"Error","message":"looks like a failure"}`, string(resolved.Data))
}

func TestWarnsWhenNewStepsArriveBeforeReplayFinishes(t *testing.T) {
	buf := &bytes.Buffer{}
	e := testEngine(WithLogger(stepflow.NewFmtLogger(buf)))
	fn := testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
		var wg sync.WaitGroup
		var a, b int
		wg.Add(2)
		go func() {
			defer wg.Done()
			a, _ = step.Run(ctx, "left", func(ctx context.Context) (int, error) { return 1, nil })
		}()
		go func() {
			defer wg.Done()
			b, _ = step.Run(ctx, "right", func(ctx context.Context) (int, error) { return 2, nil })
		}()
		wg.Wait()
		return a + b, nil
	})

	stale := "ffffffffffffffffffffffffffffffffffffffff"
	res, err := e.Execute(context.Background(), Request{
		Function: fn,
		Event:    &stepflow.Event{Name: "test/run"},
		RunID:    "run-1",
		StepState: stepflow.StepState{
			stale: &stepflow.MemoizedStep{Data: json.RawMessage(`1`)},
		},
		StepOrder: []string{stale},
	})
	require.NoError(t, err)

	_, ok := res.(StepsFound)
	require.True(t, ok, "got %T", res)
	assert.Contains(t, buf.String(), "remain unreplayed")
}

func TestSleepOptionsDistinguishStepIdentity(t *testing.T) {
	e := testEngine()
	sleeper := func(d time.Duration) *stepflow.Function {
		return testFunction(0, func(ctx context.Context, in *stepflow.Input) (any, error) {
			if err := step.Sleep(ctx, "pause", d); err != nil {
				return nil, err
			}
			return "ok", nil
		})
	}

	idFor := func(fn *stepflow.Function) string {
		res, err := e.Execute(context.Background(), Request{
			Function: fn, Event: &stepflow.Event{Name: "test/run"}, RunID: "run-1",
		})
		require.NoError(t, err)
		found, ok := res.(StepsFound)
		require.True(t, ok, "got %T", res)
		require.Len(t, found.Steps, 1)
		return found.Steps[0].ID
	}

	assert.NotEqual(t, idFor(sleeper(time.Minute)), idFor(sleeper(time.Hour)))
}

// phaseRecorder captures which lifecycle hooks fired, in order.
type phaseRecorder struct {
	middleware.Base
	mu     sync.Mutex
	phases []string
}

func (r *phaseRecorder) record(name string) {
	r.mu.Lock()
	r.phases = append(r.phases, name)
	r.mu.Unlock()
}

func (r *phaseRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.phases...)
}

func (r *phaseRecorder) TransformInput(cc *middleware.CallContext, in *middleware.TransformableInput) {
	r.record("transform-input")
}
func (r *phaseRecorder) BeforeMemoization(cc *middleware.CallContext) { r.record("before-memoization") }
func (r *phaseRecorder) AfterMemoization(cc *middleware.CallContext)  { r.record("after-memoization") }
func (r *phaseRecorder) BeforeExecution(cc *middleware.CallContext)   { r.record("before-execution") }
func (r *phaseRecorder) AfterExecution(cc *middleware.CallContext)    { r.record("after-execution") }
func (r *phaseRecorder) BeforeResponse(cc *middleware.CallContext)    { r.record("before-response") }

// assertableErr gives tests a plain error without pulling in extra deps.
type assertableErr string

func (e assertableErr) Error() string { return string(e) }
