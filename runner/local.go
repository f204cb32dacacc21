// Package runner drives durable functions to completion. Local is a
// single-process orchestrator: it invokes the execution engine in a loop,
// memoizes settled steps, services sleeps and event waits, and schedules
// retries with pluggable backoff.
package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	errors "github.com/goliatone/go-errors"
	stepflow "github.com/goliatone/go-stepflow"
	"github.com/goliatone/go-stepflow/execution"
	"github.com/goliatone/go-stepflow/middleware"
	"github.com/goliatone/go-stepflow/store"
	"github.com/google/uuid"
)

// Local orchestrates runs inside one process.
type Local struct {
	registry *stepflow.Registry
	engine   *execution.Engine
	store    store.Store
	logger   stepflow.Logger
	retry    RetryStrategy
	control  Control

	mu      sync.Mutex
	waiters map[string][]chan *stepflow.Event
	active  map[string]struct{}
	wg      sync.WaitGroup
}

func NewLocal(registry *stepflow.Registry, opts ...Option) *Local {
	l := &Local{
		registry: registry,
		store:    store.NewMemory(),
		retry:    ExponentialBackoffStrategy{Base: 250 * time.Millisecond, Factor: 2, Max: 30 * time.Second},
		control:  noopControl{},
		waiters:  make(map[string][]chan *stepflow.Event),
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = stepflow.NormalizeLogger(l.logger)
	if l.engine == nil {
		l.engine = execution.New(
			execution.WithLogger(l.logger),
			execution.WithMiddleware(middleware.NewStack(middleware.NewLogging(l.logger))),
			execution.WithEventSender(l.publish),
		)
	}
	if registry != nil {
		registry.SetInvoker(l.Invoke)
	}
	return l
}

// Invoke starts a new run of fn triggered by evt and drives it to
// completion, blocking through sleeps, waits, and retries. It returns the
// function's result or its terminal error.
func (l *Local) Invoke(ctx context.Context, fn *stepflow.Function, evt *stepflow.Event) (json.RawMessage, error) {
	if fn == nil {
		return nil, errors.New("cannot invoke a nil function", errors.CategoryBadInput).
			WithTextCode(stepflow.ErrCodeInvalidFunction)
	}
	evt = normalizeEvent(evt)

	rec := &store.RunRecord{
		ID:           uuid.NewString(),
		FunctionSlug: fn.Slug,
		Status:       store.StatusRunning,
		Event:        evt,
		Steps:        stepflow.StepState{},
	}
	if err := l.store.SaveRun(ctx, rec); err != nil {
		return nil, err
	}
	return l.drive(ctx, fn, rec)
}

// TriggerEvent fans evt out: waiting runs are resumed and every function
// triggered by the event starts a new run in the background. Use Wait to
// drain background runs before shutdown.
func (l *Local) TriggerEvent(ctx context.Context, evt *stepflow.Event) {
	evt = normalizeEvent(evt)

	l.deliverToWaiters(evt)
	l.resumeParkedWaiters(ctx, evt)

	if l.registry == nil {
		return
	}
	for _, fn := range l.registry.ForEvent(evt.Name) {
		fn := fn
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if _, err := l.Invoke(context.WithoutCancel(ctx), fn, evt.Clone()); err != nil {
				l.logger.Error("run of %s for event %s failed: %v", fn.Slug, evt.Name, err)
			}
		}()
	}
}

// Wait blocks until all background runs started by TriggerEvent finish.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Recover resumes runs left behind by a previous process: in-flight runs
// re-execute from their memoized state, due sleepers wake immediately, and
// parked runs are re-subscribed to their timers and events.
func (l *Local) Recover(ctx context.Context) error {
	running, err := l.store.ListRuns(ctx, store.StatusRunning)
	if err != nil {
		return err
	}
	sleeping, err := l.store.ListRuns(ctx, store.StatusSleeping)
	if err != nil {
		return err
	}
	waiting, err := l.store.ListRuns(ctx, store.StatusWaiting)
	if err != nil {
		return err
	}

	due, err := l.store.DueSleepers(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	dueIDs := make(map[string]struct{}, len(due))
	for _, rec := range due {
		dueIDs[rec.ID] = struct{}{}
	}

	for _, rec := range running {
		l.resumeInBackground(ctx, rec, func(ctx context.Context, fn *stepflow.Function, rec *store.RunRecord) error {
			_, err := l.drive(ctx, fn, rec)
			return err
		})
	}
	for _, rec := range sleeping {
		rec := rec
		_, isDue := dueIDs[rec.ID]
		l.resumeInBackground(ctx, rec, func(ctx context.Context, fn *stepflow.Function, rec *store.RunRecord) error {
			if !isDue && rec.WakeAt != nil {
				if err := sleepUntil(ctx, *rec.WakeAt); err != nil {
					return err
				}
			}
			if err := l.fulfillParked(ctx, rec, json.RawMessage("null")); err != nil {
				return err
			}
			_, err := l.drive(ctx, fn, rec)
			return err
		})
	}
	for _, rec := range waiting {
		l.resumeInBackground(ctx, rec, func(ctx context.Context, fn *stepflow.Function, rec *store.RunRecord) error {
			if err := l.awaitParkedEvent(ctx, rec); err != nil {
				return err
			}
			_, err := l.drive(ctx, fn, rec)
			return err
		})
	}
	return nil
}

func (l *Local) resumeInBackground(ctx context.Context, rec *store.RunRecord, resume func(context.Context, *stepflow.Function, *store.RunRecord) error) {
	fn, ok := l.registry.Lookup(rec.FunctionSlug)
	if !ok {
		l.logger.Error("cannot recover run %s: function %s is not registered", rec.ID, rec.FunctionSlug)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := resume(context.WithoutCancel(ctx), fn, rec); err != nil {
			l.logger.Error("recovered run %s failed: %v", rec.ID, err)
		}
	}()
}

// drive is the orchestration loop for one run.
func (l *Local) drive(ctx context.Context, fn *stepflow.Function, rec *store.RunRecord) (json.RawMessage, error) {
	l.markActive(rec.ID)
	defer l.unmarkActive(rec.ID)

	for {
		if err := l.control.WaitIfPaused(ctx); err != nil {
			return nil, err
		}

		res, err := l.execute(ctx, fn, rec, "")
		if err != nil {
			l.failRun(ctx, fn, rec, stepflow.SerializeError(err))
			return nil, err
		}

		switch r := res.(type) {
		case execution.StepRan:
			if err := l.recordStep(ctx, rec, fn, r); err != nil {
				return nil, err
			}

		case execution.StepsFound:
			for _, op := range r.Steps {
				if err := l.serviceOp(ctx, fn, rec, op); err != nil {
					l.failRun(ctx, fn, rec, stepflow.SerializeError(err))
					return nil, err
				}
			}

		case execution.FunctionResolved:
			rec.Status = store.StatusCompleted
			rec.Output = r.Data
			if err := l.store.SaveRun(ctx, rec); err != nil {
				return nil, err
			}
			return r.Data, nil

		case execution.FunctionRejected:
			if r.Retriability.Allowed && rec.Attempt+1 < fn.Config.MaxAttempts() {
				if err := l.backoff(ctx, rec, r.Retriability.After); err != nil {
					return nil, err
				}
				continue
			}
			l.failRun(ctx, fn, rec, r.Error)
			return nil, stepflow.DeserializeError(r.Error)

		case execution.StepNotFound:
			err := errors.Wrap(stepflow.ErrUnknownStep, errors.CategoryConflict, "run state diverged from function code").
				WithMetadata(map[string]any{"run_id": rec.ID, "step": r.Step})
			l.failRun(ctx, fn, rec, stepflow.SerializeError(err))
			return nil, err

		default:
			return nil, errors.New("unexpected execution result", errors.CategoryOperation).
				WithMetadata(map[string]any{"run_id": rec.ID})
		}
	}
}

func (l *Local) execute(ctx context.Context, fn *stepflow.Function, rec *store.RunRecord, target string) (execution.Result, error) {
	return l.engine.Execute(ctx, execution.Request{
		Function:         fn,
		Event:            rec.Event,
		Events:           rec.Events,
		RunID:            rec.ID,
		Attempt:          rec.Attempt,
		StepState:        rec.Steps.Clone(),
		StepOrder:        append([]string{}, rec.StepOrder...),
		RequestedRunStep: target,
	})
}

// recordStep memoizes a settled step and applies retry accounting for
// failed ones.
func (l *Local) recordStep(ctx context.Context, rec *store.RunRecord, fn *stepflow.Function, r execution.StepRan) error {
	memo := &stepflow.MemoizedStep{}
	if r.Step.Op == stepflow.OpCodeStepError {
		memo.Error = r.Step.Error
	} else {
		memo.Data = r.Step.Data
	}
	rec.Steps[r.Step.ID] = memo
	rec.StepOrder = append(rec.StepOrder, r.Step.ID)

	if r.Step.Op == stepflow.OpCodeStepError && r.Retriability.Allowed && rec.Attempt+1 < fn.Config.MaxAttempts() {
		if err := l.backoff(ctx, rec, r.Retriability.After); err != nil {
			return err
		}
		return nil
	}
	return l.store.SaveRun(ctx, rec)
}

// backoff sleeps before the next attempt and bumps the attempt counter.
func (l *Local) backoff(ctx context.Context, rec *store.RunRecord, floor time.Duration) error {
	delay := l.retry.SleepDuration(rec.Attempt, nil)
	if floor > delay {
		delay = floor
	}
	if err := sleepFor(ctx, delay); err != nil {
		return err
	}
	rec.Attempt++
	return l.store.SaveRun(ctx, rec)
}

// serviceOp fulfills one discovered operation.
func (l *Local) serviceOp(ctx context.Context, fn *stepflow.Function, rec *store.RunRecord, op stepflow.OutgoingOp) error {
	switch op.Op {
	case stepflow.OpCodeStepPlanned:
		res, err := l.execute(ctx, fn, rec, op.ID)
		if err != nil {
			return err
		}
		ran, ok := res.(execution.StepRan)
		if !ok {
			return errors.Wrap(stepflow.ErrUnknownStep, errors.CategoryConflict, "planned step did not execute").
				WithMetadata(map[string]any{"run_id": rec.ID, "step": op.ID})
		}
		return l.recordStep(ctx, rec, fn, ran)

	case stepflow.OpCodeSleep:
		return l.serviceSleep(ctx, rec, op)

	case stepflow.OpCodeWaitForEvent:
		return l.serviceWait(ctx, rec, op)

	case stepflow.OpCodeInvoke:
		return l.serviceInvoke(ctx, rec, op)
	}

	return errors.New("cannot service discovered operation", errors.CategoryOperation).
		WithTextCode(stepflow.ErrCodeUnknownStep).
		WithMetadata(map[string]any{"run_id": rec.ID, "op": string(op.Op), "step": op.ID})
}

func (l *Local) serviceSleep(ctx context.Context, rec *store.RunRecord, op stepflow.OutgoingOp) error {
	wake, err := sleepDeadline(op.Opts)
	if err != nil {
		return err
	}

	rec.Status = store.StatusSleeping
	rec.PendingStepID = op.ID
	rec.WakeAt = &wake
	if err := l.store.SaveRun(ctx, rec); err != nil {
		return err
	}

	if err := sleepUntil(ctx, wake); err != nil {
		return err
	}
	return l.fulfillParked(ctx, rec, json.RawMessage("null"))
}

func (l *Local) serviceWait(ctx context.Context, rec *store.RunRecord, op stepflow.OutgoingOp) error {
	eventName := optString(op.Opts, "event")
	if eventName == "" {
		return errors.New("wait op is missing its event name", errors.CategoryBadInput).
			WithMetadata(map[string]any{"run_id": rec.ID, "step": op.ID})
	}
	timeout, err := time.ParseDuration(optString(op.Opts, "timeout"))
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "wait op has an invalid timeout").
			WithMetadata(map[string]any{"run_id": rec.ID, "step": op.ID})
	}

	deadline := time.Now().UTC().Add(timeout)
	rec.Status = store.StatusWaiting
	rec.PendingStepID = op.ID
	rec.WaitEvent = eventName
	rec.WaitDeadline = &deadline
	if err := l.store.SaveRun(ctx, rec); err != nil {
		return err
	}

	return l.awaitParkedEvent(ctx, rec)
}

// awaitParkedEvent blocks until the awaited event arrives or the deadline
// passes, then fulfills the parked step.
func (l *Local) awaitParkedEvent(ctx context.Context, rec *store.RunRecord) error {
	ch := l.subscribe(rec.WaitEvent)
	defer l.unsubscribe(rec.WaitEvent, ch)

	deadline := time.Now().UTC().Add(time.Hour)
	if rec.WaitDeadline != nil {
		deadline = *rec.WaitDeadline
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case evt := <-ch:
		raw, err := json.Marshal(evt)
		if err != nil {
			return errors.Wrap(err, errors.CategoryOperation, "matched event is not serializable").
				WithMetadata(map[string]any{"run_id": rec.ID})
		}
		return l.fulfillParked(ctx, rec, raw)
	case <-timer.C:
		// a timed-out wait memoizes null, surfacing as a nil event
		return l.fulfillParked(ctx, rec, json.RawMessage("null"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) serviceInvoke(ctx context.Context, rec *store.RunRecord, op stepflow.OutgoingOp) error {
	slug := optString(op.Opts, "function_id")
	target, ok := l.registry.Lookup(slug)
	if !ok {
		return errors.New("invoked function is not registered", errors.CategoryNotFound).
			WithTextCode("FUNCTION_NOT_FOUND").
			WithMetadata(map[string]any{"run_id": rec.ID, "function": slug})
	}

	var payload map[string]any
	if p, ok := op.Opts["payload"].(map[string]any); ok {
		payload = p
	}

	data, err := l.Invoke(ctx, target, &stepflow.Event{
		Name: "stepflow/function.invoked",
		Data: payload,
	})

	memo := &stepflow.MemoizedStep{}
	if err != nil {
		memo.Error = stepflow.SerializeError(err)
	} else {
		memo.Data = data
	}
	rec.Steps[op.ID] = memo
	rec.StepOrder = append(rec.StepOrder, op.ID)
	return l.store.SaveRun(ctx, rec)
}

// fulfillParked memoizes the outcome of the parked sleep or wait and puts
// the run back in the running state.
func (l *Local) fulfillParked(ctx context.Context, rec *store.RunRecord, data json.RawMessage) error {
	if rec.PendingStepID != "" {
		rec.Steps[rec.PendingStepID] = &stepflow.MemoizedStep{Data: data}
		rec.StepOrder = append(rec.StepOrder, rec.PendingStepID)
	}
	rec.Status = store.StatusRunning
	rec.PendingStepID = ""
	rec.WakeAt = nil
	rec.WaitEvent = ""
	rec.WaitDeadline = nil
	return l.store.SaveRun(ctx, rec)
}

// failRun marks the run failed and fires the function's failure handler.
func (l *Local) failRun(ctx context.Context, fn *stepflow.Function, rec *store.RunRecord, serr *stepflow.SerializedError) {
	rec.Status = store.StatusFailed
	rec.Error = serr
	if err := l.store.SaveRun(ctx, rec); err != nil {
		l.logger.Error("cannot persist failed run %s: %v", rec.ID, err)
	}

	if fn == nil || fn.OnFailure == nil {
		return
	}
	failure := stepflow.FailureEvent(rec.Event, fn.Slug, serr)
	if _, err := fn.OnFailure(ctx, &stepflow.Input{
		Event:   failure,
		Events:  []*stepflow.Event{failure},
		RunID:   rec.ID,
		Attempt: rec.Attempt,
	}); err != nil {
		l.logger.Error("failure handler for %s errored: %v", fn.Slug, err)
	}
}

// publish is the engine's event sender: events published from step bodies
// fan out exactly like externally triggered ones.
func (l *Local) publish(ctx context.Context, evt *stepflow.Event) error {
	l.TriggerEvent(ctx, evt)
	return nil
}

func (l *Local) subscribe(eventName string) chan *stepflow.Event {
	ch := make(chan *stepflow.Event, 1)
	l.mu.Lock()
	l.waiters[eventName] = append(l.waiters[eventName], ch)
	l.mu.Unlock()
	return ch
}

func (l *Local) unsubscribe(eventName string, ch chan *stepflow.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chans := l.waiters[eventName]
	for i, c := range chans {
		if c == ch {
			l.waiters[eventName] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(l.waiters[eventName]) == 0 {
		delete(l.waiters, eventName)
	}
}

func (l *Local) deliverToWaiters(evt *stepflow.Event) {
	l.mu.Lock()
	chans := append([]chan *stepflow.Event{}, l.waiters[evt.Name]...)
	l.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- evt.Clone():
		default:
		}
	}
}

// resumeParkedWaiters services persisted waiting runs that have no live
// subscription, e.g. after a restart without Recover.
func (l *Local) resumeParkedWaiters(ctx context.Context, evt *stepflow.Event) {
	recs, err := l.store.Waiters(ctx, evt.Name)
	if err != nil {
		l.logger.Error("cannot query waiting runs for %s: %v", evt.Name, err)
		return
	}
	for _, rec := range recs {
		if l.isActive(rec.ID) {
			continue
		}
		fn, ok := l.registry.Lookup(rec.FunctionSlug)
		if !ok {
			l.logger.Error("cannot resume run %s: function %s is not registered", rec.ID, rec.FunctionSlug)
			continue
		}
		raw, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := l.fulfillParked(ctx, rec, raw); err != nil {
			l.logger.Error("cannot fulfill waiting run %s: %v", rec.ID, err)
			continue
		}
		rec := rec
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if _, err := l.drive(context.WithoutCancel(ctx), fn, rec); err != nil {
				l.logger.Error("resumed run %s failed: %v", rec.ID, err)
			}
		}()
	}
}

func (l *Local) markActive(id string) {
	l.mu.Lock()
	l.active[id] = struct{}{}
	l.mu.Unlock()
}

func (l *Local) unmarkActive(id string) {
	l.mu.Lock()
	delete(l.active, id)
	l.mu.Unlock()
}

func (l *Local) isActive(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[id]
	return ok
}

func normalizeEvent(evt *stepflow.Event) *stepflow.Event {
	if evt == nil {
		evt = &stepflow.Event{Name: "stepflow/manual"}
	} else {
		evt = evt.Clone()
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

func sleepDeadline(opts map[string]any) (time.Time, error) {
	if until := optString(opts, "until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return time.Time{}, errors.Wrap(err, errors.CategoryBadInput, "sleep op has an invalid deadline")
		}
		return t, nil
	}
	d, err := time.ParseDuration(optString(opts, "duration"))
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.CategoryBadInput, "sleep op has an invalid duration")
	}
	return time.Now().UTC().Add(d), nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	return sleepFor(ctx, time.Until(t))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
