package execution

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	errors "github.com/goliatone/go-errors"
	stepflow "github.com/goliatone/go-stepflow"
	"github.com/goliatone/go-stepflow/future"
	"github.com/goliatone/go-stepflow/middleware"
	"github.com/goliatone/go-stepflow/ophash"
	"github.com/goliatone/go-stepflow/step"
)

// maxReportedFoundSteps caps the divergence diagnostic when a targeted step
// never appears.
const maxReportedFoundSteps = 25

// checkpoint is one engine-observable state transition. The driver consumes
// exactly one per Execute call.
type checkpoint interface {
	isCheckpoint()
}

type ckStepsFound struct {
	steps []stepflow.OutgoingOp
}

type ckStepRan struct {
	op           stepflow.OutgoingOp
	failed       bool
	retriability stepflow.Retriability
}

type ckFunctionSettled struct {
	data json.RawMessage
	err  error
}

type ckStepNotFound struct{}

func (ckStepsFound) isCheckpoint()      {}
func (ckStepRan) isCheckpoint()         {}
func (ckFunctionSettled) isCheckpoint() {}
func (ckStepNotFound) isCheckpoint()    {}

// foundStep is one operation registered by the handler during this
// invocation.
type foundStep struct {
	hashedID string
	op       stepflow.UnhashedOp
	pos      int
	body     step.BodyFunc
	deferred *future.Deferred[json.RawMessage]

	memo      *stepflow.MemoizedStep
	fulfilled bool
	reported  bool
	executed  bool
}

// Await implements step.Awaiter.
func (f *foundStep) Await(ctx context.Context) (json.RawMessage, error) {
	return f.deferred.Await(ctx)
}

// reportedOpCode is the opcode used when the step is reported as discovered
// rather than executed.
func (f *foundStep) reportedOpCode() stepflow.OpCode {
	if f.op.Op == stepflow.OpCodeStepRun {
		return stepflow.OpCodeStepPlanned
	}
	return f.op.Op
}

func (f *foundStep) outgoing(op stepflow.OpCode) stepflow.OutgoingOp {
	return stepflow.OutgoingOp{
		ID:          f.hashedID,
		Op:          op,
		Name:        f.op.ID,
		DisplayName: f.op.DisplayName(),
		Opts:        f.op.Opts,
	}
}

// State is the mutable heart of one invocation. It implements
// step.Controller; the handler's step tools call into it from their own
// goroutines, so every mutation happens under mu.
type State struct {
	mu sync.Mutex

	engine *Engine
	req    Request
	logger stepflow.Logger

	mw *middleware.Runner
	cc *middleware.CallContext

	userCtx    context.Context
	cancelUser context.CancelFunc

	// memo is the effective memoized state for this attempt; remainingOrder
	// the completion order of entries not yet replayed.
	memo           stepflow.StepState
	remainingOrder []string
	finalAttempt   bool

	steps          map[string]*foundStep
	posCounters    map[string]int
	warnedParallel bool

	toReport        []*foundStep
	held            []*foundStep
	reportScheduled bool
	closed          bool

	checkpoints   *future.Queue[checkpoint]
	notFoundTimer *future.Timer

	hasSteps    bool
	nonStepFn   bool
	settledFn   bool
	fnData      json.RawMessage
	fnErr       error
	fnQueued    bool
	inputEvent  *stepflow.Event
	inputEvents []*stepflow.Event
	inputLogger stepflow.Logger
}

var _ step.Controller = (*State)(nil)

func newState(e *Engine, ctx context.Context, req Request) *State {
	userCtx, cancel := context.WithCancel(ctx)

	maxAttempts := req.Function.Config.MaxAttempts()
	finalAttempt := req.Attempt >= maxAttempts-1

	memo := req.StepState.Clone()
	order := append([]string{}, req.StepOrder...)
	order = normalizeOrder(memo, order)

	// While attempts remain, retriable memoized failures are dropped so
	// their bodies run again. Non-retriable failures and failures on the
	// final attempt replay as rejections instead.
	if !finalAttempt {
		kept := order[:0]
		for _, id := range order {
			if m := memo[id]; m != nil && m.Error != nil && !m.Error.NonRetriable() {
				delete(memo, id)
				continue
			}
			kept = append(kept, id)
		}
		order = kept
	}

	logger := stepflow.WithLoggerFields(stepflow.NormalizeLogger(e.logger), map[string]any{
		"run_id":   req.RunID,
		"function": req.Function.Slug,
		"attempt":  req.Attempt,
	})

	st := &State{
		engine:         e,
		req:            req,
		logger:         logger,
		mw:             e.middleware.ForRun(),
		userCtx:        userCtx,
		cancelUser:     cancel,
		memo:           memo,
		remainingOrder: order,
		finalAttempt:   finalAttempt,
		steps:          make(map[string]*foundStep),
		posCounters:    make(map[string]int),
		checkpoints:    future.NewQueue[checkpoint](),
		inputEvent:     req.Event,
		inputEvents:    req.Events,
		inputLogger:    logger,
	}
	st.cc = &middleware.CallContext{
		Context:  ctx,
		Function: req.Function,
		RunID:    req.RunID,
		Attempt:  req.Attempt,
		Logger:   logger,
	}
	return st
}

// normalizeOrder appends memo ids missing from the completion order, sorted
// for determinism, so every memoized outcome is eventually replayable.
func normalizeOrder(memo stepflow.StepState, order []string) []string {
	inOrder := make(map[string]struct{}, len(order))
	for _, id := range order {
		inOrder[id] = struct{}{}
	}
	var missing []string
	for id := range memo {
		if _, ok := inOrder[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return append(order, missing...)
}

// start runs the input hooks, launches the handler goroutine, and arms the
// divergence timer.
func (s *State) start() {
	in := &middleware.TransformableInput{
		Event:  s.inputEvent,
		Events: s.inputEvents,
		Steps:  s.memo,
		Logger: s.inputLogger,
	}
	s.mu.Lock()
	s.mw.TransformInput(s.cc, in)
	if len(s.remainingOrder) > 0 {
		s.mw.BeforeMemoization(s.cc)
	}
	s.inputEvent = in.Event
	s.inputEvents = in.Events
	s.inputLogger = in.Logger
	s.mu.Unlock()

	if s.inputEvent == nil && len(s.inputEvents) > 0 {
		s.inputEvent = s.inputEvents[0]
	}

	input := &stepflow.Input{
		Event:   s.inputEvent,
		Events:  s.inputEvents,
		RunID:   s.req.RunID,
		Attempt: s.req.Attempt,
	}

	s.notFoundTimer = future.NewTimer(s.engine.stepNotFoundTimeout, s.onDiscoveryStalled)

	uctx := step.WithController(s.userCtx, s)
	go func() {
		var (
			res any
			err error
		)
		func() {
			defer stepflow.CapturePanic(&err)
			res, err = s.req.Function.Handler(uctx, input)
		}()
		s.onFunctionSettled(res, err)
	}()
}

// RegisterStep implements step.Controller. It assigns the step its durable
// identity, matches it against memoized state, and schedules a report pass.
func (s *State) RegisterStep(ctx context.Context, op stepflow.UnhashedOp, body step.BodyFunc) (step.Awaiter, error) {
	if op.ID == "" {
		return nil, errors.New("step id cannot be empty", errors.CategoryValidation).
			WithTextCode("STEP_ID_EMPTY")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, stepflow.ErrRunTerminated
	}
	if s.nonStepFn {
		return nil, stepflow.ErrNonStepFunction
	}

	baseKey := string(op.Op) + "\x00" + op.ID
	pos := s.posCounters[baseKey]
	s.posCounters[baseKey] = pos + 1
	if pos > 0 && !s.warnedParallel {
		s.warnedParallel = true
		s.logger.Warn("step id %q used more than once; occurrences are disambiguated by position, which is fragile under reordering", op.ID)
	}

	hashedID, err := s.hashOp(op, pos)
	if err != nil {
		return nil, err
	}

	fs := &foundStep{
		hashedID: hashedID,
		op:       op,
		pos:      pos,
		body:     body,
		deferred: future.NewDeferred[json.RawMessage](),
	}
	s.steps[hashedID] = fs
	s.hasSteps = true

	if m, ok := s.memo[hashedID]; ok {
		m.Seen = true
		fs.memo = m
	} else {
		s.toReport = append(s.toReport, fs)
	}

	s.notFoundTimer.Reset()
	s.scheduleReportLocked()
	return fs, nil
}

// SendEvent implements step.Controller.
func (s *State) SendEvent(ctx context.Context, evt *stepflow.Event) error {
	if s.engine.sendEvent == nil {
		return errors.New("no event sender configured", errors.CategoryBadInput).
			WithTextCode("EXECUTION_EVENT_SENDER_MISSING")
	}
	return s.engine.sendEvent(ctx, evt)
}

func (s *State) hashOp(op stepflow.UnhashedOp, pos int) (string, error) {
	if s.engine.version == V0 {
		if pos > 0 {
			return op.ID + ":" + strconv.Itoa(pos), nil
		}
		return op.ID, nil
	}
	return ophash.Hash(ophash.Input{
		Op:   string(op.Op),
		Name: op.ID,
		Opts: op.Opts,
		Pos:  pos,
	})
}

func (s *State) onFunctionSettled(res any, err error) {
	var raw json.RawMessage
	if err == nil {
		raw, err = marshalResult(res)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.settledFn {
		return
	}
	s.settledFn = true
	s.fnData = raw
	s.fnErr = err
	if !s.hasSteps {
		// the handler is a plain function; any step tooling used from
		// leaked goroutines after this point is rejected
		s.nonStepFn = true
	}
	s.scheduleReportLocked()
}

func (s *State) scheduleReportLocked() {
	if s.reportScheduled || s.closed {
		return
	}
	s.reportScheduled = true
	go s.reportPass()
}

// reportPass runs after the settle barrier, once per scheduling. Each pass
// does exactly one of: replay the next memoized step, act on newly found
// steps, or flush the settled function outcome.
func (s *State) reportPass() {
	s.engine.barrier.Wait()

	s.mu.Lock()
	s.reportScheduled = false
	if s.closed {
		s.mu.Unlock()
		return
	}

	// 1) replay memoized outcomes strictly in completion order
	for i, id := range s.remainingOrder {
		fs := s.steps[id]
		if fs == nil || fs.memo == nil || fs.fulfilled {
			continue
		}
		s.remainingOrder = append(s.remainingOrder[:i], s.remainingOrder[i+1:]...)
		fs.fulfilled = true
		fs.memo.Fulfilled = true
		s.notFoundTimer.Reset()

		memo := fs.memo
		s.scheduleReportLocked()
		s.mu.Unlock()
		s.fulfillFromMemo(fs, memo)
		return
	}

	// 2) act on newly discovered steps
	if len(s.toReport) > 0 {
		batch := s.toReport
		s.toReport = nil
		s.mw.AfterMemoization(s.cc)

		if s.req.RequestedRunStep != "" {
			s.handleTargetedLocked(batch)
			return
		}

		if s.canExecuteEarlyLocked(batch) {
			fs := batch[0]
			s.mw.BeforeExecution(s.cc)
			s.mu.Unlock()
			s.executeStep(fs)
			return
		}

		ops := make([]stepflow.OutgoingOp, 0, len(batch))
		for _, fs := range batch {
			fs.reported = true
			ops = append(ops, fs.outgoing(fs.reportedOpCode()))
		}
		if len(s.remainingOrder) > 0 {
			s.logger.Warn("reporting %d new steps while %d memoized steps remain unreplayed; the code path may have changed since the last attempt", len(ops), len(s.remainingOrder))
		}
		s.mw.BeforeExecution(s.cc)
		s.mu.Unlock()
		s.checkpoints.Push(ckStepsFound{steps: ops})
		return
	}

	// 3) flush the settled function outcome
	if s.settledFn && !s.fnQueued {
		s.fnQueued = true
		data, err := s.fnData, s.fnErr
		if err == nil {
			if unfulfilled := s.unfulfilledSeenLocked(); unfulfilled > 0 {
				err = errors.Wrap(stepflow.ErrUnfulfilledSteps, errors.CategoryConflict, "function resolved while memoized steps were still pending").
					WithMetadata(map[string]any{"pending_steps": unfulfilled})
			} else if len(s.remainingOrder) > 0 {
				err = errors.Wrap(stepflow.ErrStateDiverged, errors.CategoryConflict, "memoized steps were never reached by the current code path").
					WithMetadata(map[string]any{"unreached_steps": len(s.remainingOrder)})
			}
		}
		s.notFoundTimer.Stop()
		s.mu.Unlock()
		s.checkpoints.Push(ckFunctionSettled{data: data, err: err})
		return
	}

	s.mu.Unlock()
}

// unfulfilledSeenLocked counts registered steps that matched memoized state
// but were never replayed, which means completion order blocked them.
func (s *State) unfulfilledSeenLocked() int {
	n := 0
	for _, fs := range s.steps {
		if fs.memo != nil && !fs.fulfilled {
			n++
		}
	}
	return n
}

// handleTargetedLocked services a targeted invocation: execute the requested
// step when it shows up, hold everything else. Callers pass the lock in;
// it is released before returning.
func (s *State) handleTargetedLocked(batch []*foundStep) {
	var target *foundStep
	for _, fs := range batch {
		if fs.hashedID == s.req.RequestedRunStep || fs.op.ID == s.req.RequestedRunStep {
			target = fs
			break
		}
	}
	if target == nil {
		s.held = append(s.held, batch...)
		s.mu.Unlock()
		return
	}
	for _, fs := range batch {
		if fs != target {
			s.held = append(s.held, fs)
		}
	}
	if target.body == nil {
		s.mu.Unlock()
		s.checkpoints.Push(ckFunctionSettled{err: errors.Wrap(stepflow.ErrUnknownStep, errors.CategoryConflict, "requested step has no executable body").
			WithMetadata(map[string]any{"step": s.req.RequestedRunStep})})
		return
	}
	s.mw.BeforeExecution(s.cc)
	s.mu.Unlock()
	s.executeStep(target)
}

// canExecuteEarlyLocked gates the early execution optimization: a single
// newly found plain step, under V2, with replay exhausted.
func (s *State) canExecuteEarlyLocked(batch []*foundStep) bool {
	if s.engine.version != V2 {
		return false
	}
	if s.req.Function.Config.DisableImmediateExecution {
		return false
	}
	if len(batch) != 1 || len(s.remainingOrder) > 0 {
		return false
	}
	fs := batch[0]
	return fs.op.Op == stepflow.OpCodeStepRun && fs.body != nil
}

// executeStep runs a step body in its own goroutine and pushes the outcome
// checkpoint. The step's deferred is left pending; this invocation ends once
// the body settles and the next invocation replays the memoized value.
func (s *State) executeStep(fs *foundStep) {
	fs.executed = true
	go func() {
		var (
			data json.RawMessage
			err  error
		)
		func() {
			defer stepflow.CapturePanic(&err)
			if fs.body == nil {
				err = errors.New("step has no executable body", errors.CategoryOperation).
					WithTextCode(stepflow.ErrCodeUnknownStep)
				return
			}
			data, err = fs.body(step.MarkInsideBody(s.userCtx))
		}()

		out := &middleware.TransformableOutput{Step: &fs.op, Data: data, Error: err}
		s.mu.Lock()
		s.mw.AfterExecution(s.cc)
		s.mw.TransformOutput(s.cc, out)
		s.mu.Unlock()

		var ck ckStepRan
		if out.Error != nil {
			op := fs.outgoing(stepflow.OpCodeStepError)
			op.Error = stepflow.SerializeError(out.Error)
			ck = ckStepRan{op: op, failed: true, retriability: stepflow.Classify(out.Error)}
		} else {
			op := fs.outgoing(stepflow.OpCodeStepRun)
			op.Data = out.Data
			ck = ckStepRan{op: op, retriability: stepflow.Retriability{Allowed: true}}
		}
		s.checkpoints.Push(ck)
	}()
}

// fulfillFromMemo settles a step await from its memoized outcome. Memoized
// failures only survive to the final attempt, where they replay as
// non-retriable rejections.
func (s *State) fulfillFromMemo(fs *foundStep, memo *stepflow.MemoizedStep) {
	if memo.Error != nil {
		err := stepflow.DeserializeError(memo.Error)
		if s.finalAttempt || memo.Error.NonRetriable() {
			err = stepflow.NoRetry(err)
		}
		fs.deferred.Reject(err)
		return
	}
	if stepflow.IsSerializedError(memo.Data) {
		var se stepflow.SerializedError
		if jsonErr := json.Unmarshal(memo.Data, &se); jsonErr == nil {
			err := stepflow.DeserializeError(&se)
			if s.finalAttempt {
				err = stepflow.NoRetry(err)
			}
			fs.deferred.Reject(err)
			return
		}
	}
	fs.deferred.Resolve(memo.Data)
}

// onDiscoveryStalled fires when no step activity happened within the
// discovery timeout. In targeted mode the requested step is declared
// missing; in discovery mode a stall only matters when memoized state was
// never reached.
func (s *State) onDiscoveryStalled() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	targeted := s.req.RequestedRunStep != ""
	diverged := len(s.remainingOrder) > 0

	if targeted {
		// a targeted miss still walks the remaining lifecycle phases
		// before the diagnostic checkpoint is posted
		s.mw.AfterMemoization(s.cc)
		s.mw.BeforeExecution(s.cc)
		s.mw.AfterExecution(s.cc)
		s.mu.Unlock()
		s.checkpoints.Push(ckStepNotFound{})
		return
	}
	s.mu.Unlock()

	if diverged {
		s.checkpoints.Push(ckFunctionSettled{err: errors.Wrap(stepflow.ErrStateDiverged, errors.CategoryConflict, "memoized steps were never reached within the discovery timeout")})
	}
}

// resultFor converts the consumed checkpoint into the public result,
// running the output hooks for function outcomes.
func (s *State) resultFor(ck checkpoint) Result {
	switch c := ck.(type) {
	case ckStepsFound:
		return StepsFound{Steps: c.steps}
	case ckStepRan:
		return StepRan{Step: c.op, Retriability: c.retriability}
	case ckFunctionSettled:
		s.mu.Lock()
		s.mw.AfterExecution(s.cc)
		out := &middleware.TransformableOutput{Data: c.data, Error: c.err}
		s.mw.TransformOutput(s.cc, out)
		s.mu.Unlock()
		if out.Error != nil {
			return FunctionRejected{
				Error:        stepflow.SerializeError(out.Error),
				Retriability: stepflow.Classify(out.Error),
			}
		}
		return FunctionResolved{Data: out.Data}
	case ckStepNotFound:
		return s.stepNotFoundResult()
	}
	return nil
}

// stepNotFoundResult reports the divergence diagnostic for a targeted step
// that never appeared: which steps did appear, capped and sorted so the
// output is stable.
func (s *State) stepNotFoundResult() StepNotFound {
	s.mu.Lock()
	found := make([]stepflow.OutgoingOp, 0, len(s.steps))
	for _, fs := range s.steps {
		if fs.memo != nil {
			continue
		}
		found = append(found, fs.outgoing(fs.reportedOpCode()))
	}
	requested := s.req.RequestedRunStep
	s.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	if len(found) > maxReportedFoundSteps {
		found = found[:maxReportedFoundSteps]
	}

	op := stepflow.OutgoingOp{
		ID: requested,
		Op: stepflow.OpCodeStepNotFound,
		Error: stepflow.SerializeError(errors.Wrap(stepflow.ErrUnknownStep, errors.CategoryConflict, "requested step was not found in the current code path").
			WithMetadata(map[string]any{"step": requested, "found_steps": len(found)})),
	}
	return StepNotFound{Step: requested, Op: op, Found: found}
}

func (s *State) hookBeforeResponse() {
	s.mu.Lock()
	s.mw.BeforeResponse(s.cc)
	s.mu.Unlock()
}

// teardown ends the invocation: the user context is canceled, pending step
// awaits reject so abandoned goroutines unblock, and the checkpoint queue
// closes.
func (s *State) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.notFoundTimer != nil {
		s.notFoundTimer.Stop()
	}
	var pending []*foundStep
	for _, fs := range s.steps {
		if !fs.deferred.Settled() {
			pending = append(pending, fs)
		}
	}
	s.mu.Unlock()

	s.cancelUser()
	for _, fs := range pending {
		fs.deferred.Reject(stepflow.ErrRunTerminated)
	}
	s.checkpoints.Close()
}
