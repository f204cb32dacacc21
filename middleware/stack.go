package middleware

// Stack is an ordered collection of middleware shared by every run.
type Stack struct {
	mws []Middleware
}

func NewStack(mws ...Middleware) *Stack {
	return &Stack{mws: append([]Middleware{}, mws...)}
}

// Use appends middleware to the stack.
func (s *Stack) Use(mw Middleware) *Stack {
	if mw != nil {
		s.mws = append(s.mws, mw)
	}
	return s
}

// Len reports the number of registered middleware.
func (s *Stack) Len() int { return len(s.mws) }

// ForRun returns the per-request hook runner. Each single-shot phase fires
// at most once per run no matter how many times the engine reaches it.
func (s *Stack) ForRun() *Runner {
	return &Runner{mws: s.mws}
}

// Runner dispatches lifecycle hooks for one execution request. It is driven
// from the engine's checkpoint loop and step goroutines, so dispatch is
// guarded by the engine's own locking; Runner itself only tracks which
// single-shot phases have fired.
type Runner struct {
	mws []Middleware

	inputDone      bool
	beforeMemoDone bool
	afterMemoDone  bool
	beforeExecDone bool
	afterExecDone  bool
	responseDone   bool
}

func (r *Runner) TransformInput(cc *CallContext, in *TransformableInput) {
	if r == nil || r.inputDone {
		return
	}
	r.inputDone = true
	for _, mw := range r.mws {
		mw.TransformInput(cc, in)
	}
}

func (r *Runner) BeforeMemoization(cc *CallContext) {
	if r == nil || r.beforeMemoDone {
		return
	}
	r.beforeMemoDone = true
	for _, mw := range r.mws {
		mw.BeforeMemoization(cc)
	}
}

func (r *Runner) AfterMemoization(cc *CallContext) {
	if r == nil || r.afterMemoDone {
		return
	}
	r.afterMemoDone = true
	for _, mw := range r.mws {
		mw.AfterMemoization(cc)
	}
}

func (r *Runner) BeforeExecution(cc *CallContext) {
	if r == nil || r.beforeExecDone {
		return
	}
	r.beforeExecDone = true
	for _, mw := range r.mws {
		mw.BeforeExecution(cc)
	}
}

func (r *Runner) AfterExecution(cc *CallContext) {
	if r == nil || r.afterExecDone {
		return
	}
	r.afterExecDone = true
	// output-side hooks run in reverse registration order
	for i := len(r.mws) - 1; i >= 0; i-- {
		r.mws[i].AfterExecution(cc)
	}
}

func (r *Runner) TransformOutput(cc *CallContext, out *TransformableOutput) {
	if r == nil {
		return
	}
	for i := len(r.mws) - 1; i >= 0; i-- {
		r.mws[i].TransformOutput(cc, out)
	}
}

func (r *Runner) BeforeResponse(cc *CallContext) {
	if r == nil || r.responseDone {
		return
	}
	r.responseDone = true
	for i := len(r.mws) - 1; i >= 0; i-- {
		r.mws[i].BeforeResponse(cc)
	}
}
