package middleware

import (
	stepflow "github.com/goliatone/go-stepflow"
)

// Logging traces the execution lifecycle at debug level and injects a
// run-scoped logger into the handler input.
type Logging struct {
	Base
	Logger stepflow.Logger
}

func NewLogging(logger stepflow.Logger) *Logging {
	return &Logging{Logger: stepflow.NormalizeLogger(logger)}
}

func (m *Logging) logger(cc *CallContext) stepflow.Logger {
	return stepflow.WithLoggerFields(m.Logger, map[string]any{
		"function": cc.Function.Slug,
		"run_id":   cc.RunID,
		"attempt":  cc.Attempt,
	})
}

func (m *Logging) TransformInput(cc *CallContext, in *TransformableInput) {
	in.Logger = m.logger(cc)
	m.logger(cc).Debug("execution starting with %d memoized steps", len(in.Steps))
}

func (m *Logging) BeforeMemoization(cc *CallContext) {
	m.logger(cc).Debug("replaying memoized steps")
}

func (m *Logging) AfterMemoization(cc *CallContext) {
	m.logger(cc).Debug("memoized replay exhausted")
}

func (m *Logging) BeforeExecution(cc *CallContext) {
	m.logger(cc).Debug("executing new code")
}

func (m *Logging) AfterExecution(cc *CallContext) {
	m.logger(cc).Debug("new code settled")
}

func (m *Logging) TransformOutput(cc *CallContext, out *TransformableOutput) {
	if out.Step != nil {
		m.logger(cc).Debug("step %q settled (err=%v)", out.Step.DisplayName(), out.Error)
		return
	}
	m.logger(cc).Debug("function settled (err=%v)", out.Error)
}

func (m *Logging) BeforeResponse(cc *CallContext) {
	m.logger(cc).Debug("returning execution result")
}
