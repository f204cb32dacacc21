package runner

import (
	stepflow "github.com/goliatone/go-stepflow"
	"github.com/goliatone/go-stepflow/execution"
	"github.com/goliatone/go-stepflow/store"
)

type Option func(*Local)

func WithLogger(l stepflow.Logger) Option {
	return func(r *Local) {
		r.logger = l
	}
}

// WithStore selects where run state is persisted. Defaults to the in-memory
// store.
func WithStore(s store.Store) Option {
	return func(r *Local) {
		if s != nil {
			r.store = s
		}
	}
}

// WithEngine overrides the execution engine. The caller owns wiring the
// engine's event sender in that case.
func WithEngine(e *execution.Engine) Option {
	return func(r *Local) {
		r.engine = e
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Local) {
		if s != nil {
			r.retry = s
		}
	}
}

// WithControl installs cooperative pause/cancel control.
func WithControl(c Control) Option {
	return func(r *Local) {
		if c != nil {
			r.control = c
		}
	}
}
