package stepflow

import (
	"context"
	"strings"
	"time"

	errors "github.com/goliatone/go-errors"
	"github.com/robfig/cron/v3"
)

// Handler is a user-supplied durable function. It must be deterministic:
// all side effects belong inside step bodies so replay can skip them.
type Handler func(ctx context.Context, input *Input) (any, error)

// Input is what a handler receives on every invocation of a run.
type Input struct {
	Event   *Event
	Events  []*Event
	RunID   string
	Attempt int
}

// Trigger starts a function either from a named event or a cron expression.
type Trigger struct {
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
	Cron  string `yaml:"cron,omitempty" json:"cron,omitempty"`
}

// Validate checks that exactly one trigger kind is set and that cron
// expressions parse.
func (t Trigger) Validate() error {
	hasEvent := strings.TrimSpace(t.Event) != ""
	hasCron := strings.TrimSpace(t.Cron) != ""
	if hasEvent == hasCron {
		return errors.New("trigger requires exactly one of event or cron", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidFunction)
	}
	if hasCron {
		if _, err := cron.ParseStandard(t.Cron); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "invalid cron expression").
				WithTextCode(ErrCodeInvalidExpression).
				WithMetadata(map[string]any{"expression": t.Cron})
		}
	}
	return nil
}

// FunctionConfig tunes retry and execution behavior for one function.
type FunctionConfig struct {
	// Retries is the number of retries after the first attempt.
	Retries int `yaml:"retries" json:"retries"`
	// Timeout bounds a single invocation; zero means no timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// DisableImmediateExecution turns off the early-execution optimization,
	// required under some parallelism configurations.
	DisableImmediateExecution bool `yaml:"disable_immediate_execution" json:"disable_immediate_execution"`
}

// MaxAttempts converts the retry count into total attempts, never below one.
func (c FunctionConfig) MaxAttempts() int {
	if c.Retries < 0 {
		return 1
	}
	return c.Retries + 1
}

// Function pairs a durable handler with its identity, triggers, and config.
type Function struct {
	Slug      string         `yaml:"slug" json:"slug"`
	Name      string         `yaml:"name,omitempty" json:"name,omitempty"`
	Triggers  []Trigger      `yaml:"triggers" json:"triggers"`
	Config    FunctionConfig `yaml:"config" json:"config"`
	Handler   Handler        `yaml:"-" json:"-"`
	OnFailure Handler        `yaml:"-" json:"-"`
}

// DisplayName returns Name, falling back to the slug.
func (f *Function) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.Slug
}

// Validate checks the function is complete enough to register.
func (f *Function) Validate() error {
	if f == nil {
		return errors.New("function cannot be nil", errors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidFunction)
	}
	if strings.TrimSpace(f.Slug) == "" {
		return errors.New("function slug cannot be empty", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidFunction)
	}
	if f.Handler == nil {
		return errors.New("function handler cannot be nil", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidFunction).
			WithMetadata(map[string]any{"slug": f.Slug})
	}
	if len(f.Triggers) == 0 {
		return errors.New("function requires at least one trigger", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidFunction).
			WithMetadata(map[string]any{"slug": f.Slug})
	}
	for _, t := range f.Triggers {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether the function is triggered by the named event.
// Event triggers may use wildcard patterns, see MatchEventName.
func (f *Function) Matches(eventName string) bool {
	for _, t := range f.Triggers {
		if t.Event != "" && MatchEventName(t.Event, eventName) {
			return true
		}
	}
	return false
}
