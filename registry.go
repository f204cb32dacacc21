package stepflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/alecthomas/kong"
	errors "github.com/goliatone/go-errors"
)

// InvokeFunc runs one function to completion against a local orchestrator.
// The concrete implementation is injected so the registry stays decoupled
// from the execution loop.
type InvokeFunc func(ctx context.Context, fn *Function, evt *Event) (json.RawMessage, error)

// CronRegisterFunc schedules a cron-triggered function.
type CronRegisterFunc func(fn *Function, trigger Trigger) error

// NilCronRegister is the no-op scheduler hook used when cron triggers are
// not serviced in this process.
func NilCronRegister(fn *Function, trigger Trigger) error {
	return nil
}

// Registry collects durable functions and exposes them to the scheduler and
// the CLI.
type Registry struct {
	mu             sync.RWMutex
	functions      map[string]*Function
	order          []string
	initialized    bool
	cronRegisterFn CronRegisterFunc
	invoker        InvokeFunc
	cliOptions     []kong.Option
}

func NewRegistry() *Registry {
	return &Registry{
		functions:  make(map[string]*Function),
		cliOptions: make([]kong.Option, 0),
	}
}

func (r *Registry) SetCronRegister(fn CronRegisterFunc) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cronRegisterFn = fn
	return r
}

func (r *Registry) SetInvoker(fn InvokeFunc) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoker = fn
	return r
}

// Register adds a function before initialization.
func (r *Registry) Register(fn *Function) error {
	if err := fn.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("cannot register functions after registry has been initialized", errors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}
	if _, exists := r.functions[fn.Slug]; exists {
		return errors.New("function already registered", errors.CategoryConflict).
			WithTextCode("FUNCTION_ALREADY_REGISTERED").
			WithMetadata(map[string]any{"slug": fn.Slug})
	}
	r.functions[fn.Slug] = fn
	r.order = append(r.order, fn.Slug)
	return nil
}

// Initialize wires cron triggers and builds CLI exposure for every
// registered function.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("registry already initialized", errors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}

	var errs error
	for _, slug := range r.order {
		fn := r.functions[slug]
		for _, t := range fn.Triggers {
			if t.Cron == "" {
				continue
			}
			if err := r.registerWithCron(fn, t); err != nil {
				errs = errors.Join(errs, err)
			}
		}
		r.cliOptions = append(r.cliOptions, r.cliOptionFor(fn))
	}

	r.initialized = true
	return errs
}

func (r *Registry) registerWithCron(fn *Function, trigger Trigger) error {
	if r.cronRegisterFn == nil {
		return errors.New("cron scheduler not provided during initialization", errors.CategoryBadInput).
			WithTextCode("CRON_SCHEDULER_NOT_SET").
			WithMetadata(map[string]any{"slug": fn.Slug})
	}
	if err := r.cronRegisterFn(fn, trigger); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "cron scheduler registration failed").
			WithTextCode("CRON_REGISTRATION_FAILED").
			WithMetadata(map[string]any{"slug": fn.Slug, "expression": trigger.Cron})
	}
	return nil
}

func (r *Registry) cliOptionFor(fn *Function) kong.Option {
	handler := &functionCLI{registry: r, slug: fn.Slug}
	return kong.DynamicCommand(
		cliCommandName(fn.Slug),
		fmt.Sprintf("Invoke %s locally", fn.DisplayName()),
		"functions",
		handler,
	)
}

// GetCLIOptions returns kong options exposing registered functions.
func (r *Registry) GetCLIOptions() ([]kong.Option, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return nil, errors.New("registry must be initialized before building CLI options", errors.CategoryBadInput).
			WithTextCode("REGISTRY_NOT_INITIALIZED")
	}
	return append([]kong.Option{}, r.cliOptions...), nil
}

// Lookup returns a registered function by slug.
func (r *Registry) Lookup(slug string) (*Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[slug]
	return fn, ok
}

// Functions returns all registered functions sorted by slug.
func (r *Registry) Functions() []*Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Function, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ForEvent returns the functions triggered by the named event, sorted by
// slug for deterministic dispatch order.
func (r *Registry) ForEvent(eventName string) []*Function {
	var out []*Function
	for _, fn := range r.Functions() {
		if fn.Matches(eventName) {
			out = append(out, fn)
		}
	}
	return out
}

// functionCLI is the kong handler backing one registered function.
type functionCLI struct {
	registry *Registry
	slug     string

	Event string `help:"Name of the triggering event." default:"cli/manual"`
	Data  string `help:"JSON object used as the event data." default:"{}"`
}

func (c *functionCLI) Run() error {
	c.registry.mu.RLock()
	fn := c.registry.functions[c.slug]
	invoker := c.registry.invoker
	c.registry.mu.RUnlock()

	if fn == nil {
		return errors.New("function not found", errors.CategoryBadInput).
			WithTextCode("FUNCTION_NOT_FOUND").
			WithMetadata(map[string]any{"slug": c.slug})
	}
	if invoker == nil {
		return errors.New("no invoker configured for CLI execution", errors.CategoryBadInput).
			WithTextCode("REGISTRY_INVOKER_NOT_SET")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(c.Data), &data); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "event data must be a JSON object").
			WithTextCode("VALIDATION_FAILED")
	}

	result, err := invoker(context.Background(), fn, &Event{Name: c.Event, Data: data})
	if err != nil {
		return err
	}
	if len(result) > 0 {
		fmt.Fprintln(os.Stdout, string(result))
	}
	return nil
}

func cliCommandName(slug string) string {
	name := strings.ToLower(strings.TrimSpace(slug))
	replacer := strings.NewReplacer("/", "-", ".", "-", "_", "-", " ", "-")
	return replacer.Replace(name)
}
