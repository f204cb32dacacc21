package stepflow

import (
	"fmt"
	"strings"
	"time"

	errors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// ConfigSet is the declarative shape for a set of functions. Handlers are
// code, so definitions bind to them by slug when applied to a registry.
type ConfigSet struct {
	Defaults  FunctionDefaults     `yaml:"defaults"`
	Functions []FunctionDefinition `yaml:"functions"`
}

// FunctionDefaults applies to every function that does not override them.
type FunctionDefaults struct {
	Retries *int   `yaml:"retries,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// FunctionDefinition is the YAML form of one function.
type FunctionDefinition struct {
	Slug                      string    `yaml:"slug"`
	Name                      string    `yaml:"name,omitempty"`
	Triggers                  []Trigger `yaml:"triggers"`
	Retries                   *int      `yaml:"retries,omitempty"`
	Timeout                   string    `yaml:"timeout,omitempty"`
	DisableImmediateExecution bool      `yaml:"disable_immediate_execution,omitempty"`
}

// ParseConfigSet parses JSON or YAML into a ConfigSet and validates it.
func ParseConfigSet(data []byte) (ConfigSet, error) {
	var cfg ConfigSet
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks every definition without requiring handlers.
func (c ConfigSet) Validate() error {
	if c.Defaults.Timeout != "" {
		if _, err := time.ParseDuration(c.Defaults.Timeout); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "invalid default timeout").
				WithTextCode("VALIDATION_FAILED")
		}
	}

	seen := make(map[string]struct{}, len(c.Functions))
	for _, def := range c.Functions {
		slug := strings.TrimSpace(def.Slug)
		if slug == "" {
			return errors.New("function definition missing slug", errors.CategoryValidation).
				WithTextCode(ErrCodeInvalidFunction)
		}
		if _, dup := seen[slug]; dup {
			return errors.New("duplicate function slug", errors.CategoryValidation).
				WithTextCode(ErrCodeInvalidFunction).
				WithMetadata(map[string]any{"slug": slug})
		}
		seen[slug] = struct{}{}

		if len(def.Triggers) == 0 {
			return errors.New("function definition requires at least one trigger", errors.CategoryValidation).
				WithTextCode(ErrCodeInvalidFunction).
				WithMetadata(map[string]any{"slug": slug})
		}
		for _, t := range def.Triggers {
			if err := t.Validate(); err != nil {
				return err
			}
		}
		if def.Timeout != "" {
			if _, err := time.ParseDuration(def.Timeout); err != nil {
				return errors.Wrap(err, errors.CategoryValidation, fmt.Sprintf("invalid timeout for %s", slug)).
					WithTextCode("VALIDATION_FAILED")
			}
		}
	}
	return nil
}

// Apply binds handlers to definitions and registers the result. Every
// definition must have a handler; extra handlers are left alone.
func (c ConfigSet) Apply(reg *Registry, handlers map[string]Handler) error {
	if err := c.Validate(); err != nil {
		return err
	}
	for _, def := range c.Functions {
		handler, ok := handlers[def.Slug]
		if !ok {
			return errors.New("no handler bound for function definition", errors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidFunction).
				WithMetadata(map[string]any{"slug": def.Slug})
		}
		fn, err := c.buildFunction(def, handler)
		if err != nil {
			return err
		}
		if err := reg.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func (c ConfigSet) buildFunction(def FunctionDefinition, handler Handler) (*Function, error) {
	cfg := FunctionConfig{
		DisableImmediateExecution: def.DisableImmediateExecution,
	}

	switch {
	case def.Retries != nil:
		cfg.Retries = *def.Retries
	case c.Defaults.Retries != nil:
		cfg.Retries = *c.Defaults.Retries
	}

	timeout := def.Timeout
	if timeout == "" {
		timeout = c.Defaults.Timeout
	}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryValidation, "invalid timeout").
				WithTextCode("VALIDATION_FAILED").
				WithMetadata(map[string]any{"slug": def.Slug})
		}
		cfg.Timeout = d
	}

	return &Function{
		Slug:     def.Slug,
		Name:     def.Name,
		Triggers: append([]Trigger{}, def.Triggers...),
		Config:   cfg,
		Handler:  handler,
	}, nil
}
