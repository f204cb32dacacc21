// Package dispatcher fans stepflow events out to in-process subscribers.
// It complements the runner: durable functions wait on events through the
// store, while plain application code subscribes here.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	errors "github.com/goliatone/go-errors"

	stepflow "github.com/goliatone/go-stepflow"
)

// HandlerFunc handles a dispatched event.
type HandlerFunc func(ctx context.Context, evt *stepflow.Event) error

// Dispatcher is the core struct to handle dispatcher options
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]*registration
	ExitOnErr bool
}

type registration struct {
	handler HandlerFunc
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

// NewDispatcher applies the given options to a new instance of the dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:  make(map[string][]*registration),
		ExitOnErr: false,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithExitOnError makes Dispatch stop at the first failing handler.
func WithExitOnError() Option {
	return func(d *Dispatcher) {
		d.ExitOnErr = true
	}
}

var Default = NewDispatcher()

// Subscribe registers a handler for events with the given name. The name
// may be a wildcard pattern, see stepflow.MatchEventName.
func (d *Dispatcher) Subscribe(eventName string, handler HandlerFunc) Subscription {
	reg := &registration{handler: handler}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], reg)

	return &subs{
		dispatcher: d,
		eventName:  eventName,
		reg:        reg,
	}
}

func (d *Dispatcher) getHandlers(eventName string) []*registration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*registration, 0, len(d.handlers[eventName]))
	out = append(out, d.handlers[eventName]...)
	for pattern, regs := range d.handlers {
		if pattern == eventName {
			continue
		}
		if stepflow.MatchEventName(pattern, eventName) {
			out = append(out, regs...)
		}
	}
	return out
}

// Dispatch delivers evt to every handler subscribed to its name. Handler
// errors are joined unless ExitOnErr is set.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *stepflow.Event) error {
	if evt == nil || evt.Name == "" {
		return errors.New("event must have a name", errors.CategoryBadInput).
			WithTextCode("EVENT_INVALID")
	}

	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.CategoryOperation, "context canceled or deadline exceeded")
	}

	var errs error
	for _, reg := range d.getHandlers(evt.Name) {
		if err := reg.handler(ctx, evt); err != nil {
			wrappedErr := errors.Wrap(
				err,
				errors.CategoryOperation,
				fmt.Sprintf("handler failed for event %s", evt.Name),
			).WithTextCode("DISPATCH_HANDLER_FAILED")

			if d.ExitOnErr {
				return wrappedErr
			}

			errs = stderrors.Join(errs, err)
		}
	}

	return errs
}

// Subscribe registers a handler on the default dispatcher.
func Subscribe(eventName string, handler HandlerFunc) Subscription {
	return Default.Subscribe(eventName, handler)
}

// SubscribeData registers a handler that receives the event payload decoded
// into T.
func SubscribeData[T any](eventName string, handler func(ctx context.Context, data T) error) Subscription {
	return Default.Subscribe(eventName, func(ctx context.Context, evt *stepflow.Event) error {
		var data T
		if err := evt.DataAs(&data); err != nil {
			return errors.Wrap(err, errors.CategoryBadInput, "event payload does not match handler type").
				WithTextCode("EVENT_PAYLOAD_MISMATCH").
				WithMetadata(map[string]any{"event": eventName})
		}
		return handler(ctx, data)
	})
}

// Dispatch delivers evt through the default dispatcher.
func Dispatch(ctx context.Context, evt *stepflow.Event) error {
	return Default.Dispatch(ctx, evt)
}
