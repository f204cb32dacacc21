// Command stepflow runs a small durable-function host: a handful of demo
// workflows wired to the local orchestrator, exposed through a CLI that can
// invoke them directly, publish events, or serve cron triggers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	stepflow "github.com/goliatone/go-stepflow"
	"github.com/goliatone/go-stepflow/cron"
	"github.com/goliatone/go-stepflow/runner"
	"github.com/goliatone/go-stepflow/step"
	"github.com/goliatone/go-stepflow/store"
)

type app struct {
	registry  *stepflow.Registry
	runner    *runner.Local
	scheduler *cron.Scheduler
	store     store.Store
	logger    stepflow.Logger
}

type cli struct {
	Store string `help:"Run store: 'memory' or a sqlite file path." default:"memory"`

	List    listCmd    `cmd:"" help:"List registered functions and their triggers."`
	Trigger triggerCmd `cmd:"" help:"Publish an event and run every matching function."`
	Runs    runsCmd    `cmd:"" help:"Show persisted runs, optionally filtered by status."`
	Serve   serveCmd   `cmd:"" help:"Recover parked runs and serve cron triggers until interrupted."`
}

func main() {
	logger := stepflow.NewFmtLogger(os.Stderr)

	a := &app{
		registry: stepflow.NewRegistry(),
		logger:   logger,
	}

	if err := registerFunctions(a.registry); err != nil {
		logger.Fatal("register functions: %v", err)
		os.Exit(1)
	}

	a.scheduler = cron.NewScheduler(cron.WithLogger(logger))
	a.registry.SetCronRegister(cron.RegisterFunc(a.scheduler, func(ctx context.Context, fn *stepflow.Function, evt *stepflow.Event) (json.RawMessage, error) {
		return a.runner.Invoke(ctx, fn, evt)
	}))

	if err := a.registry.Initialize(); err != nil {
		logger.Fatal("initialize registry: %v", err)
		os.Exit(1)
	}

	fnOptions, err := a.registry.GetCLIOptions()
	if err != nil {
		logger.Fatal("build function commands: %v", err)
		os.Exit(1)
	}

	var c cli
	options := append([]kong.Option{
		kong.Name("stepflow"),
		kong.Description("Durable function host backed by a local orchestrator."),
		kong.UsageOnError(),
		kong.Bind(a),
	}, fnOptions...)

	kctx := kong.Parse(&c, options...)

	st, err := openStore(c.Store)
	if err != nil {
		logger.Fatal("open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()
	a.store = st

	a.runner = runner.NewLocal(a.registry,
		runner.WithLogger(logger),
		runner.WithStore(st),
	)

	kctx.FatalIfErrorf(kctx.Run(a))
}

func openStore(spec string) (store.Store, error) {
	if spec == "" || spec == "memory" {
		return store.NewMemory(), nil
	}
	return store.NewSQLite(spec)
}

type listCmd struct{}

func (c *listCmd) Run(a *app) error {
	for _, fn := range a.registry.Functions() {
		fmt.Printf("%s\t%s\n", fn.Slug, fn.DisplayName())
		for _, t := range fn.Triggers {
			switch {
			case t.Event != "":
				fmt.Printf("\tevent: %s\n", t.Event)
			case t.Cron != "":
				fmt.Printf("\tcron:  %s\n", t.Cron)
			}
		}
	}
	return nil
}

type triggerCmd struct {
	Event string `arg:"" help:"Event name to publish."`
	Data  string `help:"JSON object used as the event data." default:"{}"`
}

func (c *triggerCmd) Run(a *app) error {
	var data map[string]any
	if err := json.Unmarshal([]byte(c.Data), &data); err != nil {
		return fmt.Errorf("event data must be a JSON object: %w", err)
	}

	a.runner.TriggerEvent(context.Background(), &stepflow.Event{
		Name: c.Event,
		Data: data,
	})
	a.runner.Wait()
	return nil
}

type runsCmd struct {
	Status string `help:"Filter by run status (running, sleeping, waiting, completed, failed)." optional:""`
}

func (c *runsCmd) Run(a *app) error {
	runs, err := a.store.ListRuns(context.Background(), store.RunStatus(c.Status))
	if err != nil {
		return err
	}
	for _, rec := range runs {
		fmt.Printf("%s\t%s\t%s\tattempt=%d\n", rec.ID, rec.FunctionSlug, rec.Status, rec.Attempt)
	}
	return nil
}

type serveCmd struct{}

func (c *serveCmd) Run(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.runner.Recover(ctx); err != nil {
		a.logger.Warn("recover parked runs: %v", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("serving cron triggers, ctrl-c to stop")

	<-ctx.Done()

	if err := a.scheduler.Stop(context.Background()); err != nil {
		a.logger.Warn("scheduler stop: %v", err)
	}
	a.runner.Wait()
	return nil
}

// registerFunctions installs the demo workflows. When STEPFLOW_CONFIG (or
// ./stepflow.yaml) is present, function settings come from the config file
// and bind to these handlers by slug; otherwise the built-in defaults apply.
func registerFunctions(reg *stepflow.Registry) error {
	fns := demoFunctions()

	path := os.Getenv("STEPFLOW_CONFIG")
	if path == "" {
		if _, err := os.Stat("stepflow.yaml"); err == nil {
			path = "stepflow.yaml"
		}
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		cfg, err := stepflow.ParseConfigSet(raw)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		handlers := make(map[string]stepflow.Handler, len(fns))
		for _, fn := range fns {
			handlers[fn.Slug] = fn.Handler
		}
		return cfg.Apply(reg, handlers)
	}

	for _, fn := range fns {
		if err := reg.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func demoFunctions() []*stepflow.Function {
	order := &stepflow.Function{
		Slug: "order-pipeline",
		Name: "Order pipeline",
		Triggers: []stepflow.Trigger{
			{Event: "shop/order.placed"},
		},
		Config: stepflow.FunctionConfig{Retries: 3},
		Handler: func(ctx context.Context, input *stepflow.Input) (any, error) {
			charge, err := step.Run(ctx, "charge-card", func(ctx context.Context) (map[string]any, error) {
				return map[string]any{"charge_id": "ch_" + input.RunID[:8]}, nil
			})
			if err != nil {
				return nil, err
			}

			if err := step.Sleep(ctx, "settle-delay", 2*time.Second); err != nil {
				return nil, err
			}

			_, err = step.Run(ctx, "send-receipt", func(ctx context.Context) (bool, error) {
				return true, nil
			})
			if err != nil {
				return nil, err
			}

			return map[string]any{"charge": charge["charge_id"], "status": "fulfilled"}, nil
		},
	}

	cleanup := &stepflow.Function{
		Slug: "nightly-cleanup",
		Name: "Nightly cleanup",
		Triggers: []stepflow.Trigger{
			{Cron: "0 3 * * *"},
		},
		Handler: func(ctx context.Context, input *stepflow.Input) (any, error) {
			removed, err := step.Run(ctx, "purge-expired", func(ctx context.Context) (int, error) {
				return 0, nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"removed": removed}, nil
		},
	}

	return []*stepflow.Function{order, cleanup}
}
