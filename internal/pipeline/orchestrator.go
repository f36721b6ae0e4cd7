package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

type component struct {
	name string
	run  func(ctx context.Context) error
}

// Orchestrator runs named components concurrently. A component that returns
// nil simply finishes; the first one to fail cancels the rest.
type Orchestrator struct {
	components []component
	logger     *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "orchestrator"))}
}

// Add registers a component. Must be called before Run.
func (o *Orchestrator) Add(name string, run func(ctx context.Context) error) {
	o.components = append(o.components, component{name: name, run: run})
}

// Run starts every component and waits for all of them. Errors that are only
// the shared context being cancelled are not reported.
func (o *Orchestrator) Run(ctx context.Context) error {
	names := make([]string, len(o.components))
	for i, c := range o.components {
		names[i] = c.name
	}
	o.logger.InfoContext(ctx, "orchestrator starting", slog.Any("components", names))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range o.components {
		g.Go(func() error {
			err := c.run(gctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			o.logger.InfoContext(gctx, "component finished", slog.String("name", c.name))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.InfoContext(ctx, "orchestrator stopped cleanly")
	return nil
}
