package limiter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 3

// Task is a deferred unit of work. The context is cancelled once any
// sibling task has failed.
type Task func(ctx context.Context) error

// Run executes tasks with at most n of them in flight. Tasks are
// admitted in order, each as soon as a slot frees up. The first failure
// cancels the context handed to in-flight tasks and stops admission;
// Run returns that error once the in-flight tasks have settled.
func Run(ctx context.Context, tasks []Task, n int) error {
	if n <= 0 {
		n = DefaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)

	for _, task := range tasks {
		if gctx.Err() != nil {
			break
		}

		task := task
		// Blocks until a slot is free.
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return task(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// Sequential executes tasks one after another in order, stopping at the
// first failure.
func Sequential(ctx context.Context, tasks []Task) error {
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := task(ctx); err != nil {
			return err
		}
	}

	return nil
}
