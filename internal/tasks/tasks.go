// Package tasks tracks detached cleanup goroutines so an interrupted run
// can still tear down what it started before the process exits.
package tasks

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/internal/tasks")

// Client runs functions on detached contexts and lets the caller bound
// how long it waits for all of them on shutdown.
type Client struct {
	running sync.WaitGroup
}

func New() *Client {
	return &Client{}
}

// Run spawns fn on a context that survives cancellation of ctx. The task
// is tracked until it returns; Shutdown decides how long stragglers get.
func (c *Client) Run(ctx context.Context, fn func(context.Context)) {
	c.running.Add(1)
	go func() {
		defer c.running.Done()

		taskCtx, span := tracer.Start(context.WithoutCancel(ctx), "tasks.Run")
		defer span.End()

		fn(taskCtx)

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "ran task")
	}()
}

// Shutdown blocks until every tracked task has returned or ctx is done,
// whichever comes first.
func (c *Client) Shutdown(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tasks.Shutdown")
	defer span.End()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		err := errors.New("tasks still running at deadline")
		span.RecordError(err)
		span.SetStatus(codes.Error, "shutdown deadline hit")
		return err
	case <-done:
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "all tasks finished")
		return nil
	}
}
