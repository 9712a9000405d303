// Package worker runs a function over a slice with bounded parallelism.
package worker

import (
	"context"
	"fmt"
	"sync"
)

// DefaultWorkers is used when Options.Workers is not positive.
const DefaultWorkers = 8

// Options configures Map.
type Options struct {
	Workers int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	return o
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error

	// Dispatched is false when the item never reached a worker because the
	// context was canceled first. Err is then the context error.
	Dispatched bool
}

// Map runs fn over items and returns results in input order. Items already
// handed to a worker always complete; once ctx is done no further items are
// dispatched. A panic inside fn is reported as that item's error.
func Map[In any, Out any](
	ctx context.Context,
	items []In,
	fn func(context.Context, In) (Out, error),
	opts Options,
) []Result[In, Out] {
	opts = opts.withDefaults()
	if opts.Workers > len(items) {
		opts.Workers = len(items)
	}

	out := make([]Result[In, Out], len(items))
	for i, item := range items {
		out[i].Input = item
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				out[idx].Dispatched = true
				out[idx].Output, out[idx].Err = call(ctx, items[idx], fn)
			}
		}()
	}

	next := 0
dispatch:
	for ; next < len(items); next++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- next:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if next < len(items) {
		err := ctx.Err()
		for i := next; i < len(items); i++ {
			out[i].Err = err
		}
	}
	return out
}

func call[In any, Out any](ctx context.Context, in In, fn func(context.Context, In) (Out, error)) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx, in)
}
