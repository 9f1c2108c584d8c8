package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls mapFunc for every input with at most limit calls in flight and
// waits for all of them. Inputs are started in order as slots free up; the
// returned slice keeps input order regardless of completion order.
//
// mapFunc cannot fail: one slow or failing element never cancels siblings,
// so callers encode failures in D.
func Map[E, D any](ctx context.Context, limit int, inputs []E, mapFunc func(context.Context, int, E) D) []D {
	if limit < 1 {
		limit = 1
	}
	out := make([]D, len(inputs))
	var g errgroup.Group
	g.SetLimit(limit)
	for idx, entry := range inputs {
		g.Go(func() error {
			out[idx] = mapFunc(ctx, idx, entry)
			return nil
		})
	}
	_ = g.Wait() // goroutines do not return an error
	return out
}
