package engine

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// runHooks invokes fn for every item, at most slots at a time, and collects
// every failure instead of stopping at the first one. A failing hook must not
// cancel its siblings, so the group carries no shared context.
func runHooks[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	var (
		group  errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	if slots > 0 {
		group.SetLimit(slots)
	}
	for _, item := range items {
		item := item
		group.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return result.ErrorOrNil()
}
