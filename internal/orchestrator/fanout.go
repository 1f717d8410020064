package orchestrator

import (
	"context"
	"fmt"

	"github.com/SDU-eScience/UCloud-sub028/internal/provider"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentProviders = 16

// Result is the outcome of a single item of a batch.
type Result[R any] struct {
	Provider string
	Value    R
	Err      error
}

func (r Result[R]) Ok() bool {
	return r.Err == nil
}

// DispatchFn sends the items of a single provider and answers them in order.
type DispatchFn[T any, R any] func(ctx context.Context, providerID string, items []T) ([]R, error)

type group struct {
	provider string
	indices  []int
}

// FanOut splits items per provider, dispatches one batch per provider and puts the
// answers back at the index of the item they belong to. A failing batch marks only
// its own items. The returned error aggregates every failed batch.
func FanOut[T any, R any](ctx context.Context, items []T, providerOf func(T) string, dispatch DispatchFn[T, R]) ([]Result[R], error) {
	results := make([]Result[R], len(items))
	groups := groupByProvider(items, providerOf)

	errs := make([]error, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProviders)
	for gi := range groups {
		gi := gi
		gr := groups[gi]
		g.Go(func() error {
			batch := make([]T, len(gr.indices))
			for i, idx := range gr.indices {
				batch[i] = items[idx]
			}

			answers, err := dispatch(gctx, gr.provider, batch)
			if err == nil && len(answers) != len(batch) {
				err = fmt.Errorf("%w: %d answers for %d items", provider.ErrBadResponse, len(answers), len(batch))
			}

			for i, idx := range gr.indices {
				results[idx].Provider = gr.provider
				if err != nil {
					results[idx].Err = err
					continue
				}
				results[idx].Value = answers[i]
			}
			if err != nil {
				errs[gi] = fmt.Errorf("provider %s: %w", gr.provider, err)
			}
			// a failing provider never cancels the batches of the others
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return results, merr.ErrorOrNil()
}

func groupByProvider[T any](items []T, providerOf func(T) string) []group {
	var groups []group
	index := map[string]int{}
	for i, it := range items {
		p := providerOf(it)
		gi, found := index[p]
		if !found {
			groups = append(groups, group{provider: p})
			gi = len(groups) - 1
			index[p] = gi
		}
		groups[gi].indices = append(groups[gi].indices, i)
	}
	return groups
}

// Invoke fans items out as batched provider calls.
func Invoke[T any, R any](ctx context.Context, registry *provider.Registry, ns provider.Namespace, verb provider.Verb, items []T, providerOf func(T) string) ([]Result[R], error) {
	return FanOut(ctx, items, providerOf, func(ctx context.Context, providerID string, batch []T) ([]R, error) {
		comm, err := registry.PrepareCommunication(ctx, providerID)
		if err != nil {
			return nil, err
		}
		return provider.CallBulk[T, R](ctx, comm.Client, ns, verb, batch)
	})
}

// Errors collects the per-item failures of a fan-out, keyed by item index.
func Errors[R any](results []Result[R]) map[int]error {
	failed := map[int]error{}
	for i, r := range results {
		if r.Err != nil {
			failed[i] = r.Err
		}
	}
	return failed
}
