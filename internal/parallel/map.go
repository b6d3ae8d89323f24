// Package parallel runs a function over a sequence with bounded concurrency.
package parallel

import (
	"context"
	"iter"
	"sync"
)

// Map applies f to every input, at most limit calls run at once
type Map[In, Out any] struct {
	ctx   context.Context
	limit int
	f     func(context.Context, In) (Out, error)
}

func NewMap[In, Out any](ctx context.Context, limit int, f func(context.Context, In) (Out, error)) *Map[In, Out] {
	if limit < 1 {
		limit = 1
	}
	return &Map[In, Out]{ctx: ctx, limit: limit, f: f}
}

type result[Out any] struct {
	out Out
	err error
}

// Iter yields results in completion order. Errors of the input sequence are
// passed through. Iteration stops when the context is canceled, results
// finished after that are dropped.
func (m *Map[In, Out]) Iter(seq iter.Seq2[In, error]) iter.Seq2[Out, error] {
	return func(yield func(Out, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		results := make(chan result[Out])

		go func() {
			var wg sync.WaitGroup
			defer func() {
				wg.Wait()
				close(results)
			}()
			sem := make(chan struct{}, m.limit)
			for in, err := range seq {
				if err != nil {
					select {
					case results <- result[Out]{err: err}:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					out, err := m.f(ctx, in)
					<-sem
					select {
					case results <- result[Out]{out: out, err: err}:
					case <-ctx.Done():
					}
				}()
			}
		}()

		defer func() {
			cancel()
			for range results {
			}
		}()
		for r := range results {
			if ctx.Err() != nil {
				return
			}
			if !yield(r.out, r.err) {
				return
			}
		}
	}
}
