// Package stream composes pull-based sequences. Every stage is lazy: nothing
// is read from upstream until a consumer asks for it, and a consumer that
// stops early stops the whole chain.
package stream

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Seq yields values or a terminal error. After yielding a non-nil error a
// sequence yields nothing else.
type Seq[T any] = iter.Seq2[T, error]

// FromSlice yields items in order.
func FromSlice[T any](items []T) Seq[T] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Fail yields a single error.
func Fail[T any](err error) Seq[T] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// Filter passes through items for which keep returns true.
func Filter[T any](seq Seq[T], keep func(T) bool) Seq[T] {
	return func(yield func(T, error) bool) {
		for item, err := range seq {
			if err != nil {
				yield(item, err)
				return
			}
			if !keep(item) {
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Map transforms each item.
func Map[T, R any](seq Seq[T], fn func(T) R) Seq[R] {
	return func(yield func(R, error) bool) {
		for item, err := range seq {
			if err != nil {
				var zero R
				yield(zero, err)
				return
			}
			if !yield(fn(item), nil) {
				return
			}
		}
	}
}

// Take stops pulling from upstream as soon as n items have been produced.
func Take[T any](seq Seq[T], n int) Seq[T] {
	return func(yield func(T, error) bool) {
		if n <= 0 {
			return
		}
		taken := 0
		for item, err := range seq {
			if err != nil {
				yield(item, err)
				return
			}
			if !yield(item, nil) {
				return
			}
			taken++
			if taken >= n {
				return
			}
		}
	}
}

// Reduce folds the sequence in delivery order.
func Reduce[T, A any](seq Seq[T], acc A, fn func(A, T) A) (A, error) {
	for item, err := range seq {
		if err != nil {
			return acc, err
		}
		acc = fn(acc, item)
	}
	return acc, nil
}

// Collect drains the sequence into a slice.
func Collect[T any](seq Seq[T]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Result is the outcome of one ParallelMap call.
type Result[R any] struct {
	Value R
	Err   error
}

// ParallelMap runs fn over items with at most limit calls in flight.
// Results come back in input order. A failing item never cancels its
// siblings; each failure is reported in its own slot.
func ParallelMap[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result[R]{Err: err}
				return nil
			}
			value, err := fn(ctx, item)
			results[i] = Result[R]{Value: value, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
