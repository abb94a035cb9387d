// Package stream is a small set of pull-based stream operators. The
// template watcher uses it to filter file events and settle them into
// batches; the minutes orchestrator uses it to fan sections out to the LLM
// gateway while keeping template order.
//
//	sections := stream.FromSlice(tmpl.Sections)
//	results := stream.Parallel(sections, 8, generate)
//	out, err := stream.Collect(ctx, results) // in section order
//
// Streams are lazy: nothing runs until Collect or ForEach pulls values.
package stream

import "context"

// Iterator gives pull-based access to a sequence of values.
type Iterator[T any] interface {
	// Next returns the next value, or (zero, false, nil) when exhausted.
	Next(ctx context.Context) (T, bool, error)
	Close() error
}

// Stream is a lazy sequence of values.
type Stream[T any] struct {
	create func(ctx context.Context) Iterator[T]
}

// Iter opens the stream. The caller must Close the iterator.
func (s *Stream[T]) Iter(ctx context.Context) Iterator[T] {
	return s.create(ctx)
}

type result[T any] struct {
	val T
	ok  bool
	err error
}

// channelIter reads results produced by a goroutine.
type channelIter[T any] struct {
	ch     <-chan result[T]
	closer func() error
}

func (it *channelIter[T]) Next(ctx context.Context) (T, bool, error) {
	select {
	case r, open := <-it.ch:
		if !open {
			var zero T
			return zero, false, nil
		}
		return r.val, r.ok, r.err
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

func (it *channelIter[T]) Close() error {
	if it.closer != nil {
		return it.closer()
	}
	return nil
}

// FromSlice streams the items in order.
func FromSlice[T any](items []T) *Stream[T] {
	return &Stream[T]{
		create: func(context.Context) Iterator[T] {
			return &sliceIter[T]{items: items}
		},
	}
}

// FromChannel streams values received from ch until it is closed.
func FromChannel[T any](ch <-chan T) *Stream[T] {
	return &Stream[T]{
		create: func(context.Context) Iterator[T] {
			return &recvIter[T]{ch: ch}
		},
	}
}

// Collect pulls every value into a slice. On error the values read so far
// are returned with it.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	iter := s.create(ctx)
	defer iter.Close()
	var out []T
	for {
		val, ok, err := iter.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, val)
	}
}

// ForEach pulls every value and calls fn on it, stopping at the first error.
func ForEach[T any](ctx context.Context, s *Stream[T], fn func(context.Context, T) error) error {
	iter := s.create(ctx)
	defer iter.Close()
	for {
		val, ok, err := iter.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(ctx, val); err != nil {
			return err
		}
	}
}

type sliceIter[T any] struct {
	items []T
	index int
}

func (it *sliceIter[T]) Next(context.Context) (T, bool, error) {
	if it.index >= len(it.items) {
		var zero T
		return zero, false, nil
	}
	val := it.items[it.index]
	it.index++
	return val, true, nil
}

func (it *sliceIter[T]) Close() error { return nil }

type recvIter[T any] struct {
	ch <-chan T
}

func (it *recvIter[T]) Next(ctx context.Context) (T, bool, error) {
	select {
	case v, open := <-it.ch:
		return v, open, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

func (it *recvIter[T]) Close() error { return nil }
