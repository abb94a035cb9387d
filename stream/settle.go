package stream

import (
	"context"
	"time"
)

// Settle gathers values until none has arrived for quiet and emits them as
// one batch. An editor saving a file in several writes yields one batch.
// Values still pending when the source ends form a final batch.
func Settle[T any](s *Stream[T], quiet time.Duration) *Stream[[]T] {
	return &Stream[[]T]{
		create: func(ctx context.Context) Iterator[[]T] {
			source := s.create(ctx)
			pumpCtx, cancel := context.WithCancel(ctx)
			ch := make(chan result[T], 1)
			go func() {
				defer close(ch)
				for {
					val, ok, err := source.Next(pumpCtx)
					if err != nil {
						send(pumpCtx, ch, result[T]{err: err})
						return
					}
					if !ok || !send(pumpCtx, ch, result[T]{val: val, ok: true}) {
						return
					}
				}
			}()
			return &settleIter[T]{ch: ch, quiet: quiet, closer: func() error {
				cancel()
				return source.Close()
			}}
		},
	}
}

type settleIter[T any] struct {
	ch     <-chan result[T]
	quiet  time.Duration
	closer func() error
}

func (it *settleIter[T]) Next(ctx context.Context) ([]T, bool, error) {
	var batch []T
	// nil until the first value: an idle source never fires.
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case r, open := <-it.ch:
			if !open {
				return batch, len(batch) > 0, nil
			}
			if r.err != nil {
				return nil, false, r.err
			}
			batch = append(batch, r.val)
			if timer == nil {
				timer = time.NewTimer(it.quiet)
				fire = timer.C
			} else {
				timer.Reset(it.quiet)
			}
		case <-fire:
			return batch, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (it *settleIter[T]) Close() error { return it.closer() }
