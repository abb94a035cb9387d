package stream

import (
	"context"
	"sync"
)

type indexed[T any] struct {
	idx int
	val T
	err error
}

// Parallel applies fn to each value with up to n workers and emits the
// results in input order: a slow value holds back the ones after it. The
// first error is emitted as soon as it happens and cancels the other workers.
func Parallel[I, O any](s *Stream[I], n int, fn func(context.Context, I) (O, error)) *Stream[O] {
	n = max(n, 1)
	return &Stream[O]{
		create: func(ctx context.Context) Iterator[O] {
			source := s.create(ctx)
			workerCtx, cancel := context.WithCancel(ctx)
			jobs := make(chan indexed[I], n)
			done := make(chan indexed[O], n)
			out := make(chan result[O], n)

			var wg sync.WaitGroup
			wg.Go(func() {
				defer close(jobs)
				for idx := 0; ; idx++ {
					val, ok, err := source.Next(workerCtx)
					if err != nil {
						send(workerCtx, done, indexed[O]{idx: idx, err: err})
						return
					}
					if !ok || !send(workerCtx, jobs, indexed[I]{idx: idx, val: val}) {
						return
					}
				}
			})
			for range n {
				wg.Go(func() {
					for job := range jobs {
						o, err := fn(workerCtx, job.val)
						if !send(workerCtx, done, indexed[O]{idx: job.idx, val: o, err: err}) || err != nil {
							return
						}
					}
				})
			}
			go func() {
				wg.Wait()
				close(done)
			}()

			go func() {
				defer close(out)
				pending := make(map[int]O)
				next := 0
				for r := range done {
					if r.err != nil {
						send(workerCtx, out, result[O]{err: r.err})
						cancel()
						return
					}
					pending[r.idx] = r.val
					for {
						val, ok := pending[next]
						if !ok {
							break
						}
						delete(pending, next)
						next++
						if !send(workerCtx, out, result[O]{val: val, ok: true}) {
							return
						}
					}
				}
			}()

			return &channelIter[O]{
				ch: out,
				closer: func() error {
					cancel()
					return source.Close()
				},
			}
		},
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
