package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Source produces values one at a time.
//
// Next blocks until a value is ready, the source is exhausted (io.EOF), or
// ctx is done. A source implementing io.Closer is closed once Merge retires
// it.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

// FromSlice returns a finite source yielding ts in order.
func FromSlice[T any](ts []T) Source[T] {
	i := 0
	return SourceFunc[T](func(ctx context.Context) (T, error) {
		if err := ctx.Err(); err != nil {
			return *new(T), err
		}
		if i >= len(ts) {
			return *new(T), io.EOF
		}
		t := ts[i]
		i++
		return t, nil
	})
}

// FromChan returns a source draining ch until it is closed.
func FromChan[T any](ch <-chan T) Source[T] {
	return SourceFunc[T](func(ctx context.Context) (T, error) {
		select {
		case <-ctx.Done():
			return *new(T), ctx.Err()
		case t, ok := <-ch:
			if !ok {
				return *new(T), io.EOF
			}
			return t, nil
		}
	})
}

// Merge fans in sources into one channel in arrival order.
//
// Each source has at most one fetch in flight: the next fetch starts only
// after the previous value has been taken by the consumer. An exhausted
// source is retired silently; a failing source is retired after its error
// is delivered as an Err result. Once every source is retired a Done result
// is sent and the channel is closed.
//
// Cancelling ctx cancels all in-flight fetches. The channel is then closed
// without a Done result and no value fetched after cancellation is
// delivered.
func Merge[T any](ctx context.Context, sources ...Source[T]) <-chan Result[T] {
	out := make(chan Result[T])
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source[T]) {
			defer wg.Done()
			defer closeSource(src)
			for {
				v, err := src.Next(ctx)
				if ctx.Err() != nil {
					return
				}
				var res Result[T]
				switch {
				case err == nil:
					res = Ok(v)
				case errors.Is(err, io.EOF):
					return
				default:
					res = Err[T](err)
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
				if res.Kind == KindErr {
					return
				}
			}
		}(src)
	}

	go func() {
		defer close(out)
		defer cancel()
		wg.Wait()
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- Done[T]():
		case <-ctx.Done():
		}
	}()

	return out
}

func closeSource[T any](src Source[T]) {
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
}
