// Package stream provides small single-consumer stream combinators.
package stream

import (
	"context"
	"sync"
)

// Stream is a pull-based sequence with one consumer. Next blocks until the
// next value, the end of the stream (ok == false, err == nil), a failure of
// the stream, or the end of ctx. After Next reports the end or an error it
// keeps doing so. Close releases the stream's resources and may be called
// more than once.
type Stream[T any] interface {
	Next(ctx context.Context) (value T, ok bool, err error)
	Close()
}

type once[T any] struct {
	mu   sync.Mutex
	v    T
	done bool
}

// Once returns a stream yielding v and then ending.
func Once[T any](v T) Stream[T] { return &once[T]{v: v} }

func (o *once[T]) Next(ctx context.Context) (T, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var zero T
	if o.done {
		return zero, false, nil
	}
	o.done = true
	v := o.v
	o.v = zero
	return v, true, nil
}

func (o *once[T]) Close() {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
}

type channel[T any] struct {
	ch        <-chan T
	err       func() error
	close     func()
	closeOnce sync.Once
}

// FromChannel adapts ch. err, when not nil, is consulted once ch is closed to
// tell a failure from a clean end. closeFn, when not nil, runs on Close.
func FromChannel[T any](ch <-chan T, err func() error, closeFn func()) Stream[T] {
	return &channel[T]{ch: ch, err: err, close: closeFn}
}

func (c *channel[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case v, ok := <-c.ch:
		if ok {
			return v, true, nil
		}
		if c.err != nil {
			if err := c.err(); err != nil {
				return zero, false, err
			}
		}
		return zero, false, nil
	}
}

func (c *channel[T]) Close() {
	c.closeOnce.Do(func() {
		if c.close != nil {
			c.close()
		}
	})
}

type concat[T any] struct {
	mu      sync.Mutex
	streams []Stream[T]
	err     error
}

// Concat yields every value of each stream in turn. The first error ends the
// concatenation; streams after the failing one are never read.
func Concat[T any](streams ...Stream[T]) Stream[T] {
	return &concat[T]{streams: streams}
}

func (c *concat[T]) Next(ctx context.Context) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	for {
		if c.err != nil {
			return zero, false, c.err
		}
		if len(c.streams) == 0 {
			return zero, false, nil
		}
		v, ok, err := c.streams[0].Next(ctx)
		if ok {
			return v, true, nil
		}
		if err != nil {
			// A cancelled read leaves the stream usable.
			if ctx.Err() != nil && err == ctx.Err() {
				return zero, false, err
			}
			c.err = err
			return zero, false, err
		}
		c.streams[0].Close()
		c.streams = c.streams[1:]
	}
}

func (c *concat[T]) Close() {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}
