// Package stream implements lazy, push-based element streams with
// consumer-driven cancellation.
//
// A Stream owns one producer goroutine. The producer hands elements to the
// consumer through an unbuffered channel, so a slow consumer throttles the
// producer and nothing is buffered. The first failure returned by the producer
// terminates the stream; elements already received stay valid.
//
// Once the consumer calls Cancel, the producer's context is done, pending and
// future emits fail, and Recv reports ErrCanceled: neither elements nor
// producer failures are delivered afterwards. Consumers must either drain a
// stream to its end or Cancel it, otherwise the producer goroutine stays
// parked on its next emit until the parent context ends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrCanceled is returned by Recv after the consumer canceled the stream.
var ErrCanceled = errors.New("stream: canceled")

// Producer pushes elements with emit until it is done. Returning nil ends the
// stream cleanly, returning an error terminates it with that failure. emit
// fails once the stream is canceled; producers should return promptly then.
type Producer[T any] func(ctx context.Context, emit func(T) error) error

// Stream is a finite or infinite sequence of T produced by a Producer.
type Stream[T any] struct {
	ch       chan T
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
	err      error // written by the producer goroutine before ch is closed
}

// New starts produce in its own goroutine and returns the consumer handle.
// When ctx is done, pending and future emits fail with ctx.Err(); the stream
// ends the way the producer then returns. A nil return is a clean end even if
// ctx is done by then.
func New[T any](ctx context.Context, produce Producer[T]) *Stream[T] {
	sctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		ch:     make(chan T),
		parent: ctx,
		ctx:    sctx,
		cancel: cancel,
	}
	go s.run(produce)
	return s
}

func (s *Stream[T]) run(produce Producer[T]) {
	err := s.produce(produce)
	switch {
	case s.canceled.Load():
		// failures raced with the consumer's cancellation are dropped
	case err != nil:
		s.err = err
	}
	s.cancel()
	close(s.ch)
}

func (s *Stream[T]) produce(produce Producer[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream: producer panic: %v", r)
		}
	}()
	return produce(s.ctx, s.emit)
}

func (s *Stream[T]) emit(v T) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	select {
	case s.ch <- v:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Recv returns the next element. At the end of the stream it returns io.EOF,
// or the terminal failure if the producer failed; both are sticky. After
// Cancel it returns ErrCanceled. ctx only bounds this one wait.
func (s *Stream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if s.canceled.Load() {
		return zero, ErrCanceled
	}
	select {
	case v, ok := <-s.ch:
		if s.canceled.Load() {
			return zero, ErrCanceled
		}
		if !ok {
			if s.err != nil {
				return zero, s.err
			}
			return zero, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Cancel stops the stream. It never blocks and is safe to call repeatedly.
func (s *Stream[T]) Cancel() {
	if s.canceled.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Canceled reports whether the consumer canceled the stream.
func (s *Stream[T]) Canceled() bool {
	return s.canceled.Load()
}

// Map returns a stream of fn applied to every element of src. The first error
// from src or fn terminates the result. A failure of fn that happens after the
// result was canceled is discarded. Canceling the result cancels src.
func Map[T, U any](src *Stream[T], fn func(T) (U, error)) *Stream[U] {
	return transform(src, fn, nil, nil)
}

// MapError returns src with its terminal failure replaced by fn(err). Clean
// ends and cancellation are passed through untouched.
func MapError[T any](src *Stream[T], fn func(error) error) *Stream[T] {
	return transform(src, identity[T], fn, nil)
}

// Finally returns src unchanged except that fn runs once the stream is over,
// however it ended.
func Finally[T any](src *Stream[T], fn func()) *Stream[T] {
	return transform(src, identity[T], nil, fn)
}

func identity[T any](v T) (T, error) { return v, nil }

// transform derives a stream from src. The derived stream ends when src ends
// or when its consumer cancels it; canceling src's parent context reaches it
// through src only, so an onDone that cancels that context cannot fail it.
func transform[T, U any](src *Stream[T], fn func(T) (U, error), onErr func(error) error, onDone func()) *Stream[U] {
	return New(context.WithoutCancel(src.parent), func(ctx context.Context, emit func(U) error) error {
		if onDone != nil {
			defer onDone()
		}
		defer src.Cancel()
		for {
			v, err := src.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if onErr != nil {
					err = onErr(err)
				}
				return err
			}
			u, err := fn(v)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if onErr != nil {
					err = onErr(err)
				}
				return err
			}
			if err := emit(u); err != nil {
				return err
			}
		}
	})
}

// FromSlice streams the given items in order.
func FromSlice[T any](ctx context.Context, items []T) *Stream[T] {
	return New(ctx, func(ctx context.Context, emit func(T) error) error {
		for _, item := range items {
			if err := emit(item); err != nil {
				return err
			}
		}
		return nil
	})
}

// Empty returns a stream that ends immediately.
func Empty[T any](ctx context.Context) *Stream[T] {
	return FromSlice[T](ctx, nil)
}

// Failed returns a stream that terminates with err before any element.
func Failed[T any](ctx context.Context, err error) *Stream[T] {
	return New(ctx, func(context.Context, func(T) error) error {
		return err
	})
}

// ForEach calls fn for every element until the stream ends. It returns nil on
// a clean end, otherwise the terminal failure or fn's error; in the latter case
// the stream is canceled.
func ForEach[T any](ctx context.Context, s *Stream[T], fn func(T) error) error {
	for {
		v, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			s.Cancel()
			return err
		}
	}
}

// Collect drains s. It returns the elements received before the end together
// with the terminal failure, if any.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	err := ForEach(ctx, s, func(v T) error {
		out = append(out, v)
		return nil
	})
	return out, err
}
