package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrIteratorDone is returned by Iterator.Next when iteration is exhausted.
var ErrIteratorDone = errors.New("iterator done")

type Iterator[T any] interface {
	// Next will return the next available item. If the iterator is exhausted
	// it returns ErrIteratorDone; if the context is cancelled it returns the
	// context error.
	Next(ctx context.Context) (T, error)

	// Stop terminates iteration over the underlying iterator.
	Stop()
}

type staticIterator[T any] struct {
	items []T
	mu    sync.Mutex
}

// NewStaticIterator returns an iterator over a fixed slice. It is used by the
// memory backend and by tests.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return zero, ErrIteratorDone
	}

	next, rest := s.items[0], s.items[1:]
	s.items = rest
	return next, nil
}

func (s *staticIterator[T]) Stop() {}

// Drain consumes the iterator until ErrIteratorDone and returns every item.
func Drain[T any](ctx context.Context, iter Iterator[T]) ([]T, error) {
	defer iter.Stop()

	var out []T
	for {
		item, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, item)
	}
}
