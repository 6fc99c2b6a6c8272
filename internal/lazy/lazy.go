// Package lazy provides lazily initialized values
package lazy

import (
	"context"
	"sync"
)

// Loader produces the value on first use
type Loader[T any] func(ctx context.Context) (T, error)

// Value is loaded on the first Get. A failed load is not remembered, so
// the next Get tries again.
type Value[T any] struct {
	mu     sync.Mutex
	loader Loader[T]
	value  T
	loaded bool
}

// New creates a lazy value
func New[T any](loader Loader[T]) *Value[T] {
	return &Value[T]{loader: loader}
}

// Get returns the value, loading it if necessary
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.loaded {
		return v.value, nil
	}
	value, err := v.loader(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	v.value, v.loaded = value, true
	return value, nil
}

// Peek returns the value without loading it
func (v *Value[T]) Peek() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.loaded
}

// Reset forgets the loaded value and returns it, if any
func (v *Value[T]) Reset() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	value, loaded := v.value, v.loaded
	var zero T
	v.value, v.loaded = zero, false
	return value, loaded
}
