package environment

import (
	"context"
	"sync"
)

// Lock is a context-aware mutex backed by a one-slot channel
type Lock struct {
	ch chan struct{}
}

// NewLock creates an unlocked Lock
func NewLock() *Lock {
	return &Lock{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held or ctx is done
func (l *Lock) Acquire(ctx context.Context) (*Guard, error) {
	select {
	case l.ch <- struct{}{}:
		return &Guard{lock: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Guard is a held Lock. Release may be called any number of times.
type Guard struct {
	lock *Lock
	once sync.Once
}

// Release unlocks the guarded Lock once
func (g *Guard) Release() {
	g.once.Do(func() { <-g.lock.ch })
}
