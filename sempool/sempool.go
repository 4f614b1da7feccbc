package sempool

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore.
type Semaphore struct {
	inner chan struct{}
}

// NewSemaphore returns a semaphore that admits capacity holders at once.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{inner: make(chan struct{}, capacity)}
}

// Acquire blocks until the semaphore is acquired or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.inner <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires the semaphore if it is free.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.inner <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases a previous acquisition.
func (s *Semaphore) Release() {
	select {
	case <-s.inner:
	default:
		panic("semaphore released before acquire")
	}
}

// Pool hands out one semaphore per key.
type Pool struct {
	capacity int

	mu sync.Mutex
	ss map[string]*poolEntry
}

type poolEntry struct {
	sem  *Semaphore
	refs int
}

// NewPool returns a Pool whose semaphores admit capacity holders.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity, ss: map[string]*poolEntry{}}
}

// Acquire acquires the semaphore of key. The returned function releases it.
// Semaphores are dropped once nobody holds or waits on them.
func (p *Pool) Acquire(ctx context.Context, key string) (func(), error) {
	p.mu.Lock()
	e, ok := p.ss[key]
	if !ok {
		e = &poolEntry{sem: NewSemaphore(p.capacity)}
		p.ss[key] = e
	}
	e.refs++
	p.mu.Unlock()

	if err := e.sem.Acquire(ctx); err != nil {
		p.unref(key, e)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release()
			p.unref(key, e)
		})
	}, nil
}

// Len returns the number of keys held or waited on.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ss)
}

func (p *Pool) unref(key string, e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(p.ss, key)
	}
}
