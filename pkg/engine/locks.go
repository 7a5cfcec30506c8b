package engine

import (
	"context"
	"sync"
)

// keyedLocks provides per-key mutual exclusion with context-aware blocking
// acquisition. Each key maps to a one-slot semaphore; entries are dropped
// once no holder or waiter remains.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]*lockSlot)}
}

func (k *keyedLocks) slot(key string) *lockSlot {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *keyedLocks) put(key string, s *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Acquire blocks until the key's lock is held or ctx is done.
func (k *keyedLocks) Acquire(ctx context.Context, key string) (release func(), err error) {
	s := k.slot(key)

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.put(key, s)
		}, nil
	case <-ctx.Done():
		k.put(key, s)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the key's lock only if it is free.
func (k *keyedLocks) TryAcquire(key string) (release func(), ok bool) {
	s := k.slot(key)

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.put(key, s)
		}, true
	default:
		k.put(key, s)
		return nil, false
	}
}
