// Package locks provides a named-operation try-lock. Concurrent triggers
// (connectivity callback, background tick, foreground transition) serialize
// per operation class; a second caller fails immediately instead of blocking,
// and every held lock is force-released after a hard timeout so no failure
// path can leave it held forever.
package locks

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when the operation class is already in flight.
var ErrBusy = errors.New("operation already in flight")

// Keyed is a set of per-key try-locks with a hold timeout.
type Keyed struct {
	mu          sync.Mutex
	held        map[string]uint64 // key -> generation of current holder
	gen         uint64
	holdTimeout time.Duration
}

// New creates a Keyed lock set. holdTimeout bounds how long any single
// acquisition may be held before it is released unconditionally.
func New(holdTimeout time.Duration) *Keyed {
	if holdTimeout <= 0 {
		holdTimeout = 3 * time.Second
	}
	return &Keyed{
		held:        make(map[string]uint64),
		holdTimeout: holdTimeout,
	}
}

// TryAcquire acquires the lock for op, or returns ErrBusy without blocking.
// The returned release function is idempotent and must be called (deferred)
// by the holder; if the holder overruns the hold timeout the lock is released
// on its behalf and a late release becomes a no-op.
func (k *Keyed) TryAcquire(op string) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.held[op]; ok {
		return nil, ErrBusy
	}
	k.gen++
	gen := k.gen
	k.held[op] = gen

	timer := time.AfterFunc(k.holdTimeout, func() {
		k.releaseGen(op, gen)
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			timer.Stop()
			k.releaseGen(op, gen)
		})
	}
	return release, nil
}

// Held reports whether op is currently held.
func (k *Keyed) Held(op string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.held[op]
	return ok
}

// releaseGen releases op only if still held by the given generation, so a
// watchdog firing after a manual release cannot free a newer holder.
func (k *Keyed) releaseGen(op string, gen uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if cur, ok := k.held[op]; ok && cur == gen {
		delete(k.held, op)
	}
}
