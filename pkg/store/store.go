// Package store implements the minimal reactive store contract shared by
// every mirror: subscribe with synchronous delivery of the current value,
// set/update for writable stores, and an optional start/stop notifier
// that tracks the subscriber count across the 0→1 and 1→0 edges. The
// notifier is where a mirror attaches and detaches its single backend
// listener, so the refcounting here is what guarantees at most one
// listener per mirror regardless of how many consumers overlap.
package store

import "sync"

// StartFunc is invoked when the subscriber count rises from zero to one.
// It receives a set function publishing into the store and returns a stop
// function invoked when the count falls back to zero. Both may be called
// from any goroutine; set is safe to call from inside StartFunc itself.
type StartFunc[T any] func(set func(T)) (stop func())

// Value is a mutex-guarded observable value. The zero Value is not
// usable; construct with New or NewWithStart.
type Value[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[uint64]func(T)
	next  uint64

	start   StartFunc[T]
	stop    func()
	started bool
}

// New returns a Value seeded with initial and no start notifier.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		value: initial,
		subs:  make(map[uint64]func(T)),
	}
}

// NewWithStart returns a Value whose start notifier runs while at least
// one subscriber is attached.
func NewWithStart[T any](initial T, start StartFunc[T]) *Value[T] {
	v := New(initial)
	v.start = start
	return v
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set stores val and notifies every subscriber. Subscriber callbacks run
// outside the store lock, so a callback may call Set or Subscribe again
// without deadlocking.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.value = val
	targets := v.collectLocked()
	v.mu.Unlock()

	for _, fn := range targets {
		fn(val)
	}
}

// Update applies fn to the current value and stores the result, notifying
// subscribers as Set does. fn runs under the store lock and must not call
// back into the store.
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	v.value = fn(v.value)
	val := v.value
	targets := v.collectLocked()
	v.mu.Unlock()

	for _, t := range targets {
		t(val)
	}
}

// Subscribe registers fn, invokes it synchronously with the current
// value, and returns an idempotent unsubscribe function. The first
// subscriber triggers the start notifier after its initial delivery; the
// stop function returned by the notifier runs once the last subscriber
// detaches.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = fn
	val := v.value
	first := len(v.subs) == 1 && !v.started
	if first {
		v.started = true
	}
	v.mu.Unlock()

	fn(val)

	if first && v.start != nil {
		stop := v.start(v.Set)
		v.mu.Lock()
		if len(v.subs) == 0 {
			// Everyone unsubscribed while the notifier was starting.
			v.started = false
			v.mu.Unlock()
			if stop != nil {
				stop()
			}
		} else {
			v.stop = stop
			v.mu.Unlock()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			last := len(v.subs) == 0 && v.started
			var stop func()
			if last {
				v.started = false
				stop = v.stop
				v.stop = nil
			}
			v.mu.Unlock()
			if last && stop != nil {
				stop()
			}
		})
	}
}

// Subscribers reports the number of attached subscribers.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func (v *Value[T]) collectLocked() []func(T) {
	targets := make([]func(T), 0, len(v.subs))
	for _, fn := range v.subs {
		targets = append(targets, fn)
	}
	return targets
}
