// Package fanout provides the per-watcher delivery queue shared by the
// backend implementations: snapshots are pushed in order without ever
// blocking the pusher, and delivered to the watcher callback on a
// dedicated goroutine.
package fanout

import "sync"

// Mailbox delivers queued items to one callback in push order.
type Mailbox[S any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []S
	closed bool
	done   chan struct{}
}

// New starts a Mailbox delivering to fn.
func New[S any](fn func(S)) *Mailbox[S] {
	mb := &Mailbox[S]{done: make(chan struct{})}
	mb.cond = sync.NewCond(&mb.mu)
	go mb.run(fn)
	return mb
}

// Push queues s for delivery. Push never blocks, which matters because
// backends push while holding their store lock.
func (mb *Mailbox[S]) Push(s S) {
	mb.mu.Lock()
	if !mb.closed {
		mb.queue = append(mb.queue, s)
		mb.cond.Signal()
	}
	mb.mu.Unlock()
}

// Close stops delivery. Queued but undelivered items are dropped; a
// watcher that detached has no use for them. Close does not wait for an
// in-flight callback, so it is safe to call from inside one.
func (mb *Mailbox[S]) Close() {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.closed = true
	mb.queue = nil
	mb.cond.Signal()
	mb.mu.Unlock()
}

// Wait blocks until the delivery goroutine has exited.
func (mb *Mailbox[S]) Wait() {
	<-mb.done
}

func (mb *Mailbox[S]) run(fn func(S)) {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			mb.mu.Unlock()
			return
		}
		next := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		fn(next)
	}
}
