// Package strand implements the "strand" serialization domain of
// spec section 5: a single-consumer goroutine draining a channel of
// closures, so that work posted to the same strand is always
// serialized even when multiple OS threads post to it concurrently.
// This replaces the recursive-mutex/upgradable-lock approach of the
// source implementation with message-passing, per spec section 9's
// design note.
package strand

import "context"

// Strand serializes closures onto one owning goroutine.
type Strand struct {
	tasks chan func()
	done  chan struct{}
}

// New creates a Strand with a task queue of queueDepth closures. It
// does not start it: call Run in a goroutine to drive it.
func New(queueDepth int) *Strand {
	return &Strand{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
}

// Run drains the strand until ctx is cancelled. Exactly one goroutine
// must call Run for a given Strand.
func (s *Strand) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.tasks:
			fn()
		}
	}
}

// Post enqueues fn to run on the strand's goroutine. Safe to call from
// any goroutine. Post blocks while the task queue is full, so a call
// from the strand's own goroutine with a full queue never returns.
// Once the strand has stopped, fn is never run, mirroring "further
// callbacks are suppressed" after Stop() (spec section 5).
func (s *Strand) Post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// Done reports whether Run has returned.
func (s *Strand) Done() <-chan struct{} { return s.done }
