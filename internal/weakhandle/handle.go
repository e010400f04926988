// Package weakhandle provides handles that can be copied to any goroutine
// but only ever touch their target on its owner sequence.
//
// A Handle wraps a weakptr.WeakPtr through a shared Core. Calls made through
// a handle on the owner run inline; calls from anywhere else are posted to
// the owner and dropped silently if the target is gone when they run.
package weakhandle

import (
	"runtime"
	"sync/atomic"

	"github.com/danmuck/affinity/internal/check"
	"github.com/danmuck/affinity/internal/sequence"
	"github.com/danmuck/affinity/internal/weakptr"
	"github.com/google/uuid"
)

// share is one counted reference to a core. Copies of a Handle point at the
// same share, so a share is released at most once.
type share[T any] struct {
	core     *Core[T]
	released atomic.Bool
	cleanup  runtime.Cleanup
}

func newShare[T any](c *Core[T]) *share[T] {
	s := &share[T]{core: c}
	s.cleanup = runtime.AddCleanup(s, func(c *Core[T]) {
		c.release(sequence.Location{Function: "weakhandle.share.cleanup"})
	}, c)
	return s
}

func (s *share[T]) release(from sequence.Location) {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.cleanup.Stop()
	s.core.release(from)
}

// Handle is a copyable reference to a target owned by one sequence. The
// zero value is uninitialized.
//
// Copying a Handle by assignment shares its reference; Reset on any copy
// uninitializes all of them. Clone takes an independent reference, so a
// handle handed to another goroutine or component that may Reset it must be
// a Clone. A reference dropped without Reset is released once the garbage
// collector notices.
type Handle[T any] struct {
	s *share[T]
}

// Make binds ptr into a new handle. It must run on runner, which must own
// ptr.
func Make[T any](runner sequence.TaskRunner, ptr *weakptr.WeakPtr[T]) Handle[T] {
	c := newCore(runner, ptr)
	c.acquire()
	return Handle[T]{s: newShare(c)}
}

// FromFactory binds a fresh weak pointer from f. Owner sequence only.
func FromFactory[T any](f *weakptr.Factory[T]) Handle[T] {
	return Make(f.Owner(), f.GetWeakPtr())
}

func (h Handle[T]) IsInitialized() bool {
	return h.s != nil && !h.s.released.Load()
}

// Clone returns a handle holding its own reference to the same core.
// Cloning an uninitialized handle yields an uninitialized handle.
func (h Handle[T]) Clone() Handle[T] {
	if !h.IsInitialized() || !h.s.core.tryAcquire() {
		return Handle[T]{}
	}
	return Handle[T]{s: newShare(h.s.core)}
}

// Reset releases the handle's reference and leaves it uninitialized.
func (h *Handle[T]) Reset() {
	if h.s == nil {
		return
	}
	h.s.release(sequence.FromHere(1))
	h.s = nil
}

// Owner returns the owner sequence, or nil for an uninitialized handle.
func (h Handle[T]) Owner() sequence.TaskRunner {
	if !h.IsInitialized() {
		return nil
	}
	return h.s.core.runner
}

// IsOnOwnerThread reports whether the caller runs on the owner sequence.
func (h Handle[T]) IsOnOwnerThread() bool {
	return h.IsInitialized() && h.s.core.IsOnOwnerThread()
}

// ID identifies the underlying core; uuid.Nil when uninitialized.
func (h Handle[T]) ID() uuid.UUID {
	if !h.IsInitialized() {
		return uuid.Nil
	}
	return h.s.core.id
}

// Get returns the weak pointer. Owner sequence only.
func (h Handle[T]) Get() *weakptr.WeakPtr[T] {
	return h.mustCore("Get").Get()
}

// Call runs fn against the target on the owner sequence. It never blocks
// and reports nothing: a call that reaches a dead target is dropped.
func (h Handle[T]) Call(fn func(*T)) {
	h.invoke(sequence.FromHere(1), fn)
}

func (h Handle[T]) invoke(from sequence.Location, fn func(*T)) {
	// the share must outlive Invoke or its cleanup could release the core
	// mid-call
	defer runtime.KeepAlive(h.s)
	h.mustCore("Call").Invoke(from, fn)
}

func (h Handle[T]) mustCore(op string) *Core[T] {
	check.That(h.IsInitialized(), "weakhandle: %s on an uninitialized handle", op)
	return h.s.core
}
