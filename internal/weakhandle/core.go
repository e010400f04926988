package weakhandle

import (
	"sync/atomic"

	"github.com/danmuck/affinity/internal/check"
	"github.com/danmuck/affinity/internal/sequence"
	"github.com/danmuck/affinity/internal/weakptr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var liveCores atomic.Int64

// LiveCores reports how many cores have been created and not yet destroyed.
func LiveCores() int64 {
	return liveCores.Load()
}

// Core is the shared, reference-counted half of a handle. Its metadata is
// safe for concurrent use; ptr belongs to the owner sequence.
type Core[T any] struct {
	id     uuid.UUID
	runner sequence.TaskRunner
	ptr    *weakptr.WeakPtr[T]
	refs   atomic.Int64
}

func newCore[T any](runner sequence.TaskRunner, ptr *weakptr.WeakPtr[T]) *Core[T] {
	check.That(runner != nil, "weakhandle: nil owner sequence")
	check.That(runner.RunsTasksInCurrentSequence(), "weakhandle: core constructed off the owner sequence")
	check.That(ptr != nil, "weakhandle: nil weak pointer")
	check.That(ptr.Owner() == runner, "weakhandle: weak pointer belongs to another sequence")
	c := &Core[T]{id: uuid.New(), runner: runner, ptr: ptr}
	liveCores.Add(1)
	return c
}

func (c *Core[T]) ID() uuid.UUID { return c.id }

func (c *Core[T]) Owner() sequence.TaskRunner { return c.runner }

func (c *Core[T]) IsOnOwnerThread() bool {
	return c.runner.RunsTasksInCurrentSequence()
}

// Get returns the wrapped weak pointer. Owner sequence only.
func (c *Core[T]) Get() *weakptr.WeakPtr[T] {
	check.That(c.IsOnOwnerThread(), "weakhandle: Get called off the owner sequence (core %s)", c.id)
	return c.ptr
}

// Invoke runs fn against the target on the owner sequence. Owner callers run
// inline; everyone else posts and returns. fn is skipped when the target is
// gone by the time it would run, or when the core has already been destroyed.
func (c *Core[T]) Invoke(from sequence.Location, fn func(*T)) {
	// the call holds its own reference until it has run
	if !c.tryAcquire() {
		return
	}
	if c.IsOnOwnerThread() {
		defer c.release(from)
		c.dispatch(fn)
		return
	}
	if !c.runner.PostTask(from, func() {
		defer c.release(from)
		c.dispatch(fn)
	}) {
		c.release(from)
	}
}

func (c *Core[T]) dispatch(fn func(*T)) {
	check.That(c.IsOnOwnerThread(), "weakhandle: dispatch off the owner sequence (core %s)", c.id)
	target := c.ptr.Get()
	if target == nil {
		return
	}
	fn(target)
}

func (c *Core[T]) acquire() {
	c.refs.Add(1)
}

// tryAcquire takes a reference unless the core is already being destroyed.
func (c *Core[T]) tryAcquire() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *Core[T]) release(from sequence.Location) {
	n := c.refs.Add(-1)
	check.That(n >= 0, "weakhandle: core %s released more times than acquired", c.id)
	if n == 0 {
		c.destroy(from)
	}
}

func (c *Core[T]) destroy(from sequence.Location) {
	liveCores.Add(-1)
	if !sequence.DeleteSoon(c.runner, from, c.ptr) {
		log.Debug().
			Str("core", c.id.String()).
			Str("from", from.String()).
			Msg("weakhandle.Core.destroy owner sequence gone; weak pointer abandoned")
	}
}
