// Package weakptr provides weak pointers bound to an owner sequence.
//
// A Factory hands out WeakPtr values for one target. Every WeakPtr can be
// resolved, checked and released only on the factory's owner sequence.
// Invalidating the factory is how the target announces its destruction; the
// pointers also go dead if the garbage collector reclaims the target.
package weakptr

import (
	"weak"

	"github.com/danmuck/affinity/internal/check"
	"github.com/danmuck/affinity/internal/sequence"
)

type liveCount struct {
	n int
}

// flag is shared by the pointers handed out between two invalidations.
type flag struct {
	owner sequence.TaskRunner
	valid bool
	live  *liveCount
}

// Factory vends weak pointers to target. It is not safe for concurrent use
// and must stay on its owner sequence.
type Factory[T any] struct {
	owner  sequence.TaskRunner
	target *T
	flag   *flag
	live   liveCount
}

// NewFactory must be called on owner.
func NewFactory[T any](owner sequence.TaskRunner, target *T) *Factory[T] {
	check.That(owner != nil, "weakptr.NewFactory: nil owner")
	check.That(target != nil, "weakptr.NewFactory: nil target")
	check.That(owner.RunsTasksInCurrentSequence(), "weakptr.NewFactory: called off the owner sequence")
	return &Factory[T]{owner: owner, target: target}
}

func (f *Factory[T]) Owner() sequence.TaskRunner { return f.owner }

// GetWeakPtr returns a new weak pointer that must eventually be released.
func (f *Factory[T]) GetWeakPtr() *WeakPtr[T] {
	f.assertOwner("GetWeakPtr")
	if f.flag == nil {
		f.flag = &flag{owner: f.owner, valid: true, live: &f.live}
	}
	f.live.n++
	return &WeakPtr[T]{flag: f.flag, ptr: weak.Make(f.target)}
}

// InvalidateWeakPtrs kills every pointer handed out so far. Pointers created
// afterwards are valid again.
func (f *Factory[T]) InvalidateWeakPtrs() {
	f.assertOwner("InvalidateWeakPtrs")
	if f.flag != nil {
		f.flag.valid = false
		f.flag = nil
	}
}

// HasWeakPtrs reports whether pointers from the current generation exist.
func (f *Factory[T]) HasWeakPtrs() bool {
	f.assertOwner("HasWeakPtrs")
	return f.flag != nil && f.live.n > 0
}

// Outstanding counts pointers, across generations, not yet released.
func (f *Factory[T]) Outstanding() int {
	f.assertOwner("Outstanding")
	return f.live.n
}

func (f *Factory[T]) assertOwner(op string) {
	check.That(f.owner.RunsTasksInCurrentSequence(), "weakptr.Factory.%s: called off the owner sequence", op)
}

// WeakPtr is an owner-affine weak reference. The pointer value itself may be
// handed to another goroutine only as an opaque token; every method except
// Owner asserts the owner sequence.
type WeakPtr[T any] struct {
	flag     *flag
	ptr      weak.Pointer[T]
	released bool
}

// Owner returns the owner sequence. Safe from any goroutine.
func (w *WeakPtr[T]) Owner() sequence.TaskRunner {
	if w == nil {
		return nil
	}
	return w.flag.owner
}

// Get resolves the target, or nil once it is gone.
func (w *WeakPtr[T]) Get() *T {
	if w == nil {
		return nil
	}
	w.assertOwner("Get")
	check.That(!w.released, "weakptr.WeakPtr.Get: pointer already released")
	if !w.flag.valid {
		return nil
	}
	return w.ptr.Value()
}

func (w *WeakPtr[T]) Alive() bool {
	return w.Get() != nil
}

// Release retires the pointer. Releasing twice is a contract violation.
func (w *WeakPtr[T]) Release() {
	w.assertOwner("Release")
	check.That(!w.released, "weakptr.WeakPtr.Release: released twice")
	w.released = true
	w.flag.live.n--
}

func (w *WeakPtr[T]) assertOwner(op string) {
	check.That(w.flag.owner.RunsTasksInCurrentSequence(), "weakptr.WeakPtr.%s: called off the owner sequence", op)
}
