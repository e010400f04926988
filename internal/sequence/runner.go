// Package sequence provides owner sequences: task queues whose tasks all run,
// in FIFO order, on one dedicated goroutine.
//
// State confined to a sequence needs no locks. Code running elsewhere reaches
// that state by posting a task to the owning TaskRunner.
package sequence

import "time"

// TaskRunner posts work to a single owner sequence.
type TaskRunner interface {
	// PostTask queues task to run on the sequence. It never blocks and
	// reports false when the sequence no longer accepts work.
	PostTask(from Location, task func()) bool
	// RunsTasksInCurrentSequence reports whether the caller is running on
	// the sequence.
	RunsTasksInCurrentSequence() bool
}

// Releaser is a value that must be released on its owner sequence.
type Releaser interface {
	Release()
}

// DeleteSoon releases v on r: inline when the caller already runs on r,
// otherwise as a posted task. It reports false when r rejected the task, in
// which case v is never released.
func DeleteSoon(r TaskRunner, from Location, v Releaser) bool {
	if r.RunsTasksInCurrentSequence() {
		v.Release()
		return true
	}
	return r.PostTask(from, v.Release)
}

// Recorder observes loop activity. Implementations must be safe for
// concurrent use.
type Recorder interface {
	TaskPosted(loop string, depth int)
	TaskRun(loop string, depth int, elapsed time.Duration)
	TaskPanicked(loop string)
}
