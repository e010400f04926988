package sequence

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrLoopRunning    = errors.New("sequence: loop already started")
	ErrLoopStopped    = errors.New("sequence: loop stopped")
	ErrReentrantFlush = errors.New("sequence: flush called on the loop goroutine")
)

type loopState int

const (
	stateIdle loopState = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s loopState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Loop.
type Config struct {
	Name string
	// PinOSThread locks the loop goroutine to its OS thread for the loop's
	// lifetime.
	PinOSThread bool
	Recorder    Recorder
}

// Stats is a point-in-time view of loop counters.
type Stats struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	State   string `json:"state"`
	Posted  uint64 `json:"posted"`
	Run     uint64 `json:"run"`
	Panics  uint64 `json:"panics"`
	Pending int64  `json:"pending"`
}

type task struct {
	from Location
	fn   func()
}

// Loop is a TaskRunner backed by one goroutine. Tasks run in the order they
// were posted. PostTask never blocks: the queue is unbounded.
type Loop struct {
	name string
	id   string
	pin  bool
	rec  Recorder

	mu     sync.Mutex
	state  loopState
	queue  []task
	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	goid    atomic.Uint64
	posted  atomic.Uint64
	run     atomic.Uint64
	panics  atomic.Uint64
	pending atomic.Int64
}

var _ TaskRunner = (*Loop)(nil)

func New(cfg Config) *Loop {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "loop"
	}
	return &Loop{
		name:   name,
		id:     uuid.NewString(),
		pin:    cfg.PinOSThread,
		rec:    cfg.Recorder,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) ID() string { return l.id }

// Start runs the loop on a new goroutine and returns once that goroutine is
// accepting ownership queries.
func (l *Loop) Start() error {
	if err := l.begin(); err != nil {
		return err
	}
	ready := make(chan struct{})
	go l.runLoop(context.Background(), ready)
	<-ready
	return nil
}

// Run turns the calling goroutine into the loop goroutine and blocks until
// ctx is done or Stop is called. Queued tasks are drained before it returns.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.begin(); err != nil {
		return err
	}
	l.runLoop(ctx, nil)
	return nil
}

// Stop stops accepting tasks. A running loop drains its queue and exits; a
// loop that never started drops its queue. Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateIdle:
		dropped := len(l.queue)
		l.queue = nil
		l.pending.Store(0)
		l.state = stateStopped
		close(l.done)
		if dropped > 0 {
			log.Debug().Str("loop", l.name).Int("dropped", dropped).Msg("sequence.Loop.Stop before start")
		}
	case stateRunning:
		l.state = stateStopping
		close(l.stopCh)
	}
}

// Wait blocks until the loop has stopped.
func (l *Loop) Wait() {
	<-l.done
}

// Shutdown stops the loop and waits for it to drain.
func (l *Loop) Shutdown(ctx context.Context) error {
	if l.RunsTasksInCurrentSequence() {
		l.Stop()
		return ErrReentrantFlush
	}
	l.Stop()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) PostTask(from Location, fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.state == stateStopping || l.state == stateStopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task{from: from, fn: fn})
	depth := l.pending.Add(1)
	l.mu.Unlock()

	l.posted.Add(1)
	if l.rec != nil {
		l.rec.TaskPosted(l.name, int(depth))
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) RunsTasksInCurrentSequence() bool {
	id := l.goid.Load()
	if id == 0 {
		return false
	}
	return goroutineID() == id
}

// Do runs fn on the loop and waits for it to finish. On the loop goroutine
// fn runs inline.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l.RunsTasksInCurrentSequence() {
		fn()
		return nil
	}
	finished := make(chan struct{})
	if !l.PostTask(FromHere(1), func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush returns once every task posted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	if l.RunsTasksInCurrentSequence() {
		return ErrReentrantFlush
	}
	return l.Do(ctx, func() {})
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	return Stats{
		Name:    l.name,
		ID:      l.id,
		State:   state.String(),
		Posted:  l.posted.Load(),
		Run:     l.run.Load(),
		Panics:  l.panics.Load(),
		Pending: l.pending.Load(),
	}
}

func (l *Loop) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateIdle:
		l.state = stateRunning
		return nil
	case stateRunning:
		return ErrLoopRunning
	default:
		return ErrLoopStopped
	}
}

func (l *Loop) runLoop(ctx context.Context, ready chan<- struct{}) {
	if l.pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	l.goid.Store(goroutineID())
	if ready != nil {
		close(ready)
	}
	log.Debug().Str("loop", l.name).Str("loop_id", l.id).Bool("pinned", l.pin).Msg("sequence.Loop started")

	defer func() {
		l.goid.Store(0)
		l.mu.Lock()
		l.state = stateStopped
		l.mu.Unlock()
		close(l.done)
		log.Debug().Str("loop", l.name).Uint64("run", l.run.Load()).Msg("sequence.Loop stopped")
	}()

	for {
		if l.runBatch() > 0 {
			continue
		}
		select {
		case <-l.wake:
			continue
		case <-l.stopCh:
		case <-ctx.Done():
			l.beginStop()
		}
		l.drain()
		return
	}
}

// drain runs whatever was queued before the loop stopped accepting work.
// Tasks it runs may still execute inline work but cannot post more.
func (l *Loop) drain() {
	for l.runBatch() > 0 {
		continue
	}
}

func (l *Loop) beginStop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateRunning {
		l.state = stateStopping
		close(l.stopCh)
	}
}

func (l *Loop) runBatch() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, t := range batch {
		l.execute(t)
	}
	return len(batch)
}

func (l *Loop) execute(t task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			if l.rec != nil {
				l.rec.TaskPanicked(l.name)
			}
			log.Error().
				Str("loop", l.name).
				Str("posted_from", t.from.String()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("sequence.Loop task panicked")
		}
		depth := l.pending.Add(-1)
		l.run.Add(1)
		if l.rec != nil {
			l.rec.TaskRun(l.name, int(depth), time.Since(start))
		}
	}()
	t.fn()
}
