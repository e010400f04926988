// Package collector aggregates worker activity on a single owner sequence.
//
// A Collector is not safe for concurrent use. Workers reach it through a
// weakhandle.Handle, so every mutation runs on the owner loop and calls made
// after Close are dropped.
package collector

import (
	"sort"
	"time"

	"github.com/danmuck/affinity/internal/check"
	"github.com/danmuck/affinity/internal/sequence"
	"github.com/danmuck/affinity/internal/weakhandle"
	"github.com/danmuck/affinity/internal/weakptr"
	"github.com/rs/zerolog/log"
)

// Event is one unit of work reported by a worker.
type Event struct {
	WorkerID string    `json:"worker_id"`
	Seq      int       `json:"seq"`
	Payload  string    `json:"payload"`
	At       time.Time `json:"at"`
}

// WorkerStats is the collector's view of one worker.
type WorkerStats struct {
	ID        string    `json:"id"`
	Running   bool      `json:"running"`
	Events    int       `json:"events"`
	Errors    int       `json:"errors"`
	LastSeq   int       `json:"last_seq"`
	LastError string    `json:"last_error,omitempty"`
	Sent      int       `json:"sent"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
}

// Snapshot is a copy of collector state that may leave the owner sequence.
type Snapshot struct {
	Name        string        `json:"name"`
	Closed      bool          `json:"closed"`
	TotalEvents int           `json:"total_events"`
	TotalErrors int           `json:"total_errors"`
	Running     int           `json:"running"`
	Workers     []WorkerStats `json:"workers"`
}

type Collector struct {
	name    string
	owner   sequence.TaskRunner
	factory *weakptr.Factory[Collector]
	workers map[string]*WorkerStats
	events  int
	errors  int
	closed  bool
}

// New must be called on owner.
func New(owner sequence.TaskRunner, name string) *Collector {
	c := &Collector{
		name:    name,
		owner:   owner,
		workers: make(map[string]*WorkerStats),
	}
	c.factory = weakptr.NewFactory(owner, c)
	return c
}

// Handle returns a new handle to the collector, or an uninitialized one once
// the collector is closed.
func (c *Collector) Handle() weakhandle.Handle[Collector] {
	c.assertOwner("Handle")
	if c.closed {
		return weakhandle.Handle[Collector]{}
	}
	return weakhandle.FromFactory(c.factory)
}

func (c *Collector) OnStart(workerID string) {
	c.assertOwner("OnStart")
	w := c.worker(workerID)
	w.Running = true
	w.StartedAt = time.Now()
	w.StoppedAt = time.Time{}
	log.Debug().Str("collector", c.name).Str("worker", workerID).Msg("collector.OnStart")
}

func (c *Collector) OnEvent(ev Event) {
	c.assertOwner("OnEvent")
	w := c.worker(ev.WorkerID)
	w.Events++
	w.LastSeq = ev.Seq
	c.events++
}

func (c *Collector) OnError(workerID, msg string) {
	c.assertOwner("OnError")
	w := c.worker(workerID)
	w.Errors++
	w.LastError = msg
	c.errors++
	log.Warn().Str("collector", c.name).Str("worker", workerID).Str("error", msg).Msg("collector.OnError")
}

func (c *Collector) OnStop(workerID string, sent int) {
	c.assertOwner("OnStop")
	w := c.worker(workerID)
	w.Running = false
	w.Sent = sent
	w.StoppedAt = time.Now()
	if sent != w.Events {
		log.Warn().
			Str("collector", c.name).
			Str("worker", workerID).
			Int("sent", sent).
			Int("received", w.Events).
			Msg("collector.OnStop event count mismatch")
	}
}

func (c *Collector) Snapshot() Snapshot {
	c.assertOwner("Snapshot")
	snap := Snapshot{
		Name:        c.name,
		Closed:      c.closed,
		TotalEvents: c.events,
		TotalErrors: c.errors,
		Workers:     make([]WorkerStats, 0, len(c.workers)),
	}
	for _, w := range c.workers {
		if w.Running {
			snap.Running++
		}
		snap.Workers = append(snap.Workers, *w)
	}
	sort.Slice(snap.Workers, func(i, j int) bool {
		return snap.Workers[i].ID < snap.Workers[j].ID
	})
	return snap
}

// Close invalidates every outstanding handle. Calls already queued for the
// collector are dropped when they run.
func (c *Collector) Close() {
	c.assertOwner("Close")
	if c.closed {
		return
	}
	c.closed = true
	c.factory.InvalidateWeakPtrs()
	log.Debug().Str("collector", c.name).Int("events", c.events).Msg("collector.Close")
}

func (c *Collector) worker(id string) *WorkerStats {
	w, ok := c.workers[id]
	if !ok {
		w = &WorkerStats{ID: id}
		c.workers[id] = w
	}
	return w
}

func (c *Collector) assertOwner(op string) {
	check.That(c.owner.RunsTasksInCurrentSequence(), "collector.%s called off the owner sequence", op)
}
