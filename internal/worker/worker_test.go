package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/affinity/internal/collector"
	"github.com/danmuck/affinity/internal/sequence"
	"github.com/danmuck/affinity/internal/testutil/testlog"
	"github.com/danmuck/affinity/internal/weakhandle"
)

type fixture struct {
	loop *sequence.Loop
	col  *collector.Collector
	h    weakhandle.Handle[collector.Collector]
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()
	l := sequence.New(sequence.Config{Name: name})
	if err := l.Start(); err != nil {
		t.Fatalf("start loop: %v", err)
	}
	f := &fixture{loop: l}
	f.do(t, func() {
		f.col = collector.New(l, name)
		f.h = f.col.Handle()
	})
	t.Cleanup(func() {
		f.h.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return f
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.loop.Do(ctx, fn); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func (f *fixture) snapshot(t *testing.T) collector.Snapshot {
	t.Helper()
	var snap collector.Snapshot
	f.do(t, func() { snap = f.col.Snapshot() })
	return snap
}

func TestRunAllDeliversEveryEvent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, "worker.all")

	specs := []Spec{
		{ID: "a", Events: 40},
		{ID: "b", Events: 25, Interval: time.Millisecond},
		{ID: "c", Events: 0},
	}
	if err := RunAll(context.Background(), f.h, specs); err != nil {
		t.Fatalf("run all: %v", err)
	}
	if !f.h.IsInitialized() {
		t.Fatalf("RunAll must not release the caller's handle")
	}

	snap := f.snapshot(t)
	if snap.TotalEvents != 65 || snap.TotalErrors != 0 || snap.Running != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	for _, w := range snap.Workers {
		if w.Sent != w.Events {
			t.Fatalf("worker %s lost events: sent=%d received=%d", w.ID, w.Sent, w.Events)
		}
	}
}

func TestRunReportsCancellation(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, "worker.cancel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := New(Spec{ID: "slow", Events: 5, Interval: time.Hour}, f.h.Clone())
	if err := w.Run(ctx); err != nil {
		t.Fatalf("cancelled run must not fail: %v", err)
	}

	snap := f.snapshot(t)
	if len(snap.Workers) != 1 {
		t.Fatalf("unexpected workers: %+v", snap.Workers)
	}
	got := snap.Workers[0]
	if got.Errors != 1 || got.LastError != context.Canceled.Error() || got.Sent != 0 || got.Running {
		t.Fatalf("unexpected worker stats: %+v", got)
	}
}

func TestRunAllRejectsInvalidSpec(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, "worker.invalid")

	err := RunAll(context.Background(), f.h, []Spec{{ID: "ok", Events: 1}, {ID: "", Events: 1}})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	if !f.h.IsInitialized() {
		t.Fatalf("caller handle must survive a failed run")
	}
}

func TestWorkerOutlivesClosedCollector(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, "worker.closed")
	f.do(t, func() { f.col.Close() })

	if err := RunAll(context.Background(), f.h, []Spec{{ID: "late", Events: 10}}); err != nil {
		t.Fatalf("run all: %v", err)
	}
	snap := f.snapshot(t)
	if snap.TotalEvents != 0 || len(snap.Workers) != 0 {
		t.Fatalf("closed collector received calls: %+v", snap)
	}
}

func TestRunWithoutCollectorIsNoop(t *testing.T) {
	testlog.Start(t)
	w := New(Spec{ID: "orphan", Events: 3}, weakhandle.Handle[collector.Collector]{})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}
