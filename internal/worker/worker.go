// Package worker runs event producers on their own goroutines. Workers never
// touch the collector directly; every report goes through a weak handle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/affinity/internal/collector"
	"github.com/danmuck/affinity/internal/weakhandle"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidSpec = errors.New("worker: invalid spec")

// Spec describes one producer.
type Spec struct {
	ID     string
	Events int
	// Interval paces events; zero sends them back to back.
	Interval time.Duration
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSpec)
	}
	if s.Events < 0 || s.Interval < 0 {
		return fmt.Errorf("%w: %q events and interval must not be negative", ErrInvalidSpec, s.ID)
	}
	return nil
}

type Worker struct {
	spec   Spec
	handle weakhandle.Handle[collector.Collector]
}

// New takes ownership of h; Run releases it.
func New(spec Spec, h weakhandle.Handle[collector.Collector]) *Worker {
	return &Worker{spec: spec, handle: h}
}

func (w *Worker) ID() string { return w.spec.ID }

// Run reports spec.Events events and stops early when ctx is done. A
// cancelled run reports the cancellation to the collector and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	defer w.handle.Reset()
	if err := w.spec.Validate(); err != nil {
		return err
	}
	if !w.handle.IsInitialized() {
		log.Debug().Str("worker", w.spec.ID).Msg("worker.Run skipped: no collector")
		return nil
	}

	var tick <-chan time.Time
	if w.spec.Interval > 0 {
		ticker := time.NewTicker(w.spec.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	weakhandle.Call1(w.handle, (*collector.Collector).OnStart, w.spec.ID)
	sent := 0
	for seq := 1; seq <= w.spec.Events; seq++ {
		if err := wait(ctx, tick); err != nil {
			weakhandle.Call2(w.handle, (*collector.Collector).OnError, w.spec.ID, err.Error())
			break
		}
		weakhandle.Call1(w.handle, (*collector.Collector).OnEvent, collector.Event{
			WorkerID: w.spec.ID,
			Seq:      seq,
			Payload:  fmt.Sprintf("%s#%d", w.spec.ID, seq),
			At:       time.Now(),
		})
		sent++
	}
	weakhandle.Call2(w.handle, (*collector.Collector).OnStop, w.spec.ID, sent)
	log.Debug().Str("worker", w.spec.ID).Int("sent", sent).Msg("worker.Run done")
	return nil
}

func wait(ctx context.Context, tick <-chan time.Time) error {
	if tick == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tick:
		return nil
	}
}

// RunAll runs one worker per spec, each with its own clone of h, and waits
// for all of them. The first invalid spec cancels the rest.
func RunAll(ctx context.Context, h weakhandle.Handle[collector.Collector], specs []Spec) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		w := New(spec, h.Clone())
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
