// Package service wires the owner loop, the collector, the workers and the
// HTTP surface into one runtime.
package service

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/affinity/internal/collector"
	"github.com/danmuck/affinity/internal/config"
	"github.com/danmuck/affinity/internal/observability"
	"github.com/danmuck/affinity/internal/sequence"
	"github.com/danmuck/affinity/internal/server"
	"github.com/danmuck/affinity/internal/weakhandle"
	"github.com/danmuck/affinity/internal/worker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("service: invalid heartbeat interval")
	ErrNotBootstrapped          = errors.New("service: not bootstrapped")
)

// ServiceConfig configures the runtime.
type ServiceConfig struct {
	Name              string
	HTTPAddr          string
	PinOSThread       bool
	HeartbeatInterval time.Duration
	CORSOrigins       []string
	Workers           []worker.Spec
	// ConfigPath, when set, is watched and its log_level re-applied on change.
	ConfigPath string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:              "affinity",
		HTTPAddr:          "",
		HeartbeatInterval: 5 * time.Second,
	}
}

// FromConfig maps a loaded config file onto a ServiceConfig.
func FromConfig(cfg config.Config, path string) ServiceConfig {
	return ServiceConfig{
		Name:              cfg.Name,
		HTTPAddr:          cfg.HTTPAddr,
		PinOSThread:       cfg.PinOSThread,
		HeartbeatInterval: cfg.Heartbeat,
		CORSOrigins:       cfg.CORSOrigins,
		Workers:           cfg.WorkerSpecs(),
		ConfigPath:        path,
	}
}

type Service struct {
	cfg ServiceConfig

	loop *sequence.Loop
	// owned by loop
	collector *collector.Collector
	handle    weakhandle.Handle[collector.Collector]
	server    *server.Server

	ready     atomic.Bool
	closeOnce sync.Once
}

var _ server.Source = (*Service)(nil)

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultServiceConfig().Name
	}
	return &Service{cfg: cfg}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext bootstraps the runtime, serves until ctx is done and closes it.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(); err != nil {
		return err
	}
	defer s.Close()
	return s.serve(ctx)
}

func (s *Service) bootstrap() error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	for _, spec := range s.cfg.Workers {
		if err := spec.Validate(); err != nil {
			return err
		}
	}

	loop := sequence.New(sequence.Config{
		Name:        s.cfg.Name + ".owner",
		PinOSThread: s.cfg.PinOSThread,
		Recorder:    observability.NewLoopRecorder(),
	})
	if err := loop.Start(); err != nil {
		return err
	}
	s.loop = loop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.Do(ctx, func() {
		s.collector = collector.New(loop, s.cfg.Name)
		s.handle = s.collector.Handle()
	}); err != nil {
		loop.Stop()
		return err
	}

	if s.cfg.HTTPAddr != "" {
		s.server = server.New(s.cfg.Name, s.cfg.HTTPAddr, s.cfg.CORSOrigins, s)
	}
	s.ready.Store(true)
	log.Info().
		Str("name", s.cfg.Name).
		Str("loop_id", loop.ID()).
		Str("core", s.handle.ID().String()).
		Int("workers", len(s.cfg.Workers)).
		Str("http_addr", s.cfg.HTTPAddr).
		Msg("service.Service.bootstrap ready")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	if s.server != nil {
		eg.Go(func() error {
			return s.server.Serve(egctx)
		})
	}
	if s.cfg.ConfigPath != "" {
		eg.Go(func() error {
			return s.watchConfig(egctx, s.cfg.ConfigPath)
		})
	}
	eg.Go(func() error {
		err := worker.RunAll(egctx, s.handle, s.cfg.Workers)
		log.Info().Str("name", s.cfg.Name).Err(err).Msg("service.Service.serve workers finished")
		return err
	})
	eg.Go(func() error {
		s.heartbeat(egctx)
		return nil
	})

	err := eg.Wait()
	log.Info().Str("name", s.cfg.Name).Msg("service.Service.serve shutdown")
	return err
}

func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.Snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("service.Service.heartbeat snapshot failed")
				}
				continue
			}
			st := s.loop.Stats()
			log.Info().
				Str("name", s.cfg.Name).
				Int("events", snap.TotalEvents).
				Int("errors", snap.TotalErrors).
				Int("running", snap.Running).
				Uint64("tasks_run", st.Run).
				Int64("pending", st.Pending).
				Int64("live_cores", weakhandle.LiveCores()).
				Msg("service.Service.heartbeat")
		}
	}
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) LoopStats() sequence.Stats {
	if s.loop == nil {
		return sequence.Stats{Name: s.cfg.Name + ".owner", State: "idle"}
	}
	return s.loop.Stats()
}

// Snapshot copies the collector state on the owner loop.
func (s *Service) Snapshot(ctx context.Context) (collector.Snapshot, error) {
	if s.loop == nil {
		return collector.Snapshot{}, ErrNotBootstrapped
	}
	var snap collector.Snapshot
	err := s.loop.Do(ctx, func() { snap = s.collector.Snapshot() })
	return snap, err
}

// Handle returns a new handle to the collector, for callers that report
// from their own goroutines.
func (s *Service) Handle() weakhandle.Handle[collector.Collector] {
	return s.handle.Clone()
}

func (s *Service) Server() *server.Server {
	return s.server
}

// Close invalidates outstanding handles and stops the owner loop. Safe to
// call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		if s.loop == nil {
			return
		}
		s.handle.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.loop.Do(ctx, s.collector.Close); err != nil {
			log.Warn().Err(err).Msg("service.Service.Close collector close failed")
		}
		if err := s.loop.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("service.Service.Close loop shutdown failed")
		}
		log.Debug().Str("name", s.cfg.Name).Int64("live_cores", weakhandle.LiveCores()).Msg("service.Service.Close done")
	})
}
