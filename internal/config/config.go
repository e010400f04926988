package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/affinity/internal/logging"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// Config is the affinityctl runtime configuration.
type Config struct {
	Name        string
	HTTPAddr    string
	PinOSThread bool
	Heartbeat   time.Duration
	LogLevel    string
	CORSOrigins []string
	Workers     []WorkerConfig
}

type WorkerConfig struct {
	ID       string
	Events   int
	Interval time.Duration
}

type fileConfig struct {
	Name        string             `toml:"name"`
	HTTPAddr    string             `toml:"http_addr"`
	PinOSThread bool               `toml:"pin_os_thread"`
	Heartbeat   string             `toml:"heartbeat"`
	LogLevel    string             `toml:"log_level"`
	CORSOrigins []string           `toml:"cors_origins"`
	Workers     []fileWorkerConfig `toml:"workers"`
}

type fileWorkerConfig struct {
	ID       string `toml:"id"`
	Events   int    `toml:"events"`
	Interval string `toml:"interval"`
}

func Default() Config {
	return Config{
		Name:        "affinity",
		HTTPAddr:    ":9400",
		Heartbeat:   5 * time.Second,
		LogLevel:    "info",
		CORSOrigins: []string{"http://localhost:3000"},
	}
}

// Load decodes path on top of Default. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("pin_os_thread") {
		cfg.PinOSThread = raw.PinOSThread
	}
	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse heartbeat: %v", ErrInvalidConfig, err)
		}
		cfg.Heartbeat = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	if meta.IsDefined("workers") {
		workers, err := decodeWorkers(raw.Workers)
		if err != nil {
			return Config{}, err
		}
		cfg.Workers = workers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("%w: heartbeat must be positive, got %s", ErrInvalidConfig, c.Heartbeat)
	}
	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
		}
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("workers[%d] invalid: %w", i, err)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("%w: duplicate worker id %q", ErrInvalidConfig, w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	return nil
}

func (w WorkerConfig) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalidConfig)
	}
	if w.Events < 0 {
		return fmt.Errorf("%w: worker %q events must not be negative", ErrInvalidConfig, w.ID)
	}
	if w.Interval < 0 {
		return fmt.Errorf("%w: worker %q interval must not be negative", ErrInvalidConfig, w.ID)
	}
	return nil
}

func decodeWorkers(in []fileWorkerConfig) ([]WorkerConfig, error) {
	out := make([]WorkerConfig, 0, len(in))
	for i, raw := range in {
		w := WorkerConfig{ID: strings.TrimSpace(raw.ID), Events: raw.Events}
		if v := strings.TrimSpace(raw.Interval); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%w: parse workers[%d].interval: %v", ErrInvalidConfig, i, err)
			}
			w.Interval = d
		}
		out = append(out, w)
	}
	return out, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
