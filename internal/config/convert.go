package config

import "github.com/danmuck/affinity/internal/worker"

// WorkerSpecs converts the configured workers into runnable specs.
func (c Config) WorkerSpecs() []worker.Spec {
	specs := make([]worker.Spec, 0, len(c.Workers))
	for _, w := range c.Workers {
		specs = append(specs, worker.Spec{
			ID:       w.ID,
			Events:   w.Events,
			Interval: w.Interval,
		})
	}
	return specs
}
