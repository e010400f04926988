package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/affinity/internal/weakhandle"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affinity",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "affinity",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	loopTasksPosted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affinity",
			Subsystem: "loop",
			Name:      "tasks_posted_total",
			Help:      "Tasks accepted by an owner loop.",
		},
		[]string{"loop"},
	)
	loopTasksRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affinity",
			Subsystem: "loop",
			Name:      "tasks_run_total",
			Help:      "Tasks executed on an owner loop.",
		},
		[]string{"loop"},
	)
	loopTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "affinity",
			Subsystem: "loop",
			Name:      "task_duration_seconds",
			Help:      "Owner loop task execution time in seconds.",
			Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
		},
		[]string{"loop"},
	)
	loopTaskPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "affinity",
			Subsystem: "loop",
			Name:      "task_panics_total",
			Help:      "Owner loop tasks that panicked and were recovered.",
		},
		[]string{"loop"},
	)
	loopQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "affinity",
			Subsystem: "loop",
			Name:      "queue_depth",
			Help:      "Tasks waiting in an owner loop queue.",
		},
		[]string{"loop"},
	)
	liveCores = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "affinity",
			Subsystem: "handle",
			Name:      "live_cores",
			Help:      "Weak handle cores that have not been destroyed.",
		},
		func() float64 { return float64(weakhandle.LiveCores()) },
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			loopTasksPosted, loopTasksRun, loopTaskDuration, loopTaskPanics, loopQueueDepth,
			liveCores,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// LoopRecorder feeds owner loop activity into the prometheus collectors.
// It satisfies sequence.Recorder.
type LoopRecorder struct{}

func NewLoopRecorder() LoopRecorder {
	RegisterMetrics()
	return LoopRecorder{}
}

func (LoopRecorder) TaskPosted(loop string, depth int) {
	loopTasksPosted.WithLabelValues(loop).Inc()
	loopQueueDepth.WithLabelValues(loop).Set(float64(depth))
}

func (LoopRecorder) TaskRun(loop string, depth int, elapsed time.Duration) {
	loopTasksRun.WithLabelValues(loop).Inc()
	loopTaskDuration.WithLabelValues(loop).Observe(elapsed.Seconds())
	loopQueueDepth.WithLabelValues(loop).Set(float64(depth))
}

func (LoopRecorder) TaskPanicked(loop string) {
	loopTaskPanics.WithLabelValues(loop).Inc()
}
