package core

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const AVG_COUNT uint8 = 30

type MetricsState struct {
	FrameAVGCounter    uint8
	MStimes            [AVG_COUNT]float64
	MSavg              float64
	Frames             int32
	AccumulatedFrameMS float64
	FPS                float64
}

var metricsMu sync.Mutex
var metricsState = &MetricsState{}

var (
	// QueueCounters counts command queue activity by queue type and event.
	QueueCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "queue_events_total",
			Help:      "Command queue events by queue type and event",
		},
		[]string{"queue", "event"},
	)

	// FenceWaitSeconds tracks time spent blocked on fence values.
	FenceWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prism",
			Name:      "fence_wait_seconds",
			Help:      "Time spent waiting for fence values",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"queue", "result"},
	)

	// BarriersEmitted counts resource barriers handed to the native command list.
	BarriersEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "resource_barriers_total",
			Help:      "Resource barriers emitted to native command lists",
		},
	)

	// DescriptorGauges tracks descriptor allocator state by heap type.
	DescriptorGauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prism",
			Name:      "descriptor_allocator",
			Help:      "Descriptor allocator pages and outstanding allocations by heap type",
		},
		[]string{"heap", "type"},
	)

	// FramesRendered counts presented frames.
	FramesRendered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "frames_total",
			Help:      "Frames presented",
		},
	)
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(QueueCounters, FenceWaitSeconds, BarriersEmitted, DescriptorGauges, FramesRendered)
}

// MetricsRegistry exposes the engine collectors, mostly for tests.
func MetricsRegistry() *prometheus.Registry {
	return registry
}

// ServeMetrics starts an HTTP endpoint exposing the engine collectors under
// /metrics. The returned server is already listening in the background.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			LogError("metrics endpoint stopped: %s", err)
		}
	}()
	LogInfo("Serving metrics on %s/metrics", addr)
	return srv
}

func MetricsReset() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsState = &MetricsState{}
}

func MetricsUpdate(frameElapsedTime float64) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	// Calculate frame ms average
	frameMS := frameElapsedTime * 1000.0
	metricsState.MStimes[metricsState.FrameAVGCounter] = frameMS
	if metricsState.FrameAVGCounter == AVG_COUNT-1 {
		metricsState.MSavg = 0
		for i := uint8(0); i < AVG_COUNT; i++ {
			metricsState.MSavg += metricsState.MStimes[i]
		}
		metricsState.MSavg /= float64(AVG_COUNT)
	}
	metricsState.FrameAVGCounter++
	metricsState.FrameAVGCounter %= AVG_COUNT

	// Calculate Frames per second.
	metricsState.AccumulatedFrameMS += frameMS
	if metricsState.AccumulatedFrameMS > 1000 {
		metricsState.FPS = float64(metricsState.Frames)
		metricsState.AccumulatedFrameMS -= 1000
		metricsState.Frames = 0
	}

	// Count all Frames.
	metricsState.Frames++
}

func MetricsFrame() (float64, float64) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	return metricsState.FPS, metricsState.MSavg
}
