package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	SystemMemoryUsage prometheus.Gauge
	SystemGoroutines  prometheus.Gauge
	BufferFill        prometheus.Gauge

	runtimeOnce sync.Once
)

// FillReporter reports how many samples the ring buffer holds relative to its capacity
type FillReporter interface {
	Fill() float64
}

// RuntimeCollector periodically samples Go runtime and buffer gauges
type RuntimeCollector struct {
	logger          *logrus.Entry
	collectInterval time.Duration
	source          FillReporter
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// StartRuntimeCollector registers the runtime gauges and starts sampling them.
// Init must have been called first.
func StartRuntimeCollector(logger *logrus.Logger, interval time.Duration, source FillReporter) *RuntimeCollector {
	runtimeOnce.Do(func() {
		SystemMemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoneme_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		})
		SystemGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoneme_goroutines",
			Help: "Number of goroutines",
		})
		BufferFill = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoneme_buffer_fill_ratio",
			Help: "Fraction of the ring buffer written since the last resize",
		})
		if registry != nil {
			registry.MustRegister(SystemMemoryUsage, SystemGoroutines, BufferFill)
		}
	})

	if interval <= 0 {
		interval = 10 * time.Second
	}

	c := &RuntimeCollector{
		logger:          logger.WithField("component", "runtime_metrics"),
		collectInterval: interval,
		source:          source,
		stopChan:        make(chan struct{}),
	}
	go c.start()

	c.logger.WithField("interval", interval).Debug("Runtime metrics collector started")
	return c
}

func (c *RuntimeCollector) start() {
	ticker := time.NewTicker(c.collectInterval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *RuntimeCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	SystemMemoryUsage.Set(float64(m.Alloc))
	SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	if c.source != nil {
		BufferFill.Set(c.source.Fill())
	}
}

// Stop stops the collector
func (c *RuntimeCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}
