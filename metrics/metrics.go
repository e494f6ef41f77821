// Package metrics provides the registry and constructors for the node's
// prometheus collectors. Names use the go-ethereum slash convention
// ("kernel/frame/push") and are mapped to prometheus identifiers
// ("substatevm_kernel_frame_push") on registration.
// metrics 包提供 prometheus 收集器的注册表和构造函数。
package metrics

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every registered metric.
const Namespace = "substatevm"

var enabled atomic.Bool

// DefaultRegistry holds every collector created through this package.
var DefaultRegistry = prometheus.NewRegistry()

// Enable turns on the expensive metrics (periodic database stat polling,
// the HTTP exporter). Cheap counters are always collected.
// Enable 打开开销较大的指标收集，廉价计数器始终收集。
func Enable() {
	enabled.Store(true)
}

// Enabled reports whether expensive metrics collection is on.
func Enabled() bool {
	return enabled.Load()
}

// Config contains the configuration for the metric collection.
type Config struct {
	Enabled bool   `toml:",omitempty"`
	HTTP    string `toml:",omitempty"`
	Port    int    `toml:",omitempty"`
}

// DefaultConfig is the default config for metrics used in the CLI.
var DefaultConfig = Config{
	Enabled: false,
	HTTP:    "127.0.0.1",
	Port:    6061,
}

// metricName converts a slash separated path into a prometheus identifier.
func metricName(name string) string {
	r := strings.NewReplacer("/", "_", ".", "_", "-", "_", " ", "_")
	return Namespace + "_" + r.Replace(name)
}

// register adds c to the default registry, returning the already registered
// collector when the name was taken by an identical one.
func register[T prometheus.Collector](c T) T {
	if err := DefaultRegistry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// NewRegisteredCounter constructs and registers a new counter.
func NewRegisteredCounter(name, help string) prometheus.Counter {
	return register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricName(name),
		Help: help,
	}))
}

// NewRegisteredGauge constructs and registers a new gauge.
func NewRegisteredGauge(name, help string) prometheus.Gauge {
	return register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricName(name),
		Help: help,
	}))
}

// NewRegisteredHistogram constructs and registers a new histogram. A nil
// bucket list selects the prometheus defaults.
func NewRegisteredHistogram(name, help string, buckets []float64) prometheus.Histogram {
	return register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricName(name),
		Help:    help,
		Buckets: buckets,
	}))
}

// Timer measures durations into a histogram, in seconds.
type Timer struct {
	h prometheus.Histogram
}

// NewRegisteredTimer constructs and registers a new timer.
func NewRegisteredTimer(name, help string) *Timer {
	return &Timer{h: NewRegisteredHistogram(name, help, prometheus.ExponentialBuckets(0.0001, 4, 10))}
}

// Update records a duration.
func (t *Timer) Update(d time.Duration) {
	t.h.Observe(d.Seconds())
}

// UpdateSince records the time elapsed since start.
func (t *Timer) UpdateSince(start time.Time) {
	t.Update(time.Since(start))
}

// Meter counts marked events; the rate is left to the prometheus query.
type Meter struct {
	c prometheus.Counter
}

// NewRegisteredMeter constructs and registers a new meter.
func NewRegisteredMeter(name, help string) *Meter {
	return &Meter{c: NewRegisteredCounter(name, help)}
}

// Mark records n events. Negative deltas (counter resets in the source
// statistics) are dropped.
func (m *Meter) Mark(n int64) {
	if n > 0 {
		m.c.Add(float64(n))
	}
}
