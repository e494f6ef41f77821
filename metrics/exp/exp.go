// Package exp exposes the metrics registry over HTTP in the prometheus text
// format.
// exp 包通过 HTTP 以 prometheus 文本格式暴露指标注册表。
package exp

import (
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/substatevm/substatevm/metrics"
)

// MetricsPath is where the registry is served.
const MetricsPath = "/debug/metrics/prometheus"

var expOnce sync.Once

// Exp will register the prometheus handler on the default serve mux, so it
// is served alongside pprof. Repeated calls are no-ops: the mux panics if
// the same pattern is registered twice.
func Exp(r *prometheus.Registry) {
	expOnce.Do(func() {
		http.Handle(MetricsPath, Handler(r))
	})
}

// Handler returns the HTTP handler serving r.
func Handler(r *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}

// Setup starts a dedicated metrics server at the given address.
func Setup(address string) {
	m := http.NewServeMux()
	m.Handle(MetricsPath, Handler(metrics.DefaultRegistry))
	log.Info("Starting metrics server", "addr", "http://"+address+MetricsPath)
	go func() {
		if err := http.ListenAndServe(address, m); err != nil {
			log.Error("Failure in running metrics server", "err", err)
		}
	}()
}
