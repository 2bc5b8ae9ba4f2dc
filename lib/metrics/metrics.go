// Package metrics exposes Siranga's process-wide Prometheus metrics and the
// liveness endpoint named in spec.md §6: /health (200 "ok") and /metrics.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the gauges/counters named in spec.md §6. BytesIn and
// BytesOut are vectors labeled by tunnel name; Tunnels is a gauge updated
// from the registry's live count.
type Collectors struct {
	Tunnels   prometheus.Gauge
	BytesIn   *prometheus.CounterVec
	BytesOut  *prometheus.CounterVec
	BuildInfo *prometheus.GaugeVec
}

// NewCollectors constructs and registers the metrics into registry.
func NewCollectors(registerer prometheus.Registerer, releaseVersion string) *Collectors {
	c := &Collectors{
		Tunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siranga_tunnels_total",
			Help: "Number of tunnels currently registered.",
		}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siranga_bytes_in_total",
			Help: "Total bytes received from a tunnel and forwarded to HTTP clients.",
		}, []string{"tunnel"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siranga_bytes_out_total",
			Help: "Total bytes received from HTTP clients and forwarded into a tunnel.",
		}, []string{"tunnel"}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "siranga_build_info",
			Help: "Static metric carrying the running release version.",
		}, []string{"version"}),
	}

	registerer.MustRegister(c.Tunnels, c.BytesIn, c.BytesOut, c.BuildInfo)
	c.BuildInfo.WithLabelValues(releaseVersion).Set(1)

	return c
}

// Server serves /health and /metrics on METRICS_PORT.
type Server struct {
	httpServer *http.Server
}

// NewServer returns a metrics Server bound to addr (host:port).
func NewServer(addr string, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Serve blocks accepting connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return trace.Wrap(s.httpServer.Shutdown(ctx))
}
