package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsServer builds the HTTP server exposing prometheus metrics on
// /metrics. The caller owns the listener and the server lifecycle so the
// monitor port participates in hot upgrades like any other listener.
func NewMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Handler: mux}
}

// Serve runs the metrics server on the given listener until it is closed.
func Serve(ln net.Listener) error {
	return NewMetricsServer().Serve(ln)
}
