package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the rate limiter, idempotency, security event and
// storage counters for scraping. It listens on its own port, outside the
// request-safety layer, so scrapes never spend a client's tokens.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer serves metrics at path on port. Without a Prometheus
// exporter every path answers 404.
func NewMetricsServer(port int, path string, provider *Provider) *MetricsServer {
	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           metricsHandler(path, provider),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func metricsHandler(path string, provider *Provider) http.Handler {
	mux := http.NewServeMux()
	if provider == nil || provider.promExporter == nil {
		return mux
	}
	// A scrape that hits one bad collector still reports the rest.
	mux.Handle(path, promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorHandling:     promhttp.ContinueOnError,
			EnableOpenMetrics: true,
		}),
	))
	return mux
}

// Start blocks until Shutdown, then returns http.ErrServerClosed.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
