package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/c2feed/internal/health"
)

var (
	PollsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "c2feed_polls_total", Help: "upstream poll cycles"}, []string{"status"})
	RecordsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "c2feed_records_total", Help: "upstream records by ingestion outcome"}, []string{"outcome"})
	BatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "c2feed_batches_created_total", Help: "daily batches created"})
	HashRecords    = prometheus.NewCounter(prometheus.CounterOpts{Name: "c2feed_hash_records_total", Help: "hash records flushed"})
	APIRequests    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "c2feed_api_requests_total", Help: "read API requests"}, []string{"endpoint", "code"})
	LastPoll       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "c2feed_last_successful_poll_timestamp_seconds", Help: "unix time of the last successful upstream pull"})
)

func init() {
	prometheus.MustRegister(PollsTotal, RecordsTotal, BatchesCreated, HashRecords, APIRequests, LastPoll)
}

// ServeWithHealth serves /metrics and the health endpoints on addr until ctx
// is cancelled.
func ServeWithHealth(ctx context.Context, addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics server stopped", "err", err)
	}
}
