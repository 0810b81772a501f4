// Package metrics exposes Prometheus counters for the collector pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rugscope_ticks_ingested_total", Help: "Ticks consumed by the segmentation engine"},
		[]string{"source", "phase"},
	)
	StaleTicksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rugscope_stale_ticks_dropped_total", Help: "Out-of-order ticks rejected by the engine"},
	)
	RoundsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rugscope_rounds_finalized_total", Help: "Rounds closed, by boundary reason"},
		[]string{"reason"},
	)
	EventsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rugscope_events_inserted_total", Help: "Normalized events persisted, by source"},
		[]string{"source"},
	)
	EventsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rugscope_events_duplicate_total", Help: "Normalized events dropped as duplicates, by source"},
		[]string{"source"},
	)
	ParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rugscope_parse_failures_total", Help: "Raw payloads that degraded to unknown events"},
	)
	DriftWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rugscope_drift_warnings_total", Help: "Selector drift signals raised by the instrumentation layer"},
	)
	PollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rugscope_poll_errors_total", Help: "DOM poll cycles that failed and backed off"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksIngested, StaleTicksDropped, RoundsFinalized,
		EventsInserted, EventsDuplicate, ParseFailures,
		DriftWarnings, PollErrors,
	)
}

// Serve starts the /metrics endpoint in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
