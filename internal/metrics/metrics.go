package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	JobsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dpihub_jobs_enqueued_total", Help: "jobs accepted per queue class"}, []string{"class"})
	JobsFinished  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dpihub_jobs_finished_total", Help: "jobs finished per queue class and outcome"}, []string{"class", "outcome"})
	JobsActive    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dpihub_jobs_active", Help: "jobs currently executing per queue class"}, []string{"class"})
	JobsRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dpihub_jobs_retried_total", Help: "job retry attempts per queue class"}, []string{"class"})
	CaptureRuns   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dpihub_capture_runs_total", Help: "capture subprocess launches per mode"}, []string{"mode"})
	EventsParsed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dpihub_dpi_events_parsed_total", Help: "flow events parsed from capture CSV output"})
	SessionsSwept = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dpihub_sessions_swept_total", Help: "sessions removed by the expiry sweeper"}, []string{"module"})
)

func init() {
	prometheus.MustRegister(JobsEnqueued, JobsFinished, JobsActive, JobsRetried, CaptureRuns, EventsParsed, SessionsSwept)
}

// Serve exposes /metrics on its own listener.
func Serve(addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
