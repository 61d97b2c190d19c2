// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ActionsTotal         *prometheus.CounterVec
	TokenRefreshes       prometheus.Counter
	TokenRefreshFailures prometheus.Counter
	UploadsSucceeded     prometheus.Counter
	UploadsFailed        prometheus.Counter
	PersistenceWarnings  prometheus.Counter

	// Histograms (seconds)
	UploadDuration prometheus.Observer
	ActionDuration prometheus.Observer

	// Gauges
	UploadBytesGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "publish_actions_total", Help: "Publish endpoint actions by name and outcome"}, []string{"action", "outcome"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "publish_token_refreshes_total", Help: "Number of OAuth token refresh attempts"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "publish_token_refresh_failures_total", Help: "Number of failed OAuth token refresh attempts"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "publish_uploads_succeeded_total", Help: "Number of video uploads succeeded"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "publish_uploads_failed_total", Help: "Number of video uploads failed"})
		PersistenceWarnings = promauto.NewCounter(prometheus.CounterOpts{Name: "publish_persistence_warnings_total", Help: "Number of local record writes that failed after a successful provider call"})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "publish_upload_duration_seconds", Help: "Video upload duration seconds", Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)})
		ActionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "publish_action_duration_seconds", Help: "Action handling duration seconds", Buckets: prometheus.DefBuckets})
		UploadBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "publish_upload_bytes_last", Help: "Size in bytes of the most recent upload"})
	})
}

// CountAction records one action outcome ("ok" or "error") if metrics are initialized.
func CountAction(action string, success bool) {
	if ActionsTotal == nil {
		return
	}
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	ActionsTotal.WithLabelValues(action, outcome).Inc()
}

// CountRefresh records one token refresh attempt and, when failed, one failure.
func CountRefresh(success bool) {
	if TokenRefreshes == nil {
		return
	}
	TokenRefreshes.Inc()
	if !success {
		TokenRefreshFailures.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
