// Package metrics owns the prometheus registry of signatoryd: HTTP
// request metrics, signing and verification outcomes, key ring size and
// key syncer health.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/signatory/internal/version"
)

// Result labels for sign and verify outcomes.
const (
	ResultOK       = "ok"
	ResultInvalid  = "invalid"
	ResultError    = "error"
	ResultNotFound = "not_found"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// signing
	signTotal   *prometheus.CounterVec
	signDur     *prometheus.HistogramVec
	verifyTotal *prometheus.CounterVec
	keysLoaded  *prometheus.GaugeVec

	// key syncer
	syncPollsTotal    prometheus.Counter
	syncErrorsTotal   *prometheus.CounterVec
	syncAddedTotal    prometheus.Counter
	syncRemovedTotal  prometheus.Counter
	syncDur           prometheus.Histogram
	syncLastSuccessTs prometheus.Gauge
	syncStale         prometheus.Gauge
}

// New returns a fresh registry with the go and process collectors and
// every signatoryd metric registered. HTTP labels are limited to method,
// route pattern and status.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the per-client rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total requests rejected because the limiter table was full",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		signTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signatory_sign_total",
			Help: "Signing requests by algorithm and result",
		}, []string{"algorithm", "result"}),
		signDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signatory_sign_duration_seconds",
			Help:    "Time spent producing a signature, including provider round trips",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"algorithm"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signatory_verify_total",
			Help: "Verification requests by algorithm and result",
		}, []string{"algorithm", "result"}),
		keysLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signatory_keys_loaded",
			Help: "Keys currently held in the key ring by source",
		}, []string{"source"}),
		syncPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signatory_keysync_polls_total",
			Help: "Total number of key store poll cycles",
		}),
		syncErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signatory_keysync_errors_total",
			Help: "Key store sync errors by type",
		}, []string{"type"}),
		syncAddedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signatory_keysync_added_total",
			Help: "Keys imported by the key syncer",
		}),
		syncRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signatory_keysync_removed_total",
			Help: "Keys dropped because they disappeared from the key store",
		}),
		syncDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signatory_keysync_duration_seconds",
			Help:    "Time to list and import keys from the key store",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		syncLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signatory_keysync_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful key store sync",
		}),
		syncStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signatory_keysync_stale",
			Help: "Whether the key syncer is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
		m.signTotal,
		m.signDur,
		m.verifyTotal,
		m.keysLoaded,
		m.syncPollsTotal,
		m.syncErrorsTotal,
		m.syncAddedTotal,
		m.syncRemovedTotal,
		m.syncDur,
		m.syncLastSuccessTs,
		m.syncStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for gathering in tests.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic()         { m.httpPanicTotal.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()   { m.ratelimitDeniedTotal.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profilingActive.Set(boolGauge(active)) }

// ObserveSign records one signing attempt. Latency is only observed for
// attempts that reached a signer.
func (m *ServerMetrics) ObserveSign(ctx context.Context, algorithm, result string, d time.Duration) {
	m.signTotal.WithLabelValues(algorithm, result).Inc()
	if result == ResultNotFound {
		return
	}
	observe(ctx, m.signDur.WithLabelValues(algorithm), d.Seconds())
}

func (m *ServerMetrics) ObserveVerify(algorithm, result string) {
	m.verifyTotal.WithLabelValues(algorithm, result).Inc()
}

// SetKeysLoaded replaces the per-source key counts.
func (m *ServerMetrics) SetKeysLoaded(bySource map[string]int) {
	m.keysLoaded.Reset()
	for src, n := range bySource {
		m.keysLoaded.WithLabelValues(src).Set(float64(n))
	}
}

func (m *ServerMetrics) IncSyncPolls() { m.syncPollsTotal.Inc() }
func (m *ServerMetrics) IncSyncError(errType string) {
	m.syncErrorsTotal.WithLabelValues(errType).Inc()
}
func (m *ServerMetrics) AddSyncChanges(added, removed int) {
	m.syncAddedTotal.Add(float64(added))
	m.syncRemovedTotal.Add(float64(removed))
}
func (m *ServerMetrics) ObserveSyncDuration(seconds float64) { m.syncDur.Observe(seconds) }
func (m *ServerMetrics) SetSyncLastSuccess(unixSeconds float64) {
	m.syncLastSuccessTs.Set(unixSeconds)
}
func (m *ServerMetrics) SetSyncStale(stale bool) { m.syncStale.Set(boolGauge(stale)) }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
