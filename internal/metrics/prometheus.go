// Package metrics provides a Prometheus metrics registry for the rotator.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/TygarWright/Deepseek-Rotator/internal/keypool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// rotator_inflight_requests
	inFlight prometheus.Gauge

	// rotator_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// rotator_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// rotator_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// rotator_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// rotator_upstream_attempts_total{outcome}
	upstreamAttempts *prometheus.CounterVec

	// rotator_upstream_attempt_duration_seconds{outcome}
	upstreamDuration *prometheus.HistogramVec

	// rotator_key_rotations_total{reason}
	rotations *prometheus.CounterVec

	// rotator_pool_exhausted_total
	exhausted prometheus.Counter

	// rotator_queue_wait_seconds
	queueWait prometheus.Histogram

	// rotator_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// rotator_upstream_health (1=ok, 0=degraded)
	upstreamHealth prometheus.Gauge

	// rotator_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotator_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes queueing and every attempt)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotator_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotator_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_upstream_attempts_total",
				Help: "Upstream attempts by outcome (ok, rate_limited, unauthorized, transport, timeout, passthrough)",
			},
			[]string{"outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotator_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"outcome"},
		),

		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_key_rotations_total",
				Help: "Cursor advances by trigger",
			},
			[]string{"reason"},
		),

		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotator_pool_exhausted_total",
			Help: "Requests that ran out of keys without a terminal upstream response",
		}),

		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rotator_queue_wait_seconds",
			Help:    "Time spent in the admission queue before the first attempt",
			Buckets: latencyBuckets,
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_ratelimit_total",
				Help: "Inbound RPM limiter decisions",
			},
			[]string{"result"},
		),

		upstreamHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_upstream_health",
			Help: "Upstream health from the last probe (1=ok, 0=degraded)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rotator_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.rotations,
		r.exhausted,
		r.queueWait,
		r.rateLimitTotal,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// BindPool exports key counts read from stats at scrape time.
func (r *Registry) BindPool(stats func() keypool.Stats) {
	gauge := func(name, help string, pick func(keypool.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(stats()))
		})
	}
	r.reg.MustRegister(
		gauge("rotator_keys", "Configured API keys",
			func(s keypool.Stats) int { return s.Total }),
		gauge("rotator_keys_eligible", "API keys currently selectable",
			func(s keypool.Stats) int { return s.Eligible }),
		gauge("rotator_keys_dead", "API keys rejected with 401/403",
			func(s keypool.Stats) int { return s.Dead }),
		gauge("rotator_keys_rate_limited", "API keys cooling down after a 429",
			func(s keypool.Stats) int { return s.RateLimited }),
		gauge("rotator_active_key_index", "Index of the key under the rotation cursor (-1 when empty)",
			func(s keypool.Stats) int { return s.ActiveIndex }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rotator_rotation_count",
			Help: "Pool rotation counter",
		}, func() float64 { return float64(stats().RotationCount) }),
	)
}

// BindQueue exports admission queue depth and in-flight tasks.
func (r *Registry) BindQueue(depth, inFlight func() int) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rotator_queue_depth",
			Help: "Requests waiting for admission",
		}, func() float64 { return float64(depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rotator_queue_inflight",
			Help: "Requests admitted and currently forwarding",
		}, func() float64 { return float64(inFlight()) }),
	)
}

// BindDroppedLogs exports the request logger's drop counter.
func (r *Registry) BindDroppedLogs(dropped func() int64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "rotator_request_logs_dropped_total",
		Help: "Request log lines dropped because the log buffer was full",
	}, func() float64 { return float64(dropped()) }))
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(outcome).Inc()
	r.upstreamDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRotation(reason string) {
	r.rotations.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordExhausted() { r.exhausted.Inc() }

func (r *Registry) ObserveQueueWait(d time.Duration) {
	r.queueWait.Observe(d.Seconds())
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetUpstreamHealth(ok bool) {
	if ok {
		r.upstreamHealth.Set(1)
		return
	}
	r.upstreamHealth.Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
