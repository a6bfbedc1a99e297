package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TygarWright/Deepseek-Rotator/internal/keypool"
	"github.com/TygarWright/Deepseek-Rotator/internal/metrics"
)

const healthProbeTimeout = 5 * time.Second

// prober checks the upstream with one key. Implemented by *upstream.Client.
type prober interface {
	Probe(ctx context.Context, key string) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
	err    string
	at     time.Time
}

func (s *componentStatus) set(v string, err error) {
	s.mu.Lock()
	s.status = v
	s.err = ""
	if err != nil {
		s.err = err.Error()
	}
	s.at = time.Now().UTC()
	s.mu.Unlock()
}

func (s *componentStatus) get() (string, string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown", "", time.Time{}
	}
	return s.status, s.err, s.at
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	upstream prober
	pool     *keypool.Pool
	interval time.Duration
	baseCtx  context.Context
	metrics  *metrics.Registry
	log      *slog.Logger

	redisMu    sync.RWMutex
	redisProbe func(context.Context) error

	upstreamStatus componentStatus
	redisStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and starts background probes. The
// first probe runs immediately in the background.
func NewHealthChecker(
	ctx context.Context,
	up prober,
	pool *keypool.Pool,
	interval time.Duration,
	met *metrics.Registry,
	log *slog.Logger,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	hc := &HealthChecker{
		upstream:  up,
		pool:      pool,
		interval:  interval,
		baseCtx:   ctx,
		metrics:   met,
		log:       log,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// SetRedisProbe registers a readiness check for the rate limiter backend.
func (hc *HealthChecker) SetRedisProbe(fn func(context.Context) error) {
	hc.redisMu.Lock()
	hc.redisProbe = fn
	hc.redisMu.Unlock()
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Upstream      string     `json:"upstream"`
	UpstreamError string     `json:"upstream_error,omitempty"`
	LastProbe     *time.Time `json:"last_probe,omitempty"`
	Redis         string     `json:"redis,omitempty"`
	TotalKeys     int        `json:"total_keys"`
	EligibleKeys  int        `json:"eligible_keys"`
}

// Snapshot builds a snapshot from the latest probe results and the live pool.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	up, upErr, at := hc.upstreamStatus.get()
	stats := hc.pool.Stats()

	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Upstream:      up,
		UpstreamError: upErr,
		TotalKeys:     stats.Total,
		EligibleKeys:  stats.Eligible,
	}
	if !at.IsZero() {
		snap.LastProbe = &at
	}
	if hc.hasRedisProbe() {
		snap.Redis, _, _ = hc.redisStatus.get()
		if snap.Redis == "down" {
			snap.Status = "degraded"
		}
	}
	if up == "degraded" || stats.Eligible == 0 {
		snap.Status = "degraded"
	}
	return snap
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()

	hc.probe()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) hasRedisProbe() bool {
	hc.redisMu.RLock()
	defer hc.redisMu.RUnlock()
	return hc.redisProbe != nil
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, key, err := hc.pool.Active()
		if err == nil {
			err = hc.upstream.Probe(ctx, key)
		}
		if err != nil {
			hc.upstreamStatus.set("degraded", err)
			hc.log.WarnContext(ctx, "upstream_probe_failed", slog.String("error", err.Error()))
		} else {
			hc.upstreamStatus.set("ok", nil)
		}
		if hc.metrics != nil {
			hc.metrics.SetUpstreamHealth(err == nil)
		}
	}()

	hc.redisMu.RLock()
	redisProbe := hc.redisProbe
	hc.redisMu.RUnlock()
	if redisProbe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := redisProbe(ctx); err != nil {
				hc.redisStatus.set("down", err)
			} else {
				hc.redisStatus.set("ok", nil)
			}
		}()
	}

	wg.Wait()
}
