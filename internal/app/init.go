package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/TygarWright/Deepseek-Rotator/internal/keypool"
	"github.com/TygarWright/Deepseek-Rotator/internal/logger"
	"github.com/TygarWright/Deepseek-Rotator/internal/metrics"
	"github.com/TygarWright/Deepseek-Rotator/internal/proxy"
	"github.com/TygarWright/Deepseek-Rotator/internal/ratelimit"
	"github.com/TygarWright/Deepseek-Rotator/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only required when RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the Prometheus metrics registry and the async request
// logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	l, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = l
	a.prom.BindDroppedLogs(l.DroppedLogs)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	pool := keypool.New(a.cfg.APIKeys)
	if pool.Len() == 0 {
		a.log.Warn("no API keys configured; chat requests will fail until keys are added")
	} else {
		a.log.Info("keys loaded", slog.Int("keys", pool.Len()))
	}

	up := upstream.New(upstream.Options{
		BaseURL: a.cfg.Upstream.BaseURL,
		Referer: a.cfg.Upstream.Referer,
		Title:   a.cfg.Upstream.Title,
		Timeout: a.cfg.Upstream.Timeout,
	})

	// A configured 0 disables pacing; the gateway treats 0 as "use default".
	minInterval := a.cfg.Queue.MinInterval
	if minInterval == 0 {
		minInterval = -1
	}

	opts := proxy.GatewayOptions{
		Logger:              a.log,
		DefaultModel:        a.cfg.Upstream.DefaultModel,
		MaxConcurrent:       a.cfg.Queue.MaxConcurrent,
		MinInterval:         minInterval,
		RateLimitPauseMax:   a.cfg.RateLimitPauseMax,
		LogCapacity:         a.cfg.LogCapacity,
		AdminToken:          a.cfg.AdminToken,
		HealthProbeInterval: a.cfg.HealthProbeInterval,
		Metrics:             a.prom,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, pool, up, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting, only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.cfg.RateLimit.Scope))
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.String("scope", a.cfg.RateLimit.Scope),
		)
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	if a.cfg.AdminEnabled() {
		a.log.Info("admin API enabled")
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
