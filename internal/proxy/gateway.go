// Package proxy is the inbound side of the rotator.
//
// The Gateway accepts OpenAI-compatible chat-completion requests, shapes the
// body (default model and messages), admits it through the pacing queue and
// forwards it upstream with the pool's active key, rotating to the next key
// when the active one is rate limited, rejected or unreachable. Whatever the
// upstream finally answers is written back to the client verbatim.
//
// Key design constraints:
//   - Upstream bodies are opaque: never re-encoded, never cached.
//   - Logger, metrics and rate limiter are optional and nil-safe.
//   - Raw API keys never reach logs, metrics or the admin API.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TygarWright/Deepseek-Rotator/internal/activity"
	"github.com/TygarWright/Deepseek-Rotator/internal/keypool"
	"github.com/TygarWright/Deepseek-Rotator/internal/logger"
	"github.com/TygarWright/Deepseek-Rotator/internal/metrics"
	"github.com/TygarWright/Deepseek-Rotator/internal/queue"
	"github.com/TygarWright/Deepseek-Rotator/internal/ratelimit"
	"github.com/TygarWright/Deepseek-Rotator/internal/upstream"
	"github.com/TygarWright/Deepseek-Rotator/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Defaults applied by NewGatewayWithOptions.
const (
	DefaultMaxConcurrent = 3
	DefaultMinInterval   = 200 * time.Millisecond
	DefaultModel         = "deepseek/deepseek-chat"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and rotation
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// DefaultModel fills a missing "model" field. Default: DefaultModel.
	DefaultModel string

	// MaxConcurrent bounds requests forwarded at once. Default: 3.
	MaxConcurrent int

	// MinInterval spaces consecutive request starts. Default: 200ms.
	// Negative disables spacing.
	MinInterval time.Duration

	// RateLimitPauseMax caps the pause after a 429 before the next attempt.
	// 0 disables the pause.
	RateLimitPauseMax time.Duration

	// LogCapacity is the activity log size. Default: activity.DefaultCapacity.
	LogCapacity int

	// AdminToken mounts the /admin routes when non-empty.
	AdminToken string

	// HealthProbeInterval enables periodic upstream probes when > 0.
	HealthProbeInterval time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry
}

// Gateway is the main proxy; all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	pool     *keypool.Pool
	upstream *upstream.Client
	queue    *queue.Queue[*Result]
	activity *activity.Log
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	defaultModel string
	pauseMax     time.Duration
	adminToken   string
	jitter       func() time.Duration

	// Optional dependencies, nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty or ["*"] allows any origin.
	corsOrigins []string

	srvMu sync.Mutex
	srv   *fasthttp.Server
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, pool *keypool.Pool, up *upstream.Client) *Gateway {
	return NewGatewayWithOptions(ctx, pool, up, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway.
func NewGatewayWithOptions(
	baseCtx context.Context,
	pool *keypool.Pool,
	up *upstream.Client,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if pool == nil {
		pool = keypool.New(nil)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	model := opts.DefaultModel
	if model == "" {
		model = DefaultModel
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}

	minInterval := opts.MinInterval
	if minInterval == 0 {
		minInterval = DefaultMinInterval
	}

	gw := &Gateway{
		pool:         pool,
		upstream:     up,
		queue:        queue.New[*Result](maxConcurrent, minInterval),
		activity:     activity.New(opts.LogCapacity),
		baseCtx:      baseCtx,
		log:          log,
		metrics:      opts.Metrics,
		defaultModel: model,
		pauseMax:     max(opts.RateLimitPauseMax, 0),
		adminToken:   opts.AdminToken,
		jitter:       defaultJitter,
	}

	if gw.metrics != nil {
		gw.metrics.BindPool(pool.Stats)
		gw.metrics.BindQueue(gw.queue.Depth, gw.queue.InFlight)
		gw.queue.OnStart(gw.metrics.ObserveQueueWait)
	}

	if up != nil && opts.HealthProbeInterval > 0 {
		gw.health = NewHealthChecker(baseCtx, up, pool, opts.HealthProbeInterval, gw.metrics, gw.log)
	}

	return gw
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
	if g.health != nil && rpm != nil {
		g.health.SetRedisProbe(rpm.Ping)
	}
}

// SetLogger injects the async access logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// Pool returns the shared key pool.
func (g *Gateway) Pool() *keypool.Pool { return g.pool }

// Activity returns the in-memory activity log.
func (g *Gateway) Activity() *activity.Log { return g.activity }

// Close rejects queued requests and stops background probes. Requests already
// forwarding are left to finish.
func (g *Gateway) Close() {
	g.queue.Close()
	if g.health != nil {
		g.health.Close()
	}
}

// dispatchChat is the core handler for /v1/chat/completions and its alias.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
			reqBytes, len(ctx.Response.Body()))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Shape the body.
	body, model, err := shapeRequest(ctx.PostBody(), g.defaultModel)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.Int("bytes", len(body)),
	)

	// 2. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err != nil {
			g.log.WarnContext(ctx, "rate_limiter_unavailable",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		if g.metrics != nil {
			switch {
			case err != nil:
				g.metrics.RecordRateLimit("error")
			case allowed:
				g.metrics.RecordRateLimit("allowed")
			default:
				g.metrics.RecordRateLimit("blocked")
			}
		}
		if !allowed {
			g.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID))
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	// 3. Queue, then forward with rotation.
	if g.upstream == nil {
		apierr.WriteInternal(ctx, "no upstream configured")
		return
	}
	fr := &forwardRequest{
		RequestID: reqID,
		Model:     model,
		Prompt:    lastUserPrompt(body),
		Body:      body,
	}
	// Server shutdown closes ctx.Done() for every open request; forwarding
	// runs detached so an attempt already on the wire is still delivered and
	// logged. Each attempt stays bounded by the upstream timeout.
	fctx := context.WithoutCancel(ctx)
	res, err := g.queue.Submit(fctx, func(qctx context.Context) (*Result, error) {
		return g.Forward(qctx, fr)
	})
	if err != nil {
		g.writeForwardError(ctx, reqID, err, start)
		return
	}

	// 4. Write the terminal result.
	ctx.Response.Header.Set("X-Upstream-Attempts", strconv.Itoa(res.Attempts))
	if res.Exhausted {
		apierr.WriteExhausted(ctx)
		return
	}

	g.log.DebugContext(ctx, "response",
		slog.String("request_id", reqID),
		slog.Int("status", res.Status),
		slog.Int("key_index", res.KeyIndex),
		slog.Int("attempts", res.Attempts),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(res.Status)
	if res.ContentType != "" {
		ctx.SetContentType(res.ContentType)
	} else {
		ctx.Response.Header.SetNoDefaultContentType(true)
	}
	ctx.SetBody(res.Body)
}

// writeForwardError maps a failure of the queue or the orchestration path to
// a synthesized error response.
//
//	context cancelled / deadline → 504
//	queue closed (shutdown)      → 503
//	anything else (incl. panics) → 500 "internal error: <detail>"
func (g *Gateway) writeForwardError(ctx *fasthttp.RequestCtx, reqID string, err error, start time.Time) {
	g.log.ErrorContext(ctx, "forward_error",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	case errors.Is(err, queue.ErrClosed):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, "server is shutting down",
			apierr.TypeServerError, apierr.CodeInternalError)
	default:
		apierr.WriteInternal(ctx, err.Error())
	}
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
