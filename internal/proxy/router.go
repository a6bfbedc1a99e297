package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// It blocks until the server stops.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		Name:         "deepseek-rotator",
	}
	g.srvMu.Lock()
	g.srv = srv
	g.srvMu.Unlock()
	return srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for open requests to
// finish, or for ctx to expire. A no-op before Start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.srv
	g.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

// Handler builds the full route table wrapped in the middleware chain.
//
//	POST   /v1/chat/completions, /chat/completions
//	GET    /health, /readiness, /metrics (when mgmt.Metrics is set)
//	       /admin/* (when an admin token is configured)
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/chat/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	if g.adminToken != "" {
		g.registerAdmin(r.Group("/admin"))
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		tagRequest,
		corsHandler(g.corsOrigins),
		hardenResponse,
	)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		stats := g.pool.Stats()
		status := "ok"
		if stats.Eligible == 0 {
			status = "degraded"
		}
		writeJSON(ctx, HealthSnapshot{
			Status:       status,
			Upstream:     "unprobed",
			TotalKeys:    stats.Total,
			EligibleKeys: stats.Eligible,
		})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

// handleReadiness reports ready while at least one key can be selected.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.pool.Stats().Eligible > 0 {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "no eligible API keys"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
