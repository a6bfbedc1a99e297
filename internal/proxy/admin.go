package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/TygarWright/Deepseek-Rotator/internal/activity"
	"github.com/TygarWright/Deepseek-Rotator/internal/keypool"
	"github.com/TygarWright/Deepseek-Rotator/pkg/apierr"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

const defaultLogLimit = 100

// registerAdmin mounts the status and command routes. Every route requires
// the admin bearer token.
func (g *Gateway) registerAdmin(r *router.Group) {
	r.GET("/status", g.adminOnly(g.handleStatus))
	r.GET("/logs", g.adminOnly(g.handleLogs))
	r.DELETE("/logs", g.adminOnly(g.handleClearLogs))
	r.POST("/rotate", g.adminOnly(g.handleRotate))
	r.POST("/reset", g.adminOnly(g.handleReset))
	r.POST("/keys", g.adminOnly(g.handleAddKey))
	r.DELETE("/keys/{index}", g.adminOnly(g.handleRemoveKey))
}

func (g *Gateway) adminOnly(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	want := []byte(g.adminToken)
	return func(ctx *fasthttp.RequestCtx) {
		got := parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			g.log.WarnContext(ctx, "admin_unauthorized",
				slog.String("path", string(ctx.Path())),
				slog.String("remote", ctx.RemoteIP().String()),
			)
			apierr.WriteUnauthorized(ctx)
			return
		}
		next(ctx)
	}
}

type rateLimitStatus struct {
	Limit int    `json:"rpm_limit"`
	Used  int64  `json:"rpm_used"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	keypool.Stats
	QueueDepth int               `json:"queue_depth"`
	InFlight   int               `json:"in_flight"`
	LogEntries int               `json:"log_entries"`
	Keys       []keypool.KeyView `json:"keys"`
	RateLimit  *rateLimitStatus  `json:"rate_limit,omitempty"`
}

func (g *Gateway) status(ctx *fasthttp.RequestCtx) statusResponse {
	resp := statusResponse{
		Stats:      g.pool.Stats(),
		QueueDepth: g.queue.Depth(),
		InFlight:   g.queue.InFlight(),
		LogEntries: g.activity.Len(),
		Keys:       g.pool.List(),
	}
	if g.rpmLimiter != nil {
		rl := &rateLimitStatus{Limit: g.rpmLimiter.Limit()}
		used, err := g.rpmLimiter.Used(ctx)
		if err != nil {
			rl.Error = err.Error()
		}
		rl.Used = used
		resp.RateLimit = rl
	}
	return resp
}

func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.status(ctx))
}

type logsResponse struct {
	Count   int              `json:"count"`
	Entries []activity.Entry `json:"entries"`
}

// handleLogs returns the most recent activity entries, newest first.
func (g *Gateway) handleLogs(ctx *fasthttp.RequestCtx) {
	limit := defaultLogLimit
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n < 1 {
			apierr.WriteInvalidRequest(ctx, "limit must be a positive integer")
			return
		}
		limit = n
	}
	limit = min(limit, g.activity.Cap())

	entries := g.activity.Recent(limit)
	writeJSON(ctx, logsResponse{Count: len(entries), Entries: entries})
}

func (g *Gateway) handleClearLogs(ctx *fasthttp.RequestCtx) {
	g.activity.Clear()
	g.log.InfoContext(ctx, "activity_log_cleared")
	writeJSON(ctx, map[string]any{"cleared": true})
}

func (g *Gateway) handleRotate(ctx *fasthttp.RequestCtx) {
	g.pool.Advance()
	if g.metrics != nil {
		g.metrics.RecordRotation(reasonManual)
	}
	stats := g.pool.Stats()
	g.log.InfoContext(ctx, "key_rotated_manually",
		slog.Int("active_index", stats.ActiveIndex),
		slog.Uint64("rotation_count", stats.RotationCount),
	)
	writeJSON(ctx, stats)
}

func (g *Gateway) handleReset(ctx *fasthttp.RequestCtx) {
	g.pool.ClearTransientFlags()
	g.log.InfoContext(ctx, "key_flags_reset")
	writeJSON(ctx, g.pool.Stats())
}

type addKeyRequest struct {
	Key string `json:"key"`
}

type addKeyResponse struct {
	Added     bool   `json:"added"`
	Masked    string `json:"masked"`
	TotalKeys int    `json:"total_keys"`
}

// handleAddKey appends a key: 201 when added, 200 when already present.
func (g *Gateway) handleAddKey(ctx *fasthttp.RequestCtx) {
	var req addKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		apierr.WriteInvalidRequest(ctx, "field 'key' is required")
		return
	}

	added := g.pool.Add(key)
	resp := addKeyResponse{Added: added, Masked: keypool.Mask(key), TotalKeys: g.pool.Len()}
	if added {
		g.log.InfoContext(ctx, "key_added",
			slog.String("key", resp.Masked),
			slog.Int("total_keys", resp.TotalKeys),
		)
		ctx.SetStatusCode(fasthttp.StatusCreated)
	}
	writeJSON(ctx, resp)
}

func (g *Gateway) handleRemoveKey(ctx *fasthttp.RequestCtx) {
	raw, _ := ctx.UserValue("index").(string)
	idx, err := strconv.Atoi(raw)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, "index must be an integer")
		return
	}
	if !g.pool.Remove(idx) {
		apierr.WriteNotFound(ctx, "no key at index "+raw)
		return
	}
	g.log.InfoContext(ctx, "key_removed",
		slog.Int("index", idx),
		slog.Int("total_keys", g.pool.Len()),
	)
	writeJSON(ctx, g.pool.Stats())
}
