package proxy

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/TygarWright/Deepseek-Rotator/pkg/apierr"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery catches panics in any handler and answers with the 500 error
// envelope. Partial handler output is discarded.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					reqID, _ := ctx.UserValue("request_id").(string)
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", reqID),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.WriteInternal(ctx, fmt.Sprint(r))
				}
			}()
			next(ctx)
		}
	}
}

const maxRequestIDLen = 128

// tagRequest assigns the request ID used in logs and activity entries and
// reports the handler time. A client X-Request-ID is kept when it fits in
// maxRequestIDLen bytes.
func tagRequest(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}
		ctx.SetUserValue("request_id", id)
		ctx.Response.Header.Set("X-Request-ID", id)

		next(ctx)

		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// apiHeaders are set on every response. Nothing served here is HTML, and
// completions and admin output must never be cached by intermediaries.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

func hardenResponse(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		for _, kv := range apiHeaders {
			ctx.Response.Header.Set(kv[0], kv[1])
		}
	}
}

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, HTTP-Referer, X-Title"
	corsExpose  = "X-Request-ID, X-Response-Time, X-Upstream-Attempts"
)

// corsHandler answers browser clients. An empty list or ["*"] allows any
// origin; otherwise a request Origin on the list is echoed back and any other
// origin gets no Access-Control-Allow-Origin. Preflights end with 204.
func corsHandler(origins []string) middleware {
	open := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			switch origin := string(ctx.Request.Header.Peek("Origin")); {
			case open:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Expose-Headers", corsExpose)

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] is the outermost layer.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
