package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("invalid envelope %s: %v", ctx.Response.Body(), err)
	}
	return env.Error
}

func TestWriteExhausted(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteExhausted(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	if e := decode(t, ctx); e.Message != MsgKeysExhausted || e.Type != TypeRateLimitError {
		t.Errorf("unexpected error body %+v", e)
	}
}

func TestWriteInternal(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInternal(ctx, "boom")

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Message != "internal error: boom" || e.Code != CodeInternalError {
		t.Errorf("unexpected error body %+v", e)
	}
}

func TestWriteUnauthorized(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteUnauthorized(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Header.Peek("WWW-Authenticate")) == 0 {
		t.Error("expected WWW-Authenticate header")
	}
}
