// Package apierr writes errors synthesized by the proxy in the OpenAI error
// format. Upstream error bodies are never rewritten; this package covers only
// responses the proxy produces itself.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeKeysExhausted     = "keys_exhausted"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeRequestTimeout    = "request_timeout"
)

// MsgKeysExhausted is returned when every key was rate limited or rejected.
const MsgKeysExhausted = "all API keys are exhausted or invalid"

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body renders the JSON envelope without writing it.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// WriteInvalidRequest writes a 400.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteExhausted writes the 429 returned when no key produced a terminal
// upstream response.
func WriteExhausted(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusTooManyRequests, MsgKeysExhausted, TypeRateLimitError, CodeKeysExhausted)
}

// WriteInternal writes a 500 carrying detail.
func WriteInternal(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal error: "+detail, TypeServerError, CodeInternalError)
}

// WriteUnauthorized writes a 401 for a missing or wrong admin token.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="admin"`)
	Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing admin token", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteNotFound writes a 404.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeInvalidRequest, CodeNotFound)
}

// WriteRateLimit writes the 429 returned by the inbound RPM guard.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteTimeout writes a 504 for a request abandoned before a terminal result.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "request timed out", TypeServerError, CodeRequestTimeout)
}
