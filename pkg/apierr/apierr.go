// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format. The router's response surface is
// narrower than the teacher's multi-vendor gateway — 200, 400, 429, or 503 — but
// the structured envelope and per-status helper style is kept.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeProviderError  = "provider_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidRequest     = "invalid_request"
	CodeAllProvidersFailed = "provider_error"
	CodeConfigMissing      = "config_missing"
)

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

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 for a malformed request body.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteRateLimit writes the 429 the limiter produces on rejection.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "Rate limit exceeded. Slow down.", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteAllProvidersFailed writes the 503 the waterfall produces when every
// candidate provider fails.
func WriteAllProvidersFailed(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "Tutti i provider falliti.", TypeProviderError, CodeAllProvidersFailed)
}

// WriteConfigMissing writes the 503 produced when no provider registry has
// ever loaded successfully.
func WriteConfigMissing(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "provider configuration unavailable", TypeProviderError, CodeConfigMissing)
}
