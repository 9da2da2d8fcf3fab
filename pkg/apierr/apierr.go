// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI and Anthropic error formats.
package apierr

import (
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFoundError     = "not_found_error"
	TypeOverloadedError   = "overloaded_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeModelNotFound      = "model_not_found"
	CodeNoHealthyProviders = "no_healthy_providers"
	CodeInvalidRequest     = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	// anthropicEnvelope mirrors the Anthropic error body shape.
	anthropicEnvelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Write writes the error as OpenAI-shaped JSON with the given HTTP status.
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

// WriteAnthropic writes the error in the Anthropic error envelope
// ({"type":"error","error":{…}}) with the given HTTP status.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(anthropicEnvelope{
		Type:  "error",
		Error: APIError{Message: message, Type: errType},
	})
	ctx.SetBody(body)
}

// WriteUnknownModel writes a 400 listing the models the router does know.
func WriteUnknownModel(ctx *fasthttp.RequestCtx, model string, available []string) {
	msg := "model '" + model + "' is not available"
	if len(available) > 0 {
		msg += "; available models: " + strings.Join(available, ", ")
	}
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeModelNotFound)
}

// WriteNoProviders writes a 503 when every candidate provider is down.
func WriteNoProviders(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no healthy providers available for model '"+model+"'",
		TypeOverloadedError, CodeNoHealthyProviders)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteUnauthorized writes the 401 envelope for missing/invalid bearer tokens.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, detail string) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]string{
		"error":   "API key missing or invalid",
		"message": detail,
	})
	ctx.SetBody(body)
}
