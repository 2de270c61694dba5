package llm

import (
	"fmt"
	"strings"
)

// ErrorType buckets provider failures for retry, failover, and user
// messaging decisions.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeFormat          ErrorType = "format"
)

// classifier matches one error type against a lowercased message.
type classifier struct {
	typ     ErrorType
	needles []string
	// also handles patterns that need more than one substring.
	also func(lower string) bool
}

// Ordered most specific first; ClassifyError takes the first hit.
// Needles come from observed provider responses: Anthropic, OpenAI,
// OpenRouter, xAI, LM Studio, and Ollama word things differently.
var classifiers = []classifier{
	{
		typ: ErrorTypeContextOverflow,
		needles: []string{
			"context size has been exceeded",
			"context_length_exceeded",
			"context length exceeded",
			"maximum context length",
			"prompt is too long",
			"request_too_large",
			"request exceeds the maximum size",
			"exceeds model context window",
			"context overflow",
		},
		also: func(lower string) bool {
			return strings.Contains(lower, "413") && strings.Contains(lower, "too large")
		},
	},
	{
		typ: ErrorTypeRateLimit,
		needles: []string{
			"429",
			"rate_limit",
			"rate limit",
			"too many requests",
			"exceeded your current quota",
			"quota exceeded",
			"resource_exhausted",
			"resource has been exhausted",
			"requests per minute",
			"requests per day",
		},
	},
	{
		typ: ErrorTypeOverloaded,
		needles: []string{
			"overloaded_error",
			"overloaded",
			"server is busy",
			"temporarily unavailable",
			"capacity",
		},
		also: func(lower string) bool {
			return strings.Contains(lower, "503") &&
				(strings.Contains(lower, "service") || strings.Contains(lower, "unavailable"))
		},
	},
	{
		typ: ErrorTypeBilling,
		needles: []string{
			"402",
			"payment required",
			"insufficient credits",
			"credit balance",
			"billing",
			"insufficient_quota",
			"account balance",
		},
	},
	{
		typ: ErrorTypeAuth,
		needles: []string{
			"401",
			"403",
			"invalid api key",
			"invalid_api_key",
			"incorrect api key",
			"unauthorized",
			"forbidden",
			"access denied",
			"token has expired",
			"authentication",
			"no api key found",
			"api key not found",
			"invalid credentials",
		},
	},
	{
		typ: ErrorTypeTimeout,
		needles: []string{
			"408",
			"504",
			"timeout",
			"timed out",
			"deadline exceeded",
			"request cancelled",
			"connection reset",
		},
	},
	{
		typ: ErrorTypeFormat,
		needles: []string{
			"invalid request format",
			"roles must alternate",
			"incorrect role information",
			"invalid_request_error",
			"malformed",
			"schema validation",
		},
	},
}

// ClassifyError buckets an error message. Unmatched messages are
// ErrorTypeUnknown.
func ClassifyError(msg string) ErrorType {
	if msg == "" {
		return ErrorTypeUnknown
	}
	lower := strings.ToLower(msg)
	for _, c := range classifiers {
		for _, needle := range c.needles {
			if strings.Contains(lower, needle) {
				return c.typ
			}
		}
		if c.also != nil && c.also(lower) {
			return c.typ
		}
	}
	return ErrorTypeUnknown
}

// Classify buckets an error value.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	return ClassifyError(err.Error())
}

// IsFailoverError reports whether the next provider in the chain should
// be tried. Context overflow needs compression, not another model, and
// format errors travel with the request.
func IsFailoverError(errType ErrorType) bool {
	switch errType {
	case ErrorTypeRateLimit, ErrorTypeAuth, ErrorTypeBilling, ErrorTypeTimeout, ErrorTypeOverloaded:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the same provider is worth retrying after
// a short backoff. Auth and billing failures are not transient.
func IsTransient(errType ErrorType) bool {
	switch errType {
	case ErrorTypeRateLimit, ErrorTypeOverloaded, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

var bodyHints = map[ErrorType]string{
	ErrorTypeContextOverflow: "context size has been exceeded",
	ErrorTypeRateLimit:       "rate limit exceeded",
	ErrorTypeOverloaded:      "service overloaded",
	ErrorTypeAuth:            "authentication failed",
	ErrorTypeBilling:         "billing error",
	ErrorTypeTimeout:         "request timed out",
	ErrorTypeFormat:          "invalid request format",
}

// CheckResponseBody rewrites a cryptic client-library error when the
// captured HTTP body carries a recognizable failure. Some local servers
// return errors as SSE events that SDKs fail to parse, surfacing as
// "unexpected end of JSON input"; the body says what actually happened.
func CheckResponseBody(originalErr error, respBody []byte) error {
	if len(respBody) == 0 || originalErr == nil {
		return originalErr
	}
	if hint, ok := bodyHints[ClassifyError(string(respBody))]; ok {
		return fmt.Errorf("%s (original error: %v)", hint, originalErr)
	}
	return originalErr
}
