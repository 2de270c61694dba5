package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want ErrorType
	}{
		// Context overflow
		{"anthropic prompt too long", "prompt is too long: 214571 tokens > 200000 maximum", ErrorTypeContextOverflow},
		{"openai context length", "error code: context_length_exceeded", ErrorTypeContextOverflow},
		{"lmstudio overflow", "the context size has been exceeded", ErrorTypeContextOverflow},
		{"request too large", "413: request entity too large", ErrorTypeContextOverflow},

		// Rate limiting
		{"http 429", "429 Too Many Requests", ErrorTypeRateLimit},
		{"anthropic rate limit", "rate_limit_error: number of request tokens has exceeded your per-minute rate limit", ErrorTypeRateLimit},
		{"quota", "You exceeded your current quota, please check your plan", ErrorTypeRateLimit},

		// Overloaded
		{"anthropic overloaded", "overloaded_error: Overloaded", ErrorTypeOverloaded},
		{"http 503", "503 Service Unavailable", ErrorTypeOverloaded},
		{"busy", "the server is busy, please retry later", ErrorTypeOverloaded},

		// Auth
		{"http 401", `401 {"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, ErrorTypeAuth},
		{"invalid key", "invalid api key provided", ErrorTypeAuth},
		{"forbidden", "403 Forbidden", ErrorTypeAuth},

		// Billing
		{"http 402", "402 Payment Required", ErrorTypeBilling},
		{"credit balance", "Your credit balance is too low to access the API", ErrorTypeBilling},
		{"insufficient quota", "insufficient_quota: You have run out of credits", ErrorTypeBilling},

		// Timeout
		{"deadline", "context deadline exceeded", ErrorTypeTimeout},
		{"http 504", "504 Gateway Timeout", ErrorTypeTimeout},
		{"conn reset", "read tcp: connection reset by peer", ErrorTypeTimeout},

		// Format
		{"roles", "invalid_request_error: messages: roles must alternate between user and assistant", ErrorTypeFormat},

		// Unknown
		{"empty", "", ErrorTypeUnknown},
		{"json parse", "unexpected end of JSON input", ErrorTypeUnknown},
		{"generic", "something went wrong", ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.msg)
			if got != tt.want {
				t.Errorf("ClassifyError(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestIsFailoverError(t *testing.T) {
	failover := []ErrorType{ErrorTypeRateLimit, ErrorTypeAuth, ErrorTypeBilling, ErrorTypeTimeout, ErrorTypeOverloaded}
	for _, et := range failover {
		if !IsFailoverError(et) {
			t.Errorf("IsFailoverError(%v) = false, want true", et)
		}
	}

	nonFailover := []ErrorType{ErrorTypeContextOverflow, ErrorTypeFormat, ErrorTypeUnknown}
	for _, et := range nonFailover {
		if IsFailoverError(et) {
			t.Errorf("IsFailoverError(%v) = true, want false", et)
		}
	}
}

func TestIsTransient(t *testing.T) {
	transient := []ErrorType{ErrorTypeRateLimit, ErrorTypeOverloaded, ErrorTypeTimeout}
	for _, et := range transient {
		if !IsTransient(et) {
			t.Errorf("IsTransient(%v) = false, want true", et)
		}
	}

	permanent := []ErrorType{ErrorTypeAuth, ErrorTypeBilling, ErrorTypeFormat, ErrorTypeContextOverflow, ErrorTypeUnknown}
	for _, et := range permanent {
		if IsTransient(et) {
			t.Errorf("IsTransient(%v) = true, want false", et)
		}
	}
}

func TestCheckResponseBody(t *testing.T) {
	orig := errors.New("unexpected end of JSON input")

	// Known pattern in body replaces the cryptic parse error
	body := []byte(`{"error":"Trying to keep the first 8000 tokens... the context size has been exceeded"}`)
	got := CheckResponseBody(orig, body)
	if got == orig {
		t.Fatal("CheckResponseBody did not enhance error with known pattern")
	}
	if !strings.Contains(got.Error(), "context size has been exceeded") {
		t.Errorf("enhanced error = %q, want context overflow message", got.Error())
	}
	if !strings.Contains(got.Error(), orig.Error()) {
		t.Errorf("enhanced error = %q, should retain original error text", got.Error())
	}

	// Empty body returns the original error untouched
	if got := CheckResponseBody(orig, nil); got != orig {
		t.Errorf("CheckResponseBody with nil body = %v, want original error", got)
	}

	// Unrecognized body returns the original error untouched
	if got := CheckResponseBody(orig, []byte("all fine here")); got != orig {
		t.Errorf("CheckResponseBody with benign body = %v, want original error", got)
	}

	// Nil error stays nil
	if got := CheckResponseBody(nil, body); got != nil {
		t.Errorf("CheckResponseBody with nil error = %v, want nil", got)
	}
}
