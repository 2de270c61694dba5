package tokens

import (
	"strings"
	"testing"
)

func TestCountFallback(t *testing.T) {
	// Zero-value estimator has no encoding, uses chars/4
	e := &Estimator{}

	text := strings.Repeat("a", 40)
	if got := e.Count(text); got != 10 {
		t.Errorf("fallback count: got %d, want 10", got)
	}

	if got := e.CountWithOverhead(text, 4); got != 14 {
		t.Errorf("count with overhead: got %d, want 14", got)
	}
}

func TestCountNilEstimator(t *testing.T) {
	var e *Estimator
	if got := e.Count("hello world"); got != len("hello world")/4 {
		t.Errorf("nil estimator count: got %d, want %d", got, len("hello world")/4)
	}
}

func TestCapMaxTokens(t *testing.T) {
	tests := []struct {
		name           string
		requestedMax   int
		contextWindow  int
		estimatedInput int
		buffer         int
		want           int
	}{
		{"no context info", 4096, 0, 1000, 100, 4096},
		{"requested fits", 1000, 100000, 1000, 100, 1000},
		{"capped to available", 200000, 10000, 5000, 100, 10000 - 6000 - 100},
		{"minimum output floor", 4096, 1000, 5000, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CapMaxTokens(tt.requestedMax, tt.contextWindow, tt.estimatedInput, tt.buffer)
			if got != tt.want {
				t.Errorf("CapMaxTokens(%d, %d, %d, %d) = %d, want %d",
					tt.requestedMax, tt.contextWindow, tt.estimatedInput, tt.buffer, got, tt.want)
			}
		})
	}
}
