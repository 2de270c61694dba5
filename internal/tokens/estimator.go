// Package tokens estimates prompt sizes with tiktoken. The counts steer
// history compression and max_tokens capping, so they only have to be
// close, not exact.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/tablesage/tablesage/internal/logging"
)

// DefaultEncoding is cl100k_base, used by GPT-4 and Claude models
const DefaultEncoding = "cl100k_base"

// MessageOverhead is the per-message token cost of role and framing.
const MessageOverhead = 4

// SafetyMargin inflates input estimates because cl100k_base undercounts
// for non-OpenAI tokenizers.
const SafetyMargin = 1.2

// Estimator counts tokens for one encoding. The zero value counts by
// character length alone.
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

// New returns an estimator for the default encoding.
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

var (
	shared     *Estimator
	sharedOnce sync.Once
)

// Get returns the shared estimator. If the encoding data cannot be
// loaded, counting degrades to the character heuristic.
func Get() *Estimator {
	sharedOnce.Do(func() {
		est, err := New()
		if err != nil {
			L_warn("tokens: estimator unavailable, counting by length", "error", err)
			est = &Estimator{}
		}
		shared = est
	})
	return shared
}

// Count returns the token count for text. Without an encoding it
// approximates at four characters per token.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// CountWithOverhead adds a fixed per-message overhead to the count.
func (e *Estimator) CountWithOverhead(text string, overhead int) int {
	return e.Count(text) + overhead
}

// Estimate counts text with the shared estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// CapMaxTokens bounds a max_tokens request so input plus output fits the
// context window. The input estimate is inflated by SafetyMargin, and at
// least 100 output tokens are always granted.
func CapMaxTokens(requestedMax, contextWindow, estimatedInput, buffer int) int {
	if contextWindow <= 0 {
		return requestedMax
	}
	available := contextWindow - int(float64(estimatedInput)*SafetyMargin) - buffer
	if available < 100 {
		available = 100
	}
	if requestedMax > 0 && requestedMax < available {
		return requestedMax
	}
	return available
}
