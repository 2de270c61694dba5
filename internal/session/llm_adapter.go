package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/tablesage/tablesage/internal/llm"
)

const summarySystemPrompt = `You condense earlier turns of a database analysis conversation.
Write one short paragraph covering what the user asked and which queries ran.
Keep placeholder tokens such as [NUM_1] or [EMAIL_1] exactly as written.
Do not invent values, row data, or conclusions that are not in the transcript.`

// registrySummarizer produces compression summaries through the model
// registry. The transcript it receives is already sanitized, so the
// summarization purpose may resolve to a cloud model.
type registrySummarizer struct {
	reg *llm.Registry
}

// NewRegistrySummarizer wraps a model registry as a Summarizer.
func NewRegistrySummarizer(reg *llm.Registry) Summarizer {
	return &registrySummarizer{reg: reg}
}

func (r *registrySummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if r.reg == nil {
		return "", fmt.Errorf("no model registry configured")
	}

	result, err := r.reg.CompleteWithFailover(ctx, llm.PurposeSummarization,
		[]llm.Message{{Role: llm.RoleUser, Content: transcript}}, summarySystemPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}
