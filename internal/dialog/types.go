package dialog

import (
	"context"
	"time"

	"github.com/tablesage/tablesage/internal/llm"
	"github.com/tablesage/tablesage/internal/session"
)

// Stage names one step of the query pipeline. A turn walks
// intent_recognition -> table_selection -> sql_generation -> sql_execution
// -> result_analysis, with detours into clarification and back-edges from
// execution failures into regeneration.
type Stage string

const (
	StageIntent        Stage = "intent_recognition"
	StageTableSelect   Stage = "table_selection"
	StageClarification Stage = "clarification"
	StageSQLGen        Stage = "sql_generation"
	StageSQLExec       Stage = "sql_execution"
	StageAnalysis      Stage = "result_analysis"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

// StageResult records one stage transition for tracing and the turn log.
type StageResult struct {
	Stage       Stage         `json:"stage"`
	Status      string        `json:"status"` // ok | failed
	Output      string        `json:"output,omitempty"`
	ErrorDetail string        `json:"errorDetail,omitempty"`
	Attempts    int           `json:"attempts"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Turn is the trace of one user query through the pipeline.
type Turn struct {
	ID      string        `json:"id"`
	Results []StageResult `json:"results"`
}

// Reply is what a completed or paused turn hands back to the caller.
// When NeedsClarification is set the pipeline stopped to ask a question
// and the other result fields are empty.
type Reply struct {
	SessionID          string                 `json:"sessionId"`
	TurnID             string                 `json:"turnId"`
	Intent             string                 `json:"intent,omitempty"`
	Confidence         float64                `json:"confidence,omitempty"`
	SQL                string                 `json:"sql,omitempty"`
	ResultSummary      string                 `json:"resultSummary,omitempty"`
	AnalysisText       string                 `json:"analysisText,omitempty"`
	NeedsClarification bool                   `json:"needsClarification,omitempty"`
	Clarification      *session.Clarification `json:"clarification,omitempty"`
	Trace              []StageResult          `json:"trace,omitempty"`
}

// Completer is the narrow model surface the pipeline needs. The production
// implementation wraps the provider registry with its failover chains; tests
// script it.
type Completer interface {
	Complete(ctx context.Context, purpose string, messages []llm.Message, systemPrompt string) (string, error)
}

type registryCompleter struct {
	reg *llm.Registry
}

// NewRegistryCompleter adapts the provider registry to the Completer surface.
func NewRegistryCompleter(reg *llm.Registry) Completer {
	return &registryCompleter{reg: reg}
}

func (r *registryCompleter) Complete(ctx context.Context, purpose string, messages []llm.Message, systemPrompt string) (string, error) {
	result, err := r.reg.CompleteWithFailover(ctx, purpose, messages, systemPrompt)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
