package dialog

import (
	"fmt"
	"strings"

	"github.com/tablesage/tablesage/internal/llm"
)

// FaultCode classifies why a turn failed. The codes are stable strings that
// reach API clients, so they never change once shipped.
type FaultCode string

const (
	FaultModelTimeout          FaultCode = "model_timeout"
	FaultModelAuthError        FaultCode = "model_auth_error"
	FaultModelLowConfidence    FaultCode = "model_low_confidence"
	FaultSQLSyntaxError        FaultCode = "sql_syntax_error"
	FaultSQLExecutionError     FaultCode = "sql_execution_error"
	FaultAmbiguousIntent       FaultCode = "ambiguous_intent"
	FaultSanitizationAmbiguous FaultCode = "sanitization_ambiguous"
	FaultSessionNotFound       FaultCode = "session_not_found"
)

// Fault is a classified turn failure. Message is safe to show the user;
// the wrapped error keeps the raw detail for local logs and audit records.
type Fault struct {
	Code    FaultCode
	Stage   Stage
	Message string
	Err     error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at %s: %s", f.Code, f.Stage, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault builds a classified failure for the given stage.
func NewFault(code FaultCode, stage Stage, message string, err error) *Fault {
	return &Fault{Code: code, Stage: stage, Message: message, Err: err}
}

// modelFault maps a model call failure onto the turn taxonomy. Credential
// and billing problems are permanent; everything else a model call can
// throw at us is reported as a timeout since the caller already exhausted
// the retry budget.
func modelFault(err error, stage Stage) *Fault {
	switch llm.Classify(err) {
	case llm.ErrorTypeAuth, llm.ErrorTypeBilling:
		return NewFault(FaultModelAuthError, stage, "the model service rejected our credentials", err)
	default:
		return NewFault(FaultModelTimeout, stage, "the model service did not answer in time", err)
	}
}

// classifySQLFault decides whether a database rejection was the statement's
// fault or the engine's. Anything pointing at the statement text counts as
// a syntax error.
func classifySQLFault(err error) FaultCode {
	if err == nil {
		return FaultSQLExecutionError
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"syntax error",
		"no such column",
		"no such table",
		"unknown column",
		"unknown table",
		"ambiguous column",
		"near \"",
	} {
		if strings.Contains(msg, pattern) {
			return FaultSQLSyntaxError
		}
	}
	return FaultSQLExecutionError
}
