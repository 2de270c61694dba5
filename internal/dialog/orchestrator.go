// Package dialog drives a user question through the query pipeline: intent
// classification, table selection, SQL generation, execution, and analysis.
// Each stage commits its history at the stage boundary and nowhere else, so
// a failed or cancelled turn never leaves half a stage behind. Prompts that
// can leave the host are assembled from the cloud history layer only.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tablesage/tablesage/internal/dbexec"
	"github.com/tablesage/tablesage/internal/llm"
	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
	"github.com/tablesage/tablesage/internal/sanitize"
	"github.com/tablesage/tablesage/internal/schema"
	"github.com/tablesage/tablesage/internal/security"
	"github.com/tablesage/tablesage/internal/session"
)

// maxPromptMessages caps how much cloud history rides along in one prompt.
const maxPromptMessages = 16

// OrchestratorConfig tunes the pipeline.
type OrchestratorConfig struct {
	// ConfidenceThreshold is the minimum intent confidence that proceeds
	// without a clarification round.
	ConfidenceThreshold float64
	// SelectionEpsilon is the relative score gap below which the top two
	// table candidates count as a tie.
	SelectionEpsilon float64
	// MaxClarifications bounds clarification rounds per unresolved query.
	MaxClarifications int
	// MaxSelfHeals bounds regeneration attempts after rejected statements.
	MaxSelfHeals int
	// MaxAttempts bounds retries of one model call or execution on
	// transient errors.
	MaxAttempts int
	// StageTimeout is the deadline for a single model call.
	StageTimeout time.Duration
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// AnalysisMaxRows caps the rows handed to the analysis prompt.
	AnalysisMaxRows int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.SelectionEpsilon == 0 {
		c.SelectionEpsilon = 0.1
	}
	if c.MaxClarifications == 0 {
		c.MaxClarifications = 2
	}
	if c.MaxSelfHeals == 0 {
		c.MaxSelfHeals = 2
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = 60 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.AnalysisMaxRows == 0 {
		c.AnalysisMaxRows = 50
	}
	return c
}

// Orchestrator owns the query pipeline.
type Orchestrator struct {
	cfg       OrchestratorConfig
	completer Completer
	catalog   schema.Catalog
	executor  dbexec.Executor
	sessions  *session.Manager
	sanitizer *sanitize.Sanitizer
}

// NewOrchestrator wires the pipeline. All collaborators are required.
func NewOrchestrator(cfg OrchestratorConfig, completer Completer, catalog schema.Catalog, executor dbexec.Executor, sessions *session.Manager, sanitizer *sanitize.Sanitizer) (*Orchestrator, error) {
	if completer == nil {
		return nil, errors.New("dialog: completer is required")
	}
	if catalog == nil {
		return nil, errors.New("dialog: schema catalog is required")
	}
	if executor == nil {
		return nil, errors.New("dialog: executor is required")
	}
	if sessions == nil {
		return nil, errors.New("dialog: session manager is required")
	}
	if sanitizer == nil {
		return nil, errors.New("dialog: sanitizer is required")
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		completer: completer,
		catalog:   catalog,
		executor:  executor,
		sessions:  sessions,
		sanitizer: sanitizer,
	}, nil
}

// turnState carries one query through the stages.
type turnState struct {
	sess     *session.Session
	turnID   string
	turn     *Turn
	userText string
	report   sanitize.Report
	answered *session.Clarification

	intent     string
	confidence float64
	selected   []schema.TableMeta
	clarRound  int
	outgoing   *session.Clarification

	feedback  []string
	healsUsed int
	execSQL   string
	result    *dbexec.Result
	summary   string
	analysis  string

	attempts int
}

// ProcessQuery runs one user query through the pipeline. Turns on the same
// session are serialized. A *Fault error means the turn failed for a
// classified reason and the failure is already recorded in both history
// layers; any other error is an infrastructure problem.
func (o *Orchestrator) ProcessQuery(ctx context.Context, sessionID, userText string) (*Reply, error) {
	defer MetricStartAuto("dialog")()

	if strings.TrimSpace(userText) == "" {
		return nil, errors.New("empty query text")
	}

	s, created, err := o.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.BeginTurn()
	defer s.EndTurn()

	st := &turnState{sess: s, turnID: uuid.New().String(), userText: userText}
	st.turn = &Turn{ID: st.turnID}

	// An open clarification is consumed by this turn: its round count
	// carries over so the loop stays bounded across turns.
	if pending := s.Clarification(); pending != nil {
		st.answered = pending
		st.clarRound = pending.Round
		if err := o.sessions.ClearClarification(ctx, s.ID); err != nil {
			return nil, err
		}
	}

	L_info("dialog: turn started", "session", s.ID, "turn", st.turnID, "new_session", created)

	report, err := o.sessions.AddUserMessage(ctx, s.ID, st.turnID, userText)
	if err != nil {
		return nil, err
	}
	st.report = report

	if err := o.runStages(ctx, st); err != nil {
		var fault *Fault
		if errors.As(err, &fault) {
			o.recordFailure(ctx, st, fault)
			MetricFailWithReason("dialog", "turn", string(fault.Code))
			L_warn("dialog: turn failed", "session", s.ID, "turn", st.turnID,
				"code", fault.Code, "stage", fault.Stage, "error", err)
			return nil, fault
		}
		MetricFail("dialog", "turn")
		return nil, err
	}

	reply := &Reply{
		SessionID:  s.ID,
		TurnID:     st.turnID,
		Intent:     st.intent,
		Confidence: st.confidence,
		Trace:      st.turn.Results,
	}
	if st.outgoing != nil {
		reply.NeedsClarification = true
		reply.Clarification = st.outgoing
		MetricOutcome("dialog", "turn", "clarification")
		L_info("dialog: turn paused for clarification", "session", s.ID, "turn", st.turnID, "round", st.outgoing.Round)
		return reply, nil
	}
	reply.SQL = st.execSQL
	reply.ResultSummary = st.summary
	reply.AnalysisText = st.analysis
	MetricSuccess("dialog", "turn")
	L_info("dialog: turn complete", "session", s.ID, "turn", st.turnID, "rows", len(st.result.Rows))
	return reply, nil
}

func (o *Orchestrator) runStages(ctx context.Context, st *turnState) error {
	stage := StageIntent
	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		st.attempts = 1
		next, err := o.dispatch(ctx, st, stage)
		res := StageResult{Stage: stage, Status: "ok", Attempts: st.attempts, Elapsed: time.Since(start)}
		if err != nil {
			res.Status = "failed"
			res.ErrorDetail = err.Error()
			st.turn.Results = append(st.turn.Results, res)
			return err
		}
		res.Output = stageOutput(st, stage)
		st.turn.Results = append(st.turn.Results, res)
		L_debug("dialog: stage complete", "turn", st.turnID, "stage", stage, "next", next, "elapsed", res.Elapsed)
		stage = next
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, st *turnState, stage Stage) (Stage, error) {
	switch stage {
	case StageIntent:
		return o.stageIntent(ctx, st)
	case StageTableSelect:
		return o.stageTableSelect(ctx, st)
	case StageClarification:
		return o.stageClarify(ctx, st)
	case StageSQLGen:
		return o.stageSQLGen(ctx, st)
	case StageSQLExec:
		return o.stageSQLExec(ctx, st)
	case StageAnalysis:
		return o.stageAnalysis(ctx, st)
	default:
		return StageFailed, fmt.Errorf("unknown stage %q", stage)
	}
}

func stageOutput(st *turnState, stage Stage) string {
	switch stage {
	case StageIntent:
		return fmt.Sprintf("%s (%.2f)", st.intent, st.confidence)
	case StageTableSelect:
		if st.outgoing != nil {
			return "ambiguous"
		}
		return strings.Join(tableNames(st.selected, 0), ", ")
	case StageClarification:
		return fmt.Sprintf("round %d", st.outgoing.Round)
	case StageSQLGen:
		return st.execSQL
	case StageSQLExec:
		return resultSummary(st.result)
	}
	return ""
}

func (o *Orchestrator) stageIntent(ctx context.Context, st *turnState) (Stage, error) {
	// Fail closed: text the sanitizer cannot account for never reaches a
	// cloud model, and the user gets asked to rephrase instead.
	if st.report.Ambiguous {
		MetricInc("dialog", "sanitize_ambiguous")
		return StageFailed, NewFault(FaultSanitizationAmbiguous, StageIntent,
			"the request could not be redacted safely, please rephrase it", nil)
	}

	msgs := promptMessages(st.sess.CloudSnapshot(), maxPromptMessages)
	text, err := o.completeWithRetry(ctx, st, llm.PurposeIntent, msgs, intentSystemPrompt)
	if err != nil {
		return StageFailed, modelFault(err, StageIntent)
	}

	intent, confidence, err := parseIntentResponse(text)
	if err != nil {
		return StageFailed, NewFault(FaultModelLowConfidence, StageIntent,
			"the classifier reply could not be interpreted", err)
	}
	st.intent, st.confidence = intent, confidence
	L_debug("dialog: intent classified", "turn", st.turnID, "intent", intent, "confidence", confidence)

	if confidence < o.cfg.ConfidenceThreshold {
		MetricInc("dialog", "low_confidence")
		if st.clarRound < o.cfg.MaxClarifications {
			st.outgoing = &session.Clarification{
				Question: "I am not sure what data you are asking for. Could you rephrase the question, naming the records you want to see?",
				Round:    st.clarRound + 1,
			}
			return StageClarification, nil
		}
		return StageFailed, NewFault(FaultModelLowConfidence, StageIntent,
			fmt.Sprintf("the request stayed unclear after %d clarifications", st.clarRound), nil)
	}

	if err := o.sessions.AddIntent(ctx, st.sess.ID, st.turnID, intent, confidence); err != nil {
		return StageFailed, err
	}
	return StageTableSelect, nil
}

func (o *Orchestrator) stageTableSelect(ctx context.Context, st *turnState) (Stage, error) {
	tables, err := o.catalog.ListTables(ctx)
	if err != nil {
		return StageFailed, NewFault(FaultSQLExecutionError, StageTableSelect,
			"the schema catalog is unavailable", err)
	}
	if len(tables) == 0 {
		return StageFailed, NewFault(FaultSQLExecutionError, StageTableSelect,
			"the schema catalog is empty", nil)
	}

	// An answer that names one of the offered tables settles the choice.
	if st.answered != nil && len(st.answered.Options) > 0 {
		if name := matchOption(st.userText, st.answered.Options); name != "" {
			if t, ok := tableByName(tables, name); ok {
				st.selected = []schema.TableMeta{t}
				L_debug("dialog: table chosen from clarification answer", "turn", st.turnID, "table", t.Name)
				return StageSQLGen, nil
			}
		}
	}

	terms := recentUserText(st.sess.LocalSnapshot(), 3)
	picked, ambiguous := selectTables(rankTables(tables, terms), o.cfg.SelectionEpsilon)

	if len(ambiguous) > 0 {
		MetricInc("dialog", "table_ambiguity")
		if st.clarRound < o.cfg.MaxClarifications {
			st.outgoing = &session.Clarification{
				Question: "Which table should I query?",
				Options:  ambiguous,
				Round:    st.clarRound + 1,
			}
			return StageClarification, nil
		}
		return StageFailed, NewFault(FaultAmbiguousIntent, StageTableSelect,
			fmt.Sprintf("could not decide between tables %s", strings.Join(ambiguous, ", ")), nil)
	}
	if len(picked) == 0 {
		MetricInc("dialog", "table_no_match")
		if st.clarRound < o.cfg.MaxClarifications {
			st.outgoing = &session.Clarification{
				Question: "I could not match the question to any table. Which one holds the data you need?",
				Options:  tableNames(tables, 5),
				Round:    st.clarRound + 1,
			}
			return StageClarification, nil
		}
		return StageFailed, NewFault(FaultAmbiguousIntent, StageTableSelect,
			"the question does not match any table in the catalog", nil)
	}

	st.selected = picked
	L_debug("dialog: tables selected", "turn", st.turnID, "tables", strings.Join(tableNames(picked, 0), ","))
	return StageSQLGen, nil
}

func (o *Orchestrator) stageClarify(ctx context.Context, st *turnState) (Stage, error) {
	if st.outgoing == nil {
		return StageFailed, errors.New("clarification stage reached without a question")
	}
	if err := o.sessions.AddClarification(ctx, st.sess.ID, st.turnID, st.outgoing); err != nil {
		return StageFailed, err
	}
	MetricInc("dialog", "clarifications")
	return StageDone, nil
}

func (o *Orchestrator) stageSQLGen(ctx context.Context, st *turnState) (Stage, error) {
	schemaBlock, err := o.renderSchemas(ctx, st.selected)
	if err != nil {
		return StageFailed, NewFault(FaultSQLExecutionError, StageSQLGen,
			"the schema catalog is unavailable", err)
	}

	msgs := promptMessages(st.sess.CloudSnapshot(), maxPromptMessages)
	for _, fb := range st.feedback {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser,
			Content: "The previous statement was rejected: " + fb + ". Produce a corrected statement."})
	}
	system := sqlGenSystemPrompt + "\n\nSchema:\n" + schemaBlock

	text, err := o.completeWithRetry(ctx, st, llm.PurposeSQLGen, msgs, system)
	if err != nil {
		return StageFailed, modelFault(err, StageSQLGen)
	}

	stmt := extractSQL(text)
	if err := validateStatement(stmt, tableNames(st.selected, 0)); err != nil {
		return o.selfHeal(st, StageSQLGen, FaultSQLSyntaxError, err)
	}

	// The statement may carry placeholder tokens copied from the redacted
	// conversation; real values return only here, after validation, on the
	// way to the local database.
	st.execSQL = sanitize.RehydrateSQL(stmt, st.report.Values)
	return StageSQLExec, nil
}

func (o *Orchestrator) stageSQLExec(ctx context.Context, st *turnState) (Stage, error) {
	res, err := o.executeWithRetry(ctx, st)
	if err != nil {
		if ctx.Err() != nil {
			return StageFailed, ctx.Err()
		}
		if dbexec.IsTransient(err) {
			return StageFailed, NewFault(FaultSQLExecutionError, StageSQLExec,
				"the database did not answer in time", err)
		}
		return o.selfHeal(st, StageSQLExec, classifySQLFault(err), err)
	}
	st.result = res

	if err := o.sessions.AddSQLResponse(ctx, st.sess.ID, st.turnID, st.execSQL); err != nil {
		return StageFailed, err
	}
	return StageAnalysis, nil
}

func (o *Orchestrator) stageAnalysis(ctx context.Context, st *turnState) (Stage, error) {
	st.summary = resultSummary(st.result)

	analysis, err := o.analyzeLocally(ctx, st)
	if err != nil {
		MetricFailWithReason("dialog", "analysis", "local_model")
		L_warn("dialog: local analysis unavailable, falling back to summary", "turn", st.turnID, "error", err)
		analysis = ruleBasedAnalysis(st.result)
	}
	st.analysis = analysis

	if err := o.sessions.AddAnalysisResponse(ctx, st.sess.ID, st.turnID, analysis, st.result.Rows); err != nil {
		return StageFailed, err
	}
	if _, err := o.sessions.MaybeCompress(ctx, st.sess.ID); err != nil {
		L_warn("dialog: history compression failed", "session", st.sess.ID, "error", err)
	}
	return StageDone, nil
}

// analyzeLocally summarizes the full result rows. The analysis purpose is
// fenced to local providers by the registry, so the raw question and rows
// in this prompt never leave the host.
func (o *Orchestrator) analyzeLocally(ctx context.Context, st *turnState) (string, error) {
	// Stored values are untrusted text. They ride into the prompt fenced
	// behind boundary markers; a marker collision drops the model call
	// and the caller answers from the mechanical summary instead.
	fenced, blocked := security.WrapResultRows(renderRowsForPrompt(st.result, o.cfg.AnalysisMaxRows))
	if blocked {
		MetricInc("dialog", "rows_blocked")
		return "", errors.New("result rows collided with the prompt boundary marker")
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(st.userText)
	b.WriteString("\nSQL: ")
	b.WriteString(st.execSQL)
	b.WriteString("\nRows:\n")
	b.WriteString(fenced)

	msgs := []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
	text, err := o.completeWithRetry(ctx, st, llm.PurposeAnalysis, msgs, analysisSystemPrompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty analysis reply")
	}
	return text, nil
}

// selfHeal routes a rejected statement back to generation with sanitized
// feedback, until the heal budget runs out.
func (o *Orchestrator) selfHeal(st *turnState, stage Stage, exhaustedCode FaultCode, cause error) (Stage, error) {
	st.healsUsed++
	if st.healsUsed > o.cfg.MaxSelfHeals {
		msg := "the generated statement could not be fixed"
		if exhaustedCode == FaultSQLExecutionError {
			msg = "the query kept failing against the database"
		}
		return StageFailed, NewFault(exhaustedCode, stage, msg, cause)
	}
	// Database errors quote fragments of the statement, including values
	// that came from the user. The feedback re-enters the cloud prompt, so
	// it passes the same redaction as everything else headed there.
	safe := o.sanitizer.SanitizeError(cause.Error()).SafeText
	st.feedback = append(st.feedback, safe)
	MetricInc("dialog", "self_heals")
	L_info("dialog: statement rejected, regenerating", "turn", st.turnID, "attempt", st.healsUsed, "feedback", safe)
	return StageSQLGen, nil
}

// recordFailure writes the turn's failure to both history layers: full
// detail locally for audit, a generic status on the cloud side.
func (o *Orchestrator) recordFailure(ctx context.Context, st *turnState, f *Fault) {
	detail := fmt.Sprintf("turn failed at %s: %s: %s", f.Stage, f.Code, f.Message)
	if f.Err != nil {
		detail += " (" + f.Err.Error() + ")"
	}
	if err := o.sessions.AddFailure(ctx, st.sess.ID, st.turnID, detail); err != nil {
		L_warn("dialog: could not record turn failure", "session", st.sess.ID, "error", err)
	}
}

func (o *Orchestrator) completeWithRetry(ctx context.Context, st *turnState, purpose string, msgs []llm.Message, system string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		st.attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		text, err := o.completer.Complete(callCtx, purpose, msgs, system)
		cancel()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !llm.IsTransient(llm.Classify(err)) || attempt == o.cfg.MaxAttempts {
			break
		}
		delay := backoffDelay(o.cfg.BackoffBase, attempt)
		MetricInc("dialog", "retries")
		L_warn("dialog: transient model error, retrying", "turn", st.turnID,
			"purpose", purpose, "attempt", attempt, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (o *Orchestrator) executeWithRetry(ctx context.Context, st *turnState) (*dbexec.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		st.attempts = attempt
		res, err := o.executor.Execute(ctx, st.execSQL)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !dbexec.IsTransient(err) || attempt == o.cfg.MaxAttempts {
			break
		}
		delay := backoffDelay(o.cfg.BackoffBase, attempt)
		MetricInc("dialog", "retries")
		L_warn("dialog: transient execution error, retrying", "turn", st.turnID,
			"attempt", attempt, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// renderSchemas formats the selected tables for the generation prompt,
// fetching columns for any table the ranking pass saw without them.
func (o *Orchestrator) renderSchemas(ctx context.Context, tables []schema.TableMeta) (string, error) {
	var b strings.Builder
	for _, t := range tables {
		if len(t.Columns) == 0 {
			cols, err := o.catalog.DescribeTable(ctx, t.Name)
			if err != nil {
				return "", fmt.Errorf("failed to describe table %s: %w", t.Name, err)
			}
			t.Columns = cols
		}
		b.WriteString(schema.FormatTable(t))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// promptMessages converts the tail of the cloud history into model
// messages. Only this layer feeds prompts that can leave the host.
func promptMessages(cloud []session.Message, max int) []llm.Message {
	if max > 0 && len(cloud) > max {
		cloud = cloud[len(cloud)-max:]
	}
	msgs := make([]llm.Message, 0, len(cloud))
	for _, m := range cloud {
		role := llm.RoleUser
		switch m.Role {
		case session.RoleAssistant:
			role = llm.RoleAssistant
		case session.RoleSystem:
			role = llm.RoleSystem
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return msgs
}

// recentUserText joins the last few user messages from the local layer.
// Table ranking is a local computation, so the raw text is usable here.
func recentUserText(local []session.Message, max int) string {
	var texts []string
	for i := len(local) - 1; i >= 0 && len(texts) < max; i-- {
		if local[i].Role == session.RoleUser && local[i].Kind == session.KindText {
			texts = append(texts, local[i].Content)
		}
	}
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	return strings.Join(texts, " ")
}

func tableNames(tables []schema.TableMeta, limit int) []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		if limit > 0 && len(names) >= limit {
			break
		}
		names = append(names, t.Name)
	}
	return names
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
