package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
	"github.com/tablesage/tablesage/internal/tokens"
)

// Summarizer condenses a transcript of already-sanitized cloud messages.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Rough per-message wrapping cost added on top of the content estimate.
const messageOverheadTokens = 4

// MaybeCompress compresses the cloud history when its token estimate
// exceeds the budget. The oldest messages collapse into one summarizing
// system message; recent messages survive verbatim. The local history is
// never touched. Returns true when a compression ran.
func (m *Manager) MaybeCompress(ctx context.Context, sessionID string) (bool, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}

	cloud := s.CloudSnapshot()
	total := historyTokens(cloud)
	if total <= m.cfg.CloudTokenBudget || len(cloud) <= m.cfg.MinMessages {
		return false, nil
	}

	defer MetricStartAuto("session")()

	keep := m.splitKeepIndex(cloud)
	if keep <= 0 {
		return false, nil
	}
	dropped := cloud[:keep]
	kept := cloud[keep:]

	summary := m.summarize(ctx, dropped)
	// The summary joins the cloud layer, so it obeys the same boundary as
	// everything else that does.
	safe := m.sanitizer.Sanitize(summary).SafeText

	now := time.Now()
	summaryMsg := Message{
		ID:        uuid.New().String(),
		Role:      RoleSystem,
		Kind:      KindText,
		Content:   safe,
		Timestamp: now,
	}
	newCloud := append([]Message{summaryMsg}, kept...)

	rec := Compression{
		ID:              uuid.New().String(),
		Timestamp:       now,
		Summary:         safe,
		TokensBefore:    total,
		TokensAfter:     historyTokens(newCloud),
		MessagesRemoved: len(dropped),
	}

	if err := m.store.CommitCompression(ctx, s.ID, newCloud, rec); err != nil {
		return false, fmt.Errorf("failed to commit compression: %w", err)
	}

	s.mu.Lock()
	s.CloudHistory = newCloud
	s.CompressionCount++
	s.mu.Unlock()

	MetricInc("session", "compressions")
	L_info("session: cloud history compressed",
		"session", s.ID,
		"removed", len(dropped),
		"tokensBefore", total,
		"tokensAfter", rec.TokensAfter)
	return true, nil
}

// splitKeepIndex finds the first kept message: walk back from the newest
// accumulating tokens until the keep share of the budget is spent, keep at
// least MinMessages, and never split a turn across the boundary.
func (m *Manager) splitKeepIndex(cloud []Message) int {
	keepBudget := m.cfg.CloudTokenBudget * m.cfg.KeepPercent / 100

	keep := len(cloud)
	spent := 0
	for keep > 0 {
		cost := tokens.Estimate(cloud[keep-1].Content) + messageOverheadTokens
		if spent+cost > keepBudget && len(cloud)-keep+1 > m.cfg.MinMessages {
			break
		}
		spent += cost
		keep--
	}

	for keep > 0 && cloud[keep-1].TurnID != "" && cloud[keep-1].TurnID == cloud[keep].TurnID {
		keep--
	}
	return keep
}

func (m *Manager) summarize(ctx context.Context, dropped []Message) string {
	if m.summarizer != nil {
		summary, err := m.summarizer.Summarize(ctx, renderTranscript(dropped))
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		if err != nil {
			MetricFailWithReason("session", "summarize", "model_error")
			L_warn("session: summarizer failed, using rule-based summary", "error", err)
		}
	}
	return ruleBasedSummary(dropped)
}

func renderTranscript(msgs []Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// ruleBasedSummary builds a summary without a model: the questions asked
// and the last SQL, assembled from messages that are already sanitized.
func ruleBasedSummary(dropped []Message) string {
	var questions []string
	var lastSQL string
	for _, msg := range dropped {
		switch {
		case msg.Role == RoleUser && len(questions) < 3:
			questions = append(questions, truncateText(msg.Content, 80))
		case msg.Kind == KindSQL:
			lastSQL = msg.Content
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Earlier conversation, %d messages condensed.", len(dropped))
	if len(questions) > 0 {
		b.WriteString(" Questions asked: ")
		b.WriteString(strings.Join(questions, "; "))
		b.WriteByte('.')
	}
	if lastSQL != "" {
		b.WriteString(" Most recent SQL: ")
		b.WriteString(lastSQL)
	}
	return b.String()
}

func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func historyTokens(msgs []Message) int {
	total := 0
	for _, msg := range msgs {
		total += tokens.Estimate(msg.Content) + messageOverheadTokens
	}
	return total
}
