package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tablesage/tablesage/internal/sanitize"
)

type fakeSummarizer struct {
	text  string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func newCompressManager(t *testing.T, cfg ManagerConfig, sum Summarizer) *Manager {
	t.Helper()
	cfg.StorePath = MemoryPath
	san, err := sanitize.New(sanitize.DefaultRules())
	if err != nil {
		t.Fatalf("failed to create sanitizer: %v", err)
	}
	m, err := NewManager(cfg, san, sum)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func seedTurns(t *testing.T, m *Manager, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := m.GetOrCreate(ctx, sessionID); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	for i := 0; i < n; i++ {
		turnID := fmt.Sprintf("turn-%d", i)
		if _, err := m.AddUserMessage(ctx, sessionID, turnID, fmt.Sprintf("show orders batch %d please", i)); err != nil {
			t.Fatalf("AddUserMessage failed: %v", err)
		}
		if err := m.AddSQLResponse(ctx, sessionID, turnID, "SELECT * FROM orders LIMIT 10"); err != nil {
			t.Fatalf("AddSQLResponse failed: %v", err)
		}
	}
}

func TestMaybeCompressUnderBudget(t *testing.T) {
	fake := &fakeSummarizer{text: "unused"}
	m := newCompressManager(t, ManagerConfig{CloudTokenBudget: 100000}, fake)
	defer m.Close()

	seedTurns(t, m, "sess-1", 3)

	compressed, err := m.MaybeCompress(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("MaybeCompress failed: %v", err)
	}
	if compressed {
		t.Error("expected no compression under budget")
	}
	if fake.calls != 0 {
		t.Errorf("summarizer should not run, got %d calls", fake.calls)
	}
}

func TestMaybeCompressSummarizes(t *testing.T) {
	fake := &fakeSummarizer{text: "User browsed recent order batches."}
	m := newCompressManager(t, ManagerConfig{CloudTokenBudget: 100, KeepPercent: 50, MinMessages: 2}, fake)
	defer m.Close()
	ctx := context.Background()

	seedTurns(t, m, "sess-1", 10)

	s, err := m.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	before := s.CloudSnapshot()
	if len(before) != 20 {
		t.Fatalf("expected 20 cloud messages seeded, got %d", len(before))
	}

	compressed, err := m.MaybeCompress(ctx, "sess-1")
	if err != nil {
		t.Fatalf("MaybeCompress failed: %v", err)
	}
	if !compressed {
		t.Fatal("expected compression over budget")
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 summarizer call, got %d", fake.calls)
	}

	after := s.CloudSnapshot()
	if len(after) >= len(before) {
		t.Fatalf("expected shorter cloud history, got %d -> %d", len(before), len(after))
	}
	if after[0].Role != RoleSystem {
		t.Errorf("expected summary message first, got role %s", after[0].Role)
	}
	if !strings.Contains(after[0].Content, "order batches") {
		t.Errorf("expected summarizer text, got %q", after[0].Content)
	}
	if after[len(after)-1].ID != before[len(before)-1].ID {
		t.Error("most recent message must survive compression verbatim")
	}
	if s.CompressionCount != 1 {
		t.Errorf("expected compression count 1, got %d", s.CompressionCount)
	}
}

func TestMaybeCompressFallbackSummary(t *testing.T) {
	fake := &fakeSummarizer{err: errors.New("model offline")}
	m := newCompressManager(t, ManagerConfig{CloudTokenBudget: 100, KeepPercent: 50, MinMessages: 2}, fake)
	defer m.Close()
	ctx := context.Background()

	seedTurns(t, m, "sess-1", 10)

	compressed, err := m.MaybeCompress(ctx, "sess-1")
	if err != nil {
		t.Fatalf("MaybeCompress failed: %v", err)
	}
	if !compressed {
		t.Fatal("expected compression despite summarizer failure")
	}

	s, _ := m.Get(ctx, "sess-1")
	cloud := s.CloudSnapshot()
	if !strings.Contains(cloud[0].Content, "Earlier conversation") {
		t.Errorf("expected rule-based summary, got %q", cloud[0].Content)
	}

	comps, err := m.Store().GetCompressions(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetCompressions failed: %v", err)
	}
	if len(comps) != 1 {
		t.Fatalf("expected 1 compression record, got %d", len(comps))
	}
	if comps[0].MessagesRemoved == 0 || comps[0].TokensBefore <= comps[0].TokensAfter {
		t.Errorf("compression record looks wrong: %+v", comps[0])
	}
}

func TestCompressNeverTouchesLocal(t *testing.T) {
	fake := &fakeSummarizer{text: "summary"}
	m := newCompressManager(t, ManagerConfig{CloudTokenBudget: 100, KeepPercent: 50, MinMessages: 2}, fake)
	defer m.Close()
	ctx := context.Background()

	seedTurns(t, m, "sess-1", 10)

	s, _ := m.Get(ctx, "sess-1")
	localBefore := s.LocalSnapshot()

	if _, err := m.MaybeCompress(ctx, "sess-1"); err != nil {
		t.Fatalf("MaybeCompress failed: %v", err)
	}

	localAfter := s.LocalSnapshot()
	if len(localAfter) != len(localBefore) {
		t.Fatalf("local history changed: %d -> %d", len(localBefore), len(localAfter))
	}
	for i := range localAfter {
		if localAfter[i].Content != localBefore[i].Content {
			t.Fatalf("local message %d changed", i)
		}
	}
}

func TestMaybeCompressRespectsMessageFloor(t *testing.T) {
	fake := &fakeSummarizer{text: "unused"}
	m := newCompressManager(t, ManagerConfig{CloudTokenBudget: 1, MinMessages: 50}, fake)
	defer m.Close()

	seedTurns(t, m, "sess-1", 5)

	compressed, err := m.MaybeCompress(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("MaybeCompress failed: %v", err)
	}
	if compressed {
		t.Error("histories at or under the message floor must not compress")
	}
	if fake.calls != 0 {
		t.Errorf("summarizer should not run, got %d calls", fake.calls)
	}
}
