package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tablesage/tablesage/internal/sanitize"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.StorePath == "" {
		cfg.StorePath = MemoryPath
	}
	san, err := sanitize.New(sanitize.DefaultRules())
	if err != nil {
		t.Fatalf("failed to create sanitizer: %v", err)
	}
	m, err := NewManager(cfg, san, nil)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func TestGetOrCreate(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	s, created, err := m.GetOrCreate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected created on first use")
	}
	if s.ID != "sess-1" {
		t.Errorf("expected sess-1, got %s", s.ID)
	}

	again, created, err := m.GetOrCreate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing session on second use")
	}
	if again != s {
		t.Error("expected the same session instance")
	}

	fresh, created, err := m.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !created || fresh.ID == "" {
		t.Errorf("expected fresh session with generated id, got %q created=%v", fresh.ID, created)
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()

	_, err := m.Get(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAddUserMessageDualLayer(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	text := "给我看 bob@mail.com 的前10条订单"
	report, err := m.AddUserMessage(ctx, "sess-1", "turn-1", text)
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	if report.Ambiguous {
		t.Fatal("expected unambiguous report")
	}

	local, err := m.History(ctx, "sess-1", LayerLocal)
	if err != nil {
		t.Fatalf("History local failed: %v", err)
	}
	if len(local) != 1 || local[0].Content != text {
		t.Errorf("local layer should carry the original text, got %+v", local)
	}

	cloud, err := m.History(ctx, "sess-1", LayerCloud)
	if err != nil {
		t.Fatalf("History cloud failed: %v", err)
	}
	if len(cloud) != 1 {
		t.Fatalf("expected 1 cloud message, got %d", len(cloud))
	}
	got := cloud[0].Content
	if strings.Contains(got, "bob@mail.com") || strings.Contains(got, "10") {
		t.Errorf("cloud layer leaked raw values: %q", got)
	}
	if !strings.Contains(got, "[EMAIL_1]") || !strings.Contains(got, "[NUM_1]") {
		t.Errorf("cloud layer missing placeholders: %q", got)
	}
	if report.Values["[EMAIL_1]"] != "bob@mail.com" || report.Values["[NUM_1]"] != "10" {
		t.Errorf("report values incomplete: %v", report.Values)
	}
}

func TestAddSQLResponseCloudPassThrough(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	sqlText := "SELECT * FROM orders LIMIT 10"
	if err := m.AddSQLResponse(ctx, "sess-1", "turn-1", sqlText); err != nil {
		t.Fatalf("AddSQLResponse failed: %v", err)
	}

	cloud, err := m.History(ctx, "sess-1", LayerCloud)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(cloud) != 1 {
		t.Fatalf("expected 1 cloud message, got %d", len(cloud))
	}
	if cloud[0].Content != sqlText {
		t.Errorf("well-formed SQL should pass through unchanged, got %q", cloud[0].Content)
	}
	if cloud[0].Kind != KindSQL {
		t.Errorf("expected kind sql, got %s", cloud[0].Kind)
	}
}

func TestAddAnalysisRowsStayLocal(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	rows := [][]string{{"1", "张三", "zhang@mail.com"}, {"2", "李四", "li@mail.com"}}
	if err := m.AddAnalysisResponse(ctx, "sess-1", "turn-1", "返回了两条订单记录", rows); err != nil {
		t.Fatalf("AddAnalysisResponse failed: %v", err)
	}

	local, err := m.History(ctx, "sess-1", LayerLocal)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(local) != 2 {
		t.Fatalf("expected analysis plus rows locally, got %d messages", len(local))
	}
	if local[0].Kind != KindAnalysis || local[0].Content != "返回了两条订单记录" {
		t.Errorf("analysis message wrong: %+v", local[0])
	}
	if !strings.Contains(local[1].Content, "张三") || !strings.Contains(local[1].Content, "zhang@mail.com") {
		t.Errorf("local rows should carry full content, got %q", local[1].Content)
	}

	cloud, err := m.History(ctx, "sess-1", LayerCloud)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(cloud) != 1 {
		t.Fatalf("expected a single status message, got %d", len(cloud))
	}
	if cloud[0].Kind != KindStatus {
		t.Errorf("expected kind status, got %s", cloud[0].Kind)
	}
	got := cloud[0].Content
	if !strings.HasPrefix(got, "query executed,") {
		t.Errorf("expected execution status, got %q", got)
	}
	for _, leaked := range []string{"张三", "李四", "zhang@mail.com", "li@mail.com"} {
		if strings.Contains(got, leaked) {
			t.Errorf("cloud status leaked row data %q: %q", leaked, got)
		}
	}
}

func TestAddIntentLocalOnly(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := m.AddIntent(ctx, "sess-1", "turn-1", "smart_query", 0.95); err != nil {
		t.Fatalf("AddIntent failed: %v", err)
	}

	local, _ := m.History(ctx, "sess-1", LayerLocal)
	if len(local) != 1 || local[0].Kind != KindIntent {
		t.Fatalf("expected one local intent message, got %+v", local)
	}
	cloud, _ := m.History(ctx, "sess-1", LayerCloud)
	if len(cloud) != 0 {
		t.Errorf("intent must not reach the cloud layer, got %d messages", len(cloud))
	}
}

func TestSessionIsolation(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	for _, id := range []string{"sess-a", "sess-b"} {
		if _, _, err := m.GetOrCreate(ctx, id); err != nil {
			t.Fatalf("GetOrCreate %s failed: %v", id, err)
		}
	}
	if _, err := m.AddUserMessage(ctx, "sess-a", "turn-a", "orders for alice"); err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	if _, err := m.AddUserMessage(ctx, "sess-b", "turn-b", "revenue by month"); err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	if err := m.AddSQLResponse(ctx, "sess-a", "turn-a", "SELECT * FROM orders"); err != nil {
		t.Fatalf("AddSQLResponse failed: %v", err)
	}

	for _, layer := range []string{LayerLocal, LayerCloud} {
		b, err := m.History(ctx, "sess-b", layer)
		if err != nil {
			t.Fatalf("History %s failed: %v", layer, err)
		}
		if len(b) != 1 {
			t.Fatalf("sess-b %s layer has %d messages, want 1", layer, len(b))
		}
		for _, msg := range b {
			if strings.Contains(msg.Content, "alice") || strings.Contains(msg.Content, "orders") {
				t.Errorf("sess-b %s layer carries sess-a content: %q", layer, msg.Content)
			}
		}
	}
}

func TestHistoryUnknownLayer(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	if _, _, err := m.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := m.History(ctx, "sess-1", "hybrid"); err == nil {
		t.Error("expected error for unknown layer")
	}
}

func TestClarificationLifecycle(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	defer m.Close()
	ctx := context.Background()

	s, _, err := m.GetOrCreate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	c := &Clarification{Question: "您指的是哪个表?", Options: []string{"orders", "order_items"}, Round: 1}
	if err := m.AddClarification(ctx, "sess-1", "turn-1", c); err != nil {
		t.Fatalf("AddClarification failed: %v", err)
	}
	if s.Clarification() == nil {
		t.Fatal("expected pending clarification")
	}

	local, _ := m.History(ctx, "sess-1", LayerLocal)
	if len(local) != 1 || local[0].Kind != KindClarification {
		t.Fatalf("expected clarification message, got %+v", local)
	}
	if !strings.Contains(local[0].Content, "orders, order_items") {
		t.Errorf("expected options in message, got %q", local[0].Content)
	}

	if err := m.ClearClarification(ctx, "sess-1"); err != nil {
		t.Fatalf("ClearClarification failed: %v", err)
	}
	if s.Clarification() != nil {
		t.Error("expected clarification cleared")
	}
}

func TestSessionSurvivesReload(t *testing.T) {
	f, err := os.CreateTemp("", "manager_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)
	ctx := context.Background()

	m1 := newTestManager(t, ManagerConfig{StorePath: path})
	if _, _, err := m1.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := m1.AddUserMessage(ctx, "sess-1", "turn-1", "查询订单"); err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	c := &Clarification{Question: "哪个表?", Round: 2}
	if err := m1.AddClarification(ctx, "sess-1", "turn-1", c); err != nil {
		t.Fatalf("AddClarification failed: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	m2 := newTestManager(t, ManagerConfig{StorePath: path})
	defer m2.Close()

	s, err := m2.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got := s.Clarification(); got == nil || got.Question != "哪个表?" || got.Round != 2 {
		t.Errorf("clarification lost across reload: %+v", got)
	}
	local := s.LocalSnapshot()
	if len(local) != 2 {
		t.Fatalf("expected 2 local messages after reload, got %d", len(local))
	}
	if local[0].Content != "查询订单" {
		t.Errorf("local history lost: %+v", local[0])
	}
}

func TestSweepSkipsActiveTurn(t *testing.T) {
	m := newTestManager(t, ManagerConfig{TTL: time.Minute})
	defer m.Close()
	ctx := context.Background()

	s, _, err := m.GetOrCreate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	s.LastActiveAt = time.Now().Add(-time.Hour)

	s.BeginTurn()
	m.sweepExpired()
	if m.Count() != 1 {
		t.Fatal("session with a turn in flight must not be evicted")
	}
	s.EndTurn()

	m.sweepExpired()
	if m.Count() != 0 {
		t.Errorf("expected idle session evicted, resident count %d", m.Count())
	}
}
