package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tablesage/tablesage/internal/dialog"
	"github.com/tablesage/tablesage/internal/sanitize"
	"github.com/tablesage/tablesage/internal/session"
)

// stubProcessor records calls and plays back a fixed reply or error.
type stubProcessor struct {
	reply    *dialog.Reply
	err      error
	sessions []string
	texts    []string
}

func (p *stubProcessor) ProcessQuery(ctx context.Context, sessionID, userText string) (*dialog.Reply, error) {
	p.sessions = append(p.sessions, sessionID)
	p.texts = append(p.texts, userText)
	if p.err != nil {
		return nil, p.err
	}
	if p.reply != nil {
		r := *p.reply
		if r.SessionID == "" {
			r.SessionID = sessionID
		}
		return &r, nil
	}
	return &dialog.Reply{
		SessionID:     sessionID,
		TurnID:        "turn-test",
		Intent:        "smart_query",
		Confidence:    0.95,
		SQL:           "SELECT 1",
		ResultSummary: "1 row returned",
		AnalysisText:  "done",
	}, nil
}

func newTestGateway(t *testing.T, cfg ServerConfig, proc QueryProcessor) (*Server, *session.Manager) {
	t.Helper()
	san, err := sanitize.New(sanitize.DefaultRules())
	if err != nil {
		t.Fatalf("failed to build sanitizer: %v", err)
	}
	mgr, err := session.NewManager(session.ManagerConfig{StorePath: session.MemoryPath}, san, nil)
	if err != nil {
		t.Fatalf("failed to build session manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	if proc == nil {
		proc = &stubProcessor{}
	}
	srv, err := NewServer(cfg, proc, mgr)
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	return srv, mgr
}

func doRequest(t *testing.T, srv *Server, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

// seedSession puts one user message and one SQL response into a session.
// The user message carries an email address so the two layers diverge.
func seedSession(t *testing.T, mgr *session.Manager, id string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := mgr.GetOrCreate(ctx, id); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := mgr.AddUserMessage(ctx, id, "turn-1", "show orders placed by bob@example.com"); err != nil {
		t.Fatalf("failed to add user message: %v", err)
	}
	if err := mgr.AddSQLResponse(ctx, id, "turn-1", "SELECT * FROM orders LIMIT 10"); err != nil {
		t.Fatalf("failed to add sql response: %v", err)
	}
}

func TestHandleQuery(t *testing.T) {
	proc := &stubProcessor{}
	srv, _ := newTestGateway(t, ServerConfig{}, proc)

	body := strings.NewReader(`{"sessionId": "s1", "text": "查询订单表的前10条数据"}`)
	rec := doRequest(t, srv, http.MethodPost, "/api/query", body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var reply dialog.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if reply.Intent != "smart_query" || reply.SQL != "SELECT 1" {
		t.Errorf("reply = %+v, want smart_query / SELECT 1", reply)
	}
	if len(proc.sessions) != 1 || proc.sessions[0] != "s1" {
		t.Errorf("processor sessions = %v, want [s1]", proc.sessions)
	}
	if proc.texts[0] != "查询订单表的前10条数据" {
		t.Errorf("processor text = %q", proc.texts[0])
	}
}

func TestHandleQueryMintsSessionID(t *testing.T) {
	proc := &stubProcessor{}
	srv, _ := newTestGateway(t, ServerConfig{}, proc)

	rec := doRequest(t, srv, http.MethodPost, "/api/query", strings.NewReader(`{"text": "hello"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var reply dialog.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if reply.SessionID == "" {
		t.Error("reply should carry the minted session ID")
	}
	if len(proc.sessions) != 1 || proc.sessions[0] != reply.SessionID {
		t.Errorf("processor saw session %v, reply says %s", proc.sessions, reply.SessionID)
	}
}

func TestHandleQueryValidation(t *testing.T) {
	srv, _ := newTestGateway(t, ServerConfig{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/query", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/query", strings.NewReader("{not json"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/query", strings.NewReader(`{"sessionId": "s1"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty text status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "invalid_request" {
		t.Errorf("error code = %q, want invalid_request", e.Code)
	}
}

func TestHandleQueryFaultMapping(t *testing.T) {
	cases := []struct {
		code   dialog.FaultCode
		status int
	}{
		{dialog.FaultModelTimeout, http.StatusGatewayTimeout},
		{dialog.FaultModelAuthError, http.StatusBadGateway},
		{dialog.FaultModelLowConfidence, http.StatusUnprocessableEntity},
		{dialog.FaultSQLSyntaxError, http.StatusUnprocessableEntity},
		{dialog.FaultAmbiguousIntent, http.StatusUnprocessableEntity},
		{dialog.FaultSanitizationAmbiguous, http.StatusUnprocessableEntity},
		{dialog.FaultSQLExecutionError, http.StatusInternalServerError},
		{dialog.FaultSessionNotFound, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			proc := &stubProcessor{err: dialog.NewFault(tc.code, dialog.StageSQLGen, "boom", nil)}
			srv, _ := newTestGateway(t, ServerConfig{}, proc)

			rec := doRequest(t, srv, http.MethodPost, "/api/query", strings.NewReader(`{"text": "q"}`), nil)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			e := decodeError(t, rec)
			if e.Code != string(tc.code) {
				t.Errorf("error code = %q, want %q", e.Code, tc.code)
			}
			if e.Stage != string(dialog.StageSQLGen) {
				t.Errorf("error stage = %q, want %q", e.Stage, dialog.StageSQLGen)
			}
		})
	}
}

func TestHandleHistoryCloudRedacted(t *testing.T) {
	srv, mgr := newTestGateway(t, ServerConfig{}, nil)
	seedSession(t, mgr, "hist-1")

	rec := doRequest(t, srv, http.MethodGet, "/api/history?session=hist-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if strings.Contains(body, "bob@example.com") {
		t.Error("cloud history leaked the raw email address")
	}
	if !strings.Contains(body, "[EMAIL_") {
		t.Error("cloud history should contain the email placeholder")
	}
	if !strings.Contains(body, "SELECT * FROM orders") {
		t.Error("cloud history should contain the executed SQL")
	}
}

func TestHandleHistoryLocalWithToken(t *testing.T) {
	hash, err := HashAuditToken("opensesame")
	if err != nil {
		t.Fatalf("failed to hash token: %v", err)
	}
	srv, mgr := newTestGateway(t, ServerConfig{AuditTokenHash: hash}, nil)
	seedSession(t, mgr, "hist-2")

	rec := doRequest(t, srv, http.MethodGet, "/api/history?session=hist-2&layer=local", nil,
		map[string]string{"Authorization": "Bearer opensesame"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "bob@example.com") {
		t.Error("local history should contain the raw email address")
	}
}

func TestHandleHistoryLocalRejectsBadToken(t *testing.T) {
	hash, err := HashAuditToken("opensesame")
	if err != nil {
		t.Fatalf("failed to hash token: %v", err)
	}
	srv, mgr := newTestGateway(t, ServerConfig{AuditTokenHash: hash}, nil)
	seedSession(t, mgr, "hist-3")

	rec := doRequest(t, srv, http.MethodGet, "/api/history?session=hist-3&layer=local", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "invalid_audit_token" {
		t.Errorf("error code = %q, want invalid_audit_token", e.Code)
	}

	// The failure armed the rate limiter for this IP, so even the right
	// token is refused inside the window.
	rec = doRequest(t, srv, http.MethodGet, "/api/history?session=hist-3&layer=local", nil,
		map[string]string{"Authorization": "Bearer opensesame"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("post-failure status = %d, want 429", rec.Code)
	}
}

func TestHandleHistoryLocalDisabled(t *testing.T) {
	srv, mgr := newTestGateway(t, ServerConfig{}, nil)
	seedSession(t, mgr, "hist-4")

	rec := doRequest(t, srv, http.MethodGet, "/api/history?session=hist-4&layer=local", nil,
		map[string]string{"Authorization": "Bearer anything"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "local_access_disabled" {
		t.Errorf("error code = %q, want local_access_disabled", e.Code)
	}
}

func TestHandleHistoryUnknownSession(t *testing.T) {
	srv, _ := newTestGateway(t, ServerConfig{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/history?session=nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "session_not_found" {
		t.Errorf("error code = %q, want session_not_found", e.Code)
	}
}

func TestHandleHistoryBadLayer(t *testing.T) {
	srv, mgr := newTestGateway(t, ServerConfig{}, nil)
	seedSession(t, mgr, "hist-5")

	rec := doRequest(t, srv, http.MethodGet, "/api/history?session=hist-5&layer=secret", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleHistoryHTML(t *testing.T) {
	srv, mgr := newTestGateway(t, ServerConfig{}, nil)
	seedSession(t, mgr, "hist-6")

	rec := doRequest(t, srv, http.MethodGet, "/api/history?session=hist-6&format=html", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<html>") {
		t.Error("response should be an HTML page")
	}
	if !strings.Contains(body, "hist-6") {
		t.Error("page should name the session")
	}
	if !strings.Contains(body, "SELECT * FROM orders") {
		t.Error("page should render the SQL statement")
	}
}

func TestHandleSessions(t *testing.T) {
	srv, mgr := newTestGateway(t, ServerConfig{}, nil)
	seedSession(t, mgr, "list-1")
	seedSession(t, mgr, "list-2")

	rec := doRequest(t, srv, http.MethodGet, "/api/sessions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Sessions []session.SessionInfo `json:"sessions"`
		Count    int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestGateway(t, ServerConfig{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _ := newTestGateway(t, ServerConfig{}, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("metrics snapshot is not valid JSON: %v", err)
	}
}
