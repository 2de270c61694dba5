package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/tablesage/tablesage/internal/dialog"
)

func dialTestWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketQueryRoundTrip(t *testing.T) {
	proc := &stubProcessor{}
	srv, _ := newTestGateway(t, ServerConfig{}, proc)
	conn := dialTestWS(t, srv)

	if err := conn.WriteJSON(wsQuery{SessionID: "ws-1", Text: "查询订单表"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var reply wsReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if reply.Type != "reply" {
		t.Fatalf("frame type = %q, want reply", reply.Type)
	}
	if reply.SessionID != "ws-1" {
		t.Errorf("sessionId = %q, want ws-1", reply.SessionID)
	}
	if reply.Reply == nil || reply.Reply.SQL != "SELECT 1" {
		t.Errorf("reply = %+v, want SQL SELECT 1", reply.Reply)
	}
	if len(proc.texts) != 1 || proc.texts[0] != "查询订单表" {
		t.Errorf("processor texts = %v", proc.texts)
	}
}

func TestWebsocketEmptyTextKeepsConnection(t *testing.T) {
	srv, _ := newTestGateway(t, ServerConfig{}, nil)
	conn := dialTestWS(t, srv)

	if err := conn.WriteJSON(wsQuery{SessionID: "ws-2"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var errFrame wsReply
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if errFrame.Type != "error" || errFrame.Error == nil || errFrame.Error.Code != "invalid_request" {
		t.Fatalf("frame = %+v, want invalid_request error", errFrame)
	}

	// The channel survives a bad frame.
	if err := conn.WriteJSON(wsQuery{SessionID: "ws-2", Text: "ok now"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var reply wsReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if reply.Type != "reply" {
		t.Errorf("frame type = %q, want reply", reply.Type)
	}
}

func TestWebsocketFaultFrame(t *testing.T) {
	proc := &stubProcessor{err: dialog.NewFault(dialog.FaultSQLSyntaxError, dialog.StageSQLGen, "bad statement", nil)}
	srv, _ := newTestGateway(t, ServerConfig{}, proc)
	conn := dialTestWS(t, srv)

	if err := conn.WriteJSON(wsQuery{SessionID: "ws-3", Text: "query"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var frame wsReply
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if frame.Type != "error" || frame.Error == nil {
		t.Fatalf("frame = %+v, want error frame", frame)
	}
	if frame.Error.Code != string(dialog.FaultSQLSyntaxError) {
		t.Errorf("error code = %q, want %s", frame.Error.Code, dialog.FaultSQLSyntaxError)
	}
	if frame.Error.Stage != string(dialog.StageSQLGen) {
		t.Errorf("error stage = %q, want %s", frame.Error.Stage, dialog.StageSQLGen)
	}
}
