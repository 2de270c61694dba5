package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/tablesage/tablesage/internal/dialog"
	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
	"github.com/tablesage/tablesage/internal/session"
)

// errorBody is the wire form of a failed request.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// faultStatus maps a dialog fault code to an HTTP status.
func faultStatus(code dialog.FaultCode) int {
	switch code {
	case dialog.FaultModelTimeout:
		return http.StatusGatewayTimeout
	case dialog.FaultModelAuthError:
		return http.StatusBadGateway
	case dialog.FaultModelLowConfidence,
		dialog.FaultSQLSyntaxError,
		dialog.FaultAmbiguousIntent,
		dialog.FaultSanitizationAmbiguous:
		return http.StatusUnprocessableEntity
	case dialog.FaultSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_error("gateway: response encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeFault(w http.ResponseWriter, f *dialog.Fault) {
	writeJSON(w, faultStatus(f.Code), errorResponse{Error: errorBody{
		Code:    string(f.Code),
		Message: f.Message,
		Stage:   string(f.Stage),
	}})
}

// handleQuery handles POST /api/query - run one dialog turn
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		L_warn("gateway: query - wrong method", "method", r.Method)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		L_warn("gateway: query - invalid JSON", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if req.SessionID == "" {
		// A fresh session; the reply echoes the ID so the client can continue it.
		req.SessionID = uuid.New().String()
	}

	L_info("gateway: query received", "session", shortID(req.SessionID), "length", len(req.Text))
	MetricInc("gateway", "queries")

	reply, err := s.processor.ProcessQuery(r.Context(), req.SessionID, req.Text)
	if err != nil {
		var f *dialog.Fault
		if errors.As(err, &f) {
			L_warn("gateway: query fault", "session", shortID(req.SessionID), "code", f.Code, "stage", f.Stage)
			writeFault(w, f)
			return
		}
		L_error("gateway: query failed", "session", shortID(req.SessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "the query could not be processed")
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// handleHistory handles GET /api/history - read one history layer.
// The cloud layer is open; the local layer needs the audit token.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		L_warn("gateway: history - wrong method", "method", r.Method)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session parameter is required")
		return
	}

	layer := r.URL.Query().Get("layer")
	if layer == "" {
		layer = session.LayerCloud
	}
	if layer != session.LayerCloud && layer != session.LayerLocal {
		writeError(w, http.StatusBadRequest, "invalid_request", "layer must be cloud or local")
		return
	}

	if layer == session.LayerLocal {
		if !s.checkAuditToken(w, r) {
			MetricInc("gateway", "local_access_denied")
			return
		}
		L_info("gateway: local history access granted", "session", shortID(sessionID), "ip", getClientIP(r))
		MetricInc("gateway", "local_access_granted")
	}

	msgs, err := s.sessions.History(r.Context(), sessionID, layer)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, string(dialog.FaultSessionNotFound), "no such session")
			return
		}
		L_error("gateway: history read failed", "session", shortID(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "history could not be read")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		s.renderHistoryHTML(w, sessionID, layer, msgs)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		SessionID string            `json:"sessionId"`
		Layer     string            `json:"layer"`
		Messages  []session.Message `json:"messages"`
	}{SessionID: sessionID, Layer: layer, Messages: msgs})
}

// handleSessions handles GET /api/sessions - list known sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	infos, err := s.sessions.List(r.Context())
	if err != nil {
		L_error("gateway: session list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "sessions could not be listed")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Sessions []session.SessionInfo `json:"sessions"`
		Count    int                   `json:"count"`
	}{Sessions: infos, Count: len(infos)})
}

// handleMetrics handles GET /api/metrics - current metrics snapshot
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	writeJSON(w, http.StatusOK, GetInstance().GetSnapshot())
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}{Status: "ok", Sessions: s.sessions.Count()})
}

// shortID truncates a session ID for log lines
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
