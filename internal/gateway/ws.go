package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tablesage/tablesage/internal/dialog"
	. "github.com/tablesage/tablesage/internal/logging"
)

// wsQuery is one inbound query frame.
type wsQuery struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// wsReply carries one turn result or error frame back to the client.
type wsReply struct {
	Type      string        `json:"type"` // "reply" or "error"
	SessionID string        `json:"sessionId,omitempty"`
	Reply     *dialog.Reply `json:"reply,omitempty"`
	Error     *errorBody    `json:"error,omitempty"`
}

// Browsers are held to the same-origin default; clients that send no
// Origin header pass the check.
var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
}

// handleWS handles GET /api/ws - a persistent query channel. Frames are
// processed in arrival order, one turn at a time per connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		L_warn("gateway: websocket upgrade failed", "error", err, "ip", getClientIP(r))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	L_info("gateway: websocket connected", "remote", conn.RemoteAddr().String())
	defer L_info("gateway: websocket closed", "remote", conn.RemoteAddr().String())

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		var q wsQuery
		if err := conn.ReadJSON(&q); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !IsShuttingDown() {
				L_warn("gateway: websocket read error", "error", err)
			}
			return
		}

		if err := s.serveWSQuery(conn, r, q); err != nil {
			L_warn("gateway: websocket write error", "error", err)
			return
		}
	}
}

// serveWSQuery runs one frame through the pipeline and writes the response
// frame. The returned error is a write failure; turn failures go to the
// client as error frames.
func (s *Server) serveWSQuery(conn *websocket.Conn, r *http.Request, q wsQuery) error {
	if q.Text == "" {
		return conn.WriteJSON(wsReply{
			Type:      "error",
			SessionID: q.SessionID,
			Error:     &errorBody{Code: "invalid_request", Message: "text is required"},
		})
	}
	if q.SessionID == "" {
		q.SessionID = uuid.New().String()
	}

	reply, err := s.processor.ProcessQuery(r.Context(), q.SessionID, q.Text)
	if err != nil {
		var f *dialog.Fault
		if errors.As(err, &f) {
			return conn.WriteJSON(wsReply{
				Type:      "error",
				SessionID: q.SessionID,
				Error:     &errorBody{Code: string(f.Code), Message: f.Message, Stage: string(f.Stage)},
			})
		}
		L_error("gateway: websocket query failed", "session", shortID(q.SessionID), "error", err)
		return conn.WriteJSON(wsReply{
			Type:      "error",
			SessionID: q.SessionID,
			Error:     &errorBody{Code: "internal_error", Message: "the query could not be processed"},
		})
	}

	return conn.WriteJSON(wsReply{Type: "reply", SessionID: reply.SessionID, Reply: reply})
}
