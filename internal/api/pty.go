package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/joescharf/crew/internal/term"
)

// ptyHello is the first server frame on a terminal stream, giving the
// client the token it needs to reattach to the same session later.
type ptyHello struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	ReconnectToken string `json:"reconnect_token"`
}

// ptyControl is a client text frame; binary frames are raw input.
type ptyControl struct {
	Type string `json:"type"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// handlePTY streams a terminal session: buffered replay first, then
// live output, with binary input and JSON resize control inbound.
func (s *Server) handlePTY(w http.ResponseWriter, r *http.Request) {
	if s.terms == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal sessions disabled")
		return
	}

	sess, err := s.terms.Attach(
		r.PathValue("workdir_id"),
		r.PathValue("task_id"),
		r.URL.Query().Get("reconnect"),
	)
	if err != nil {
		status := http.StatusInternalServerError
		if err == term.ErrInvalidToken {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()

	if err := wsjson.Write(ctx, ws, ptyHello{
		Type:           "pty_hello",
		SessionID:      sess.ID,
		ReconnectToken: sess.Token,
	}); err != nil {
		return
	}

	replay, output, unsubscribe := sess.Attach()
	defer unsubscribe()

	// Replay the trailing window before any live bytes, so every
	// attach renders the same recent context.
	if len(replay) > 0 {
		if err := ws.Write(ctx, websocket.MessageBinary, replay); err != nil {
			return
		}
	}

	go s.pumpPTYOutput(ctx, ws, sess, output)
	s.readPTYInput(ctx, ws, sess)
	ws.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Server) pumpPTYOutput(ctx context.Context, ws *websocket.Conn, sess *term.Session, output <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			ws.Close(websocket.StatusNormalClosure, "session exited")
			return
		case data := <-output:
			if err := ws.Write(ctx, websocket.MessageBinary, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPTYInput(ctx context.Context, ws *websocket.Conn, sess *term.Session) {
	for {
		kind, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		switch kind {
		case websocket.MessageBinary:
			if err := sess.Write(data); err != nil {
				s.logger.Debug("pty write", "session_id", sess.ID, "error", err)
				return
			}
		case websocket.MessageText:
			var ctl ptyControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			if ctl.Type == "resize" && ctl.Rows > 0 && ctl.Cols > 0 {
				if err := sess.Resize(ctl.Rows, ctl.Cols); err != nil {
					s.logger.Debug("pty resize", "session_id", sess.ID, "error", err)
				}
			}
		}
	}
}
