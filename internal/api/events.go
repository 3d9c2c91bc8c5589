package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/joescharf/crew/internal/hub"
	"github.com/joescharf/crew/internal/protocol"
)

const handshakeTimeout = 10 * time.Second

// conn wraps one events websocket with serialized writes.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, v)
}

// handleEvents runs the duplex action/event protocol for one
// connection: handshake, rev-diff resync, then an action read loop
// beside a broadcast write loop.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	defer ws.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()

	hello, err := s.readHello(ctx, c)
	if err != nil {
		s.logger.Debug("handshake rejected", "error", err)
		ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	if err := c.writeJSON(ctx, protocol.ServerHello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Rev:             s.dispatcher.Rev(),
	}); err != nil {
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// A stale client gets one full snapshot before incremental events.
	if hello.LastSeenRev != s.dispatcher.Rev() {
		if err := s.sendSnapshot(ctx, c); err != nil {
			return
		}
	}

	go s.writeLoop(ctx, c, sub)
	s.readLoop(ctx, c)
	ws.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Server) readHello(ctx context.Context, c *conn) (*protocol.ClientHello, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var hello protocol.ClientHello
	if err := wsjson.Read(ctx, c.ws, &hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != protocol.TypeHello {
		return nil, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if hello.ProtocolVersion != protocol.Version {
		return nil, fmt.Errorf("protocol version %d not supported", hello.ProtocolVersion)
	}
	return &hello, nil
}

func (s *Server) sendSnapshot(ctx context.Context, c *conn) error {
	snap, err := s.dispatcher.Snapshot(ctx)
	if err != nil {
		return err
	}
	return c.writeJSON(ctx, protocol.NewEvent(snap))
}

// writeLoop forwards broadcasts. A lagged subscriber is healed with a
// fresh full snapshot, not with replayed gaps.
func (s *Server) writeLoop(ctx context.Context, c *conn, sub *hub.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged():
			if err := s.sendSnapshot(ctx, c); err != nil {
				return
			}
		case ev := <-sub.Events():
			if err := c.writeJSON(ctx, ev); err != nil {
				return
			}
		}
	}
}

// readLoop processes inbound actions until the connection drops. Each
// action yields either an Ack or exactly one Error.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.ws, &raw); err != nil {
			return
		}

		action, err := protocol.DecodeAction(raw)
		if err != nil {
			requestID := requestIDOf(raw)
			if werr := c.writeJSON(ctx, protocol.NewError(requestID, err.Error())); werr != nil {
				return
			}
			continue
		}

		rev, err := s.dispatcher.Apply(ctx, action)
		if err != nil {
			if werr := c.writeJSON(ctx, protocol.NewError(action.RequestID, err.Error())); werr != nil {
				return
			}
			continue
		}
		if err := c.writeJSON(ctx, protocol.NewAck(action.RequestID, rev)); err != nil {
			return
		}
	}
}

// requestIDOf recovers the request id from a malformed action so the
// error can still be correlated.
func requestIDOf(raw json.RawMessage) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}
