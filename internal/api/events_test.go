package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crew/internal/protocol"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/api/events"
}

func dialEvents(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(env.server.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "done") })
	return ws
}

func handshake(t *testing.T, ws *websocket.Conn, lastSeenRev uint64) protocol.ServerHello {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, ws, protocol.ClientHello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		LastSeenRev:     lastSeenRev,
	}))
	var hello protocol.ServerHello
	require.NoError(t, wsjson.Read(ctx, ws, &hello))
	require.Equal(t, protocol.TypeHello, hello.Type)
	return hello
}

// readMessage reads one raw frame within a deadline.
func readMessage(t *testing.T, ws *websocket.Conn) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var raw json.RawMessage
	require.NoError(t, wsjson.Read(ctx, ws, &raw))
	return raw
}

func typeOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var probe struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &probe))
	return probe.Type
}

func TestEvents_HandshakeInSync(t *testing.T) {
	env := newTestEnv(t, "")
	ws := dialEvents(t, env)

	hello := handshake(t, ws, env.dispatcher.Rev())
	assert.Equal(t, protocol.Version, hello.ProtocolVersion)
	assert.Equal(t, env.dispatcher.Rev(), hello.Rev)
}

func TestEvents_StaleRevGetsSnapshot(t *testing.T) {
	env := newTestEnv(t, "")

	// Move rev past zero so a fresh client is stale.
	_, err := env.dispatcher.Apply(context.Background(), &protocol.Action{
		Type: protocol.TypeAction, RequestID: "seed",
		Action: &protocol.StarTask{Tag: protocol.ActionStarTask, TaskID: env.task.ID, Starred: true},
	})
	require.NoError(t, err)

	ws := dialEvents(t, env)
	handshake(t, ws, 0)

	raw := readMessage(t, ws)
	require.Equal(t, protocol.TypeEvent, typeOf(t, raw))
	ev, err := protocol.DecodeEvent(raw)
	require.NoError(t, err)
	snap, ok := ev.Event.(*protocol.AppChanged)
	require.True(t, ok)
	assert.Equal(t, env.dispatcher.Rev(), snap.Rev)
	require.Len(t, snap.Tasks, 1)
	assert.True(t, snap.Tasks[0].IsStarred)
}

func TestEvents_VersionMismatchRejected(t *testing.T) {
	env := newTestEnv(t, "")
	ws := dialEvents(t, env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, ws, protocol.ClientHello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version + 1,
	}))

	var raw json.RawMessage
	err := wsjson.Read(ctx, ws, &raw)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestEvents_ActionAckAndBroadcast(t *testing.T) {
	env := newTestEnv(t, "")
	ws := dialEvents(t, env)
	handshake(t, ws, env.dispatcher.Rev())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, map[string]any{
		"type":       "action",
		"request_id": "r1",
		"action": map[string]any{
			"type":    "star_task",
			"task_id": env.task.ID,
			"starred": true,
		},
	}))

	var sawAck bool
	var tags []string
	for i := 0; i < 4; i++ {
		raw := readMessage(t, ws)
		switch typeOf(t, raw) {
		case protocol.TypeAck:
			var ack protocol.Ack
			require.NoError(t, json.Unmarshal(raw, &ack))
			assert.Equal(t, "r1", ack.RequestID)
			assert.Greater(t, ack.Rev, uint64(0))
			sawAck = true
		case protocol.TypeEvent:
			ev, err := protocol.DecodeEvent(raw)
			require.NoError(t, err)
			tags = append(tags, ev.Event.EventTag())
		}
		if sawAck && len(tags) >= 2 {
			break
		}
	}
	assert.True(t, sawAck)
	assert.Contains(t, tags, protocol.EventTaskSummariesChanged)
	assert.Contains(t, tags, protocol.EventWorkdirTasksChanged)
}

func TestEvents_UnknownActionYieldsError(t *testing.T) {
	env := newTestEnv(t, "")
	ws := dialEvents(t, env)
	handshake(t, ws, env.dispatcher.Rev())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, map[string]any{
		"type":       "action",
		"request_id": "r2",
		"action":     map[string]any{"type": "explode"},
	}))

	raw := readMessage(t, ws)
	require.Equal(t, protocol.TypeError, typeOf(t, raw))
	var errMsg protocol.ErrorMsg
	require.NoError(t, json.Unmarshal(raw, &errMsg))
	assert.Equal(t, "r2", errMsg.RequestID)
	assert.Contains(t, errMsg.Message, "explode")
}

func TestEvents_WSRequiresAuth(t *testing.T) {
	env := newTestEnv(t, "topsecret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(env.server.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
