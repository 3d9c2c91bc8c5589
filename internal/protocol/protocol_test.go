package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction_SendAgentMessage(t *testing.T) {
	raw := `{"type":"action","request_id":"r1","action":{"type":"send_agent_message","task_id":"t1","text":"do the thing"}}`

	action, err := DecodeAction([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "r1", action.RequestID)

	msg, ok := action.Action.(*SendAgentMessage)
	require.True(t, ok)
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, "do the thing", msg.Text)
}

func TestDecodeAction_AllTags(t *testing.T) {
	tags := []string{
		ActionSendAgentMessage,
		ActionCancelTurn,
		ActionCancelAndSendAgentMessage,
		ActionTaskStatusSet,
		ActionStarTask,
		ActionCreateTask,
		ActionRemoveQueuedPrompt,
		ActionReorderQueuedPrompt,
		ActionUpdateQueuedPrompt,
		ActionResumeQueue,
		ActionClearQueue,
	}
	for _, tag := range tags {
		raw := `{"type":"action","request_id":"r","action":{"type":"` + tag + `"}}`
		action, err := DecodeAction([]byte(raw))
		require.NoError(t, err, tag)
		assert.Equal(t, tag, action.Action.ActionTag())
	}
}

func TestDecodeAction_UnknownTag(t *testing.T) {
	raw := `{"type":"action","request_id":"r1","action":{"type":"self_destruct"}}`

	_, err := DecodeAction([]byte(raw))
	var tagErr *UnknownTagError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, "action", tagErr.Kind)
	assert.Equal(t, "self_destruct", tagErr.Tag)
}

func TestDecodeAction_WrongEnvelopeType(t *testing.T) {
	raw := `{"type":"hello","request_id":"r1","action":{"type":"cancel_turn"}}`

	_, err := DecodeAction([]byte(raw))
	assert.Error(t, err)
}

func TestDecodeEvent_RoundTrip(t *testing.T) {
	event := NewEvent(NewConversationChanged(42, "t1", nil))
	data, err := json.Marshal(event)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	payload, ok := decoded.Event.(*ConversationChanged)
	require.True(t, ok)
	assert.Equal(t, uint64(42), payload.Rev)
	assert.Equal(t, "t1", payload.TaskID)
}

func TestDecodeEvent_WorkspaceThreadsAlias(t *testing.T) {
	raw := `{"type":"event","event":{"type":"workspace_threads_changed","rev":7,"workdir_id":"w1"}}`

	decoded, err := DecodeEvent([]byte(raw))
	require.NoError(t, err)
	payload, ok := decoded.Event.(*WorkdirTasksChanged)
	require.True(t, ok)
	assert.Equal(t, "w1", payload.WorkdirID)
}

func TestDecodeEvent_UnknownTag(t *testing.T) {
	raw := `{"type":"event","event":{"type":"mystery"}}`

	_, err := DecodeEvent([]byte(raw))
	var tagErr *UnknownTagError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, "event", tagErr.Kind)
}
