// Package agent executes turns against the Anthropic API, streaming
// model output into conversation entries as it arrives.
package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/turn"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

const systemPrompt = `You are a coding assistant working on a software task inside a git working copy. Respond with concrete, actionable output. Keep answers focused on the task at hand.`

// Executor implements turn.Executor against the Anthropic Messages API.
type Executor struct {
	api       *anthropic.Client
	model     anthropic.Model
	store     store.Store
	maxTokens int64
}

// NewExecutor creates an executor. An empty apiKey falls back to the
// SDK's environment lookup; an empty model uses DefaultModel.
func NewExecutor(apiKey, model string, s store.Store) *Executor {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if model == "" {
		model = DefaultModel
	}
	return &Executor{
		api:       &client,
		model:     anthropic.Model(model),
		store:     s,
		maxTokens: 8192,
	}
}

// Run streams one turn. Prior conversation entries form the message
// history; the request's user entry is already in the log by the time
// Run is called.
func (e *Executor) Run(ctx context.Context, req turn.Request, emit turn.EmitFunc) error {
	messages, err := e.buildMessages(ctx, req.TaskID)
	if err != nil {
		return fmt.Errorf("build message history: %w", err)
	}
	if len(messages) == 0 {
		messages = []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text)),
		}
	}

	start := time.Now()
	stream := e.api.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: messages,
	})

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return fmt.Errorf("accumulate stream event: %w", err)
		}
		if stop, ok := event.AsAny().(anthropic.ContentBlockStopEvent); ok {
			e.emitBlock(emit, message, int(stop.Index))
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}

	emit(models.AgentEventPayload{
		Type:         models.AgentEventTurnUsage,
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	})
	emit(models.AgentEventPayload{
		Type:       models.AgentEventTurnDuration,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return nil
}

// emitBlock turns one completed content block into an agent entry.
func (e *Executor) emitBlock(emit turn.EmitFunc, message anthropic.Message, index int) {
	if index < 0 || index >= len(message.Content) {
		return
	}
	itemID := fmt.Sprintf("%s-%d", message.ID, index)
	switch block := message.Content[index].AsAny().(type) {
	case anthropic.TextBlock:
		if strings.TrimSpace(block.Text) == "" {
			return
		}
		emit(models.AgentEventPayload{
			Type:   models.AgentEventMessage,
			ItemID: itemID,
			Text:   block.Text,
		})
	case anthropic.ToolUseBlock:
		emit(models.AgentEventPayload{
			Type:      models.AgentEventToolItem,
			ItemID:    itemID,
			ToolName:  block.Name,
			ToolInput: string(block.Input),
		})
	}
}

// buildMessages reconstructs the API message history from the task's
// conversation log. Tool, usage, and lifecycle entries are skipped.
func (e *Executor) buildMessages(ctx context.Context, taskID string) ([]anthropic.MessageParam, error) {
	page, err := e.store.ListEntries(ctx, taskID, 0, 0)
	if err != nil {
		return nil, err
	}

	var messages []anthropic.MessageParam
	for _, entry := range page.Entries {
		switch entry.Kind {
		case models.EntryUser:
			var p models.UserEventPayload
			if err := entry.UnmarshalPayload(&p); err != nil {
				return nil, err
			}
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(p.Text)}
			for _, ref := range p.Attachments {
				block, err := e.attachmentBlock(ctx, ref)
				if err != nil {
					return nil, err
				}
				if block != nil {
					blocks = append(blocks, *block)
				}
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		case models.EntryAgent:
			var p models.AgentEventPayload
			if err := entry.UnmarshalPayload(&p); err != nil {
				return nil, err
			}
			if p.Type == models.AgentEventMessage && p.Text != "" {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(p.Text)))
			}
		}
	}
	return messages, nil
}

// attachmentBlock loads an uploaded attachment as an image block.
// Non-image attachments are inlined as text when printable, otherwise
// skipped.
func (e *Executor) attachmentBlock(ctx context.Context, ref models.AttachmentRef) (*anthropic.ContentBlockParamUnion, error) {
	stored, data, err := e.store.GetAttachment(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("attachment %s: %w", ref.ID, err)
	}
	if strings.HasPrefix(stored.MimeType, "image/") {
		block := anthropic.NewImageBlockBase64(stored.MimeType, base64.StdEncoding.EncodeToString(data))
		return &block, nil
	}
	if strings.HasPrefix(stored.MimeType, "text/") {
		block := anthropic.NewTextBlock(fmt.Sprintf("Attachment %s:\n%s", stored.Name, string(data)))
		return &block, nil
	}
	return nil, nil
}
