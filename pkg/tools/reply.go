package tools

import (
	"context"
	"fmt"
)

// SendCallback delivers a tool-originated message to a channel outside the
// normal streamed assistant text, e.g. a proactive note sent mid-turn
// before the model's final response.
type SendCallback func(channelID, content string) error

// ReplyTool lets the agent push a message to the surface mid-turn, distinct
// from its streamed final answer. A multi-platform message tool,
// trimmed to Discord's single channel-id addressing scheme.
type ReplyTool struct {
	sendCallback   SendCallback
	defaultChannel string
	sentInTurn     bool
}

func NewReplyTool() *ReplyTool {
	return &ReplyTool{}
}

func (t *ReplyTool) Name() string { return "reply" }

func (t *ReplyTool) Description() string {
	return "Send a message to the user on the current channel before your final response. Use this for a proactive update mid-task."
}

func (t *ReplyTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The message content to send",
			},
			"channel_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: target channel id, defaults to the current channel",
			},
		},
		"required": []string{"content"},
	}
}

// SetContext binds the default channel for the current turn and resets
// the per-turn send tracker.
func (t *ReplyTool) SetContext(channelID string) {
	t.defaultChannel = channelID
	t.sentInTurn = false
}

func (t *ReplyTool) HasSentInTurn() bool {
	return t.sentInTurn
}

func (t *ReplyTool) SetSendCallback(callback SendCallback) {
	t.sendCallback = callback
}

func (t *ReplyTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content, ok := args["content"].(string)
	if !ok || content == "" {
		return ErrorResult("content is required")
	}

	channelID, _ := args["channel_id"].(string)
	if channelID == "" {
		channelID = t.defaultChannel
	}
	if channelID == "" {
		return ErrorResult("no target channel specified")
	}
	if t.sendCallback == nil {
		return ErrorResult("message sending not configured")
	}

	if err := t.sendCallback(channelID, content); err != nil {
		return &ToolResult{ForLLM: fmt.Sprintf("sending message: %v", err), IsError: true, Err: err}
	}

	t.sentInTurn = true
	return SilentResult(fmt.Sprintf("Message sent to %s", channelID))
}
