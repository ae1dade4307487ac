package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubTool struct{ name string }

func (s *stubTool) Name() string                   { return s.name }
func (s *stubTool) Description() string            { return "stub" }
func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	return SilentResult("ok")
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "think"})

	got, ok := r.Get("think")
	require.True(t, ok)
	require.Equal(t, "think", got.Name())
}

func TestRegistryDefinitionsPreserveRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "b"})
	r.Register(&stubTool{name: "a"})

	defs := r.Definitions()
	require.Len(t, defs, 2)
	require.Equal(t, "b", defs[0].Function.Name)
	require.Equal(t, "a", defs[1].Function.Name)
}

func TestRegistryReRegisterReplacesWithoutDuplicatingOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "a"})
	r.Register(&stubTool{name: "a"})

	require.Len(t, r.Definitions(), 1)
}

func TestThinkToolRequiresThought(t *testing.T) {
	tool := NewThinkTool()
	res := tool.Execute(context.Background(), map[string]interface{}{})
	require.True(t, res.IsError)
}

func TestThinkToolRecordsSilently(t *testing.T) {
	tool := NewThinkTool()
	res := tool.Execute(context.Background(), map[string]interface{}{"thought": "step 1"})
	require.False(t, res.IsError)
	require.True(t, res.Silent)
}

func TestReplyToolRequiresChannel(t *testing.T) {
	tool := NewReplyTool()
	tool.SetSendCallback(func(channelID, content string) error { return nil })
	res := tool.Execute(context.Background(), map[string]interface{}{"content": "hi"})
	require.True(t, res.IsError)
}

func TestReplyToolSendsAndTracksRoundState(t *testing.T) {
	tool := NewReplyTool()
	var gotChannel, gotContent string
	tool.SetSendCallback(func(channelID, content string) error {
		gotChannel, gotContent = channelID, content
		return nil
	})
	tool.SetContext("C1")

	res := tool.Execute(context.Background(), map[string]interface{}{"content": "hi"})
	require.False(t, res.IsError)
	require.True(t, res.Silent)
	require.True(t, tool.HasSentInTurn())
	require.Equal(t, "C1", gotChannel)
	require.Equal(t, "hi", gotContent)
}
