package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/guildhall/internal/agentsdk"
)

func TestTranslate_SystemInit(t *testing.T) {
	events := Translate(agentsdk.Message{Type: "system", Subtype: "init", SessionID: "s1", Worker: "scribe"}, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "session", events[0].Type)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, "scribe", events[0].Worker)
}

func TestTranslate_SystemOtherSubtypeIsIgnored(t *testing.T) {
	events := Translate(agentsdk.Message{Type: "system", Subtype: "warning"}, Context{})
	assert.Nil(t, events)
}

func TestTranslate_StreamTextDelta(t *testing.T) {
	msg := agentsdk.Message{
		Type:      "stream_event",
		EventType: "content_block_delta",
		Delta:     &agentsdk.Delta{Type: "text_delta", Text: "hel"},
	}
	events := Translate(msg, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "text_delta", events[0].Type)
	assert.Equal(t, "hel", events[0].Text)
}

func TestTranslate_StreamContentBlockStartToolUse(t *testing.T) {
	msg := agentsdk.Message{
		Type:      "stream_event",
		EventType: "content_block_start",
		ContentBlock: &agentsdk.ContentBlock{
			Type: "tool_use", Name: "search", Input: json.RawMessage(`{"q":"x"}`),
		},
	}
	events := Translate(msg, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "tool_use", events[0].Type)
	assert.Equal(t, "search", events[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(events[0].Input))
}

func TestTranslate_StreamOtherSubtypeIgnored(t *testing.T) {
	events := Translate(agentsdk.Message{Type: "stream_event", EventType: "ping"}, Context{})
	assert.Nil(t, events)
}

func TestTranslate_AssistantFinalMessage_OnlyToolUse(t *testing.T) {
	msg := agentsdk.Message{
		Type: "assistant",
		Content: []agentsdk.ContentBlock{
			{Type: "text", Text: "should not appear"},
			{Type: "tool_use", Name: "search", Input: json.RawMessage(`{}`)},
		},
	}
	events := Translate(msg, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "tool_use", events[0].Type)
	assert.Equal(t, "search", events[0].Name)
}

func TestTranslate_UserMessageToolResult(t *testing.T) {
	content, _ := json.Marshal("42 results found")
	msg := agentsdk.Message{
		Type: "user",
		Content: []agentsdk.ContentBlock{
			{Type: "tool_result", Name: "search", Content: content},
		},
	}
	events := Translate(msg, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "tool_result", events[0].Type)
	assert.Equal(t, "search", events[0].Name)
	assert.Equal(t, "42 results found", events[0].Output)
}

func TestTranslate_UserMessageToolResult_NameFallsBackToUnknown(t *testing.T) {
	content, _ := json.Marshal("ok")
	msg := agentsdk.Message{
		Type:    "user",
		Content: []agentsdk.ContentBlock{{Type: "tool_result", Content: content}},
	}
	events := Translate(msg, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "unknown", events[0].Name)
}

func TestTranslate_UserMessageToolResult_ArrayContentCollapsesText(t *testing.T) {
	parts, _ := json.Marshal([]agentsdk.ContentBlock{
		{Type: "text", Text: "a"},
		{Type: "text", Text: "b"},
	})
	msg := agentsdk.Message{
		Type:    "user",
		Content: []agentsdk.ContentBlock{{Type: "tool_result", Name: "x", Content: parts}},
	}
	events := Translate(msg, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "ab", events[0].Output)
}

func TestTranslate_ResultSuccess(t *testing.T) {
	cost := 0.42
	events := Translate(agentsdk.Message{Type: "result", Subtype: "success", Cost: &cost}, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "turn_end", events[0].Type)
	require.NotNil(t, events[0].Cost)
	assert.Equal(t, 0.42, *events[0].Cost)
}

func TestTranslate_ResultError_JoinsErrorList(t *testing.T) {
	events := Translate(agentsdk.Message{Type: "result", Subtype: "error_max_turns", Errors: []string{"too many turns", "aborted"}}, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
	assert.Equal(t, "too many turns; aborted", events[0].Reason)
}

func TestTranslate_ResultError_FallsBackToSubtype(t *testing.T) {
	events := Translate(agentsdk.Message{Type: "result", Subtype: "error_timeout"}, Context{})
	require.Len(t, events, 1)
	assert.Equal(t, "error_timeout", events[0].Reason)
}

func TestTranslate_UnknownTypeIsIgnored(t *testing.T) {
	events := Translate(agentsdk.Message{Type: "ping"}, Context{})
	assert.Nil(t, events)
}

func TestTranslate_IsPure(t *testing.T) {
	msg := agentsdk.Message{Type: "system", Subtype: "init", SessionID: "s1"}
	a := Translate(msg, Context{})
	b := Translate(msg, Context{})
	assert.Equal(t, a, b)
}
