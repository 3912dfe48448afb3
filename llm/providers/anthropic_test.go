package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quellops/quell/llm"
)

func TestAnthropicBuildURL(t *testing.T) {
	p := &AnthropicProvider{}
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.BuildURL(""))
	assert.Equal(t, "http://localhost:8089/v1/messages", p.BuildURL("http://localhost:8089/"))
}

func TestAnthropicBuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	temp := 0.2
	body, err := p.BuildRequestBody("claude-test", []llm.Message{
		{Role: "system", Content: "You are an SRE assistant."},
		{Role: "user", Content: "Diagnose PodCrashLooping"},
	}, &temp, 0, []llm.ToolDefinition{
		{Name: "kubectl", Description: "read-only kubectl", InputSchema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "claude-test", req["model"])
	// System message lifts out of the messages array.
	assert.Equal(t, "You are an SRE assistant.", req["system"])
	assert.Equal(t, float64(4096), req["max_tokens"])
	assert.Len(t, req["messages"], 1)
	assert.Len(t, req["tools"], 1)
}

func TestAnthropicBuildRequestBodyToolResult(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude-test", []llm.Message{
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "tc1", Name: "kubectl", Arguments: map[string]any{"command": "get pods"}}}},
		{Role: "tool", ToolCallID: "tc1", Content: "api-7f9c CrashLoopBackOff"},
	}, nil, 1024, nil)
	require.NoError(t, err)

	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	// Tool results are sent as user-role tool_result blocks.
	assert.Equal(t, "user", req.Messages[2].Role)
	assert.Contains(t, string(req.Messages[2].Content), "tool_result")
	assert.Contains(t, string(req.Messages[2].Content), "tc1")
}

func TestAnthropicParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"content": [{"type": "text", "text": "ROOT CAUSE: OOM"}],
		"model": "claude-test",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`), "claude-test")
	require.NoError(t, err)
	assert.Equal(t, "ROOT CAUSE: OOM", resp.Content)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Empty(t, resp.ToolCalls)
}

func TestAnthropicParseResponseToolUse(t *testing.T) {
	p := &AnthropicProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"content": [
			{"type": "text", "text": "Checking pods."},
			{"type": "tool_use", "id": "tc1", "name": "kubectl", "input": {"command": "get pods -n production"}}
		],
		"model": "claude-test",
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 5, "output_tokens": 9}
	}`), "claude-test")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "kubectl", resp.ToolCalls[0].Name)
	assert.Equal(t, "get pods -n production", resp.ToolCalls[0].Arguments["command"])
}

func TestAnthropicParseResponseInvalidJSON(t *testing.T) {
	p := &AnthropicProvider{}
	_, err := p.ParseResponse([]byte("not json"), "m")
	assert.Error(t, err)
}
