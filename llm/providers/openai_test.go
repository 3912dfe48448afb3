package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quellops/quell/llm"
)

func TestOpenAIBuildURL(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.BuildURL(""))
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", p.BuildURL("http://localhost:11434"))
}

func TestOpenAIBuildRequestBody(t *testing.T) {
	p := &OpenAIProvider{}
	body, err := p.BuildRequestBody("gpt-test", []llm.Message{
		{Role: "system", Content: "You are an SRE assistant."},
		{Role: "user", Content: "Diagnose HighCPUUsage"},
	}, nil, 2048, []llm.ToolDefinition{
		{Name: "promql", Description: "query prometheus", InputSchema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "gpt-test", req["model"])
	assert.Equal(t, float64(2048), req["max_tokens"])
	assert.Len(t, req["messages"], 2)

	tools := req["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "promql", fn["name"])
}

func TestOpenAIParseResponse(t *testing.T) {
	p := &OpenAIProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"model": "gpt-test",
		"choices": [{"message": {"role": "assistant", "content": "AUTO-FIX: no"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
	}`), "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "AUTO-FIX: no", resp.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestOpenAIParseResponseToolCalls(t *testing.T) {
	p := &OpenAIProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"choices": [{"message": {"role": "assistant", "content": "",
			"tool_calls": [{"id": "call_1", "type": "function",
				"function": {"name": "kubectl", "arguments": "{\"command\": \"logs api-7f9c\"}"}}]},
			"finish_reason": "tool_calls"}]
	}`), "gpt-test")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "kubectl", resp.ToolCalls[0].Name)
	assert.Equal(t, "logs api-7f9c", resp.ToolCalls[0].Arguments["command"])
	// Model falls back to the request model when the body omits it.
	assert.Equal(t, "gpt-test", resp.Model)
}

func TestOpenAIParseResponseNoChoices(t *testing.T) {
	p := &OpenAIProvider{}
	_, err := p.ParseResponse([]byte(`{"choices": []}`), "m")
	assert.Error(t, err)
}

func TestMockCompleterScriptedResponses(t *testing.T) {
	mock := NewMockCompleter()

	resp, err := mock.Complete(t.Context(), llm.Request{Messages: []llm.Message{
		{Role: "user", Content: "Investigate alert PodCrashLooping in production"},
	}})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "137")
	assert.Contains(t, resp.Content, "AUTO-FIX: yes")
	assert.Contains(t, resp.Content, "kubectl patch deployment")

	resp, err = mock.Complete(t.Context(), llm.Request{Messages: []llm.Message{
		{Role: "user", Content: "Investigate alert HighCPUUsage"},
	}})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "kubectl scale deployment")

	resp, err = mock.Complete(t.Context(), llm.Request{Messages: []llm.Message{
		{Role: "user", Content: "Investigate alert SomethingElse"},
	}})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "AUTO-FIX: no")
}
