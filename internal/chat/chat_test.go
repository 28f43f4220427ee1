package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short ascii floors to one", "hi", 1},
		{"ascii", "hello world, this is a test!", 7},
		{"cjk weighted heavier", "你好世界", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func TestUsageStatsDeterministic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "2+2?"},
	}

	first := UsageStats(messages, "4", "")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, UsageStats(messages, "4", ""))
	}
	assert.GreaterOrEqual(t, first.CompletionTokens, 1)
	assert.Equal(t, first.PromptTokens+first.CompletionTokens, first.TotalTokens)
}

func TestNewRequestIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		require.Len(t, id, 7)
		assert.Equal(t, strings.ToLower(id), id)
		seen[id] = true
	}
	// Not a strict uniqueness guarantee, but collisions across 100 draws
	// from a 36^7 space indicate a broken generator.
	assert.Greater(t, len(seen), 90)
}

func TestSSEContentChunk(t *testing.T) {
	enc := NewSSEEncoder("abc1234", "gemini-2.5-pro")
	raw := enc.ContentChunk("Hello")

	require.True(t, strings.HasPrefix(raw, "data: "))
	require.True(t, strings.HasSuffix(raw, "\n\n"))

	var chunk Chunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(raw), "data: ")), &chunk))
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "gemini-2.5-pro", chunk.Model)
	require.Len(t, chunk.Choices, 1)
	require.NotNil(t, chunk.Choices[0].Delta.Content)
	assert.Equal(t, "Hello", *chunk.Choices[0].Delta.Content)
	assert.Nil(t, chunk.Choices[0].FinishReason)
}

func TestSSEToolCallsChunk(t *testing.T) {
	enc := NewSSEEncoder("abc1234", "gemini-2.5-pro")
	calls := []ToolCall{{
		ID:       "call_1",
		Index:    0,
		Type:     "function",
		Function: CalledFunc{Name: "get_weather", Arguments: `{"city":"Paris"}`},
	}}
	raw := enc.ToolCallsChunk(calls)

	var chunk Chunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(raw), "data: ")), &chunk))
	require.Len(t, chunk.Choices, 1)
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "tool_calls", *chunk.Choices[0].FinishReason)
	require.Len(t, chunk.Choices[0].Delta.ToolCalls, 1)
	// Arguments must be a JSON-encoded string, not a nested object.
	var args map[string]string
	require.NoError(t, json.Unmarshal([]byte(chunk.Choices[0].Delta.ToolCalls[0].Function.Arguments), &args))
	assert.Equal(t, "Paris", args["city"])
}

func TestSSEUsageChunkAndDone(t *testing.T) {
	enc := NewSSEEncoder("abc1234", "m")
	raw := enc.UsageChunk(Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})

	var chunk Chunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(raw), "data: ")), &chunk))
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 5, chunk.Usage.TotalTokens)
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)

	assert.Equal(t, "data: [DONE]\n\n", enc.Done())
}

func TestNewCompletionToolCallsNullContent(t *testing.T) {
	content := "ignored"
	calls := []ToolCall{{ID: "call_1", Type: "function", Function: CalledFunc{Name: "f", Arguments: "{}"}}}
	c := NewCompletion("abc1234", "m", &content, "", calls, Usage{}, nil)

	assert.Equal(t, "tool_calls", c.Choices[0].FinishReason)
	assert.Nil(t, c.Choices[0].Message.Content)
	assert.Len(t, c.Choices[0].Message.ToolCalls, 1)
}

func TestRequestValidate(t *testing.T) {
	assert.Error(t, (&Request{}).Validate())
	assert.Error(t, (&Request{Messages: []Message{{Content: "x"}}}).Validate())
	assert.NoError(t, (&Request{Messages: []Message{{Role: "user", Content: "x"}}}).Validate())
}
