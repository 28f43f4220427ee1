package chat

import (
	"time"

	"github.com/bytedance/sonic"
)

// SSEEncoder formats internal chunks as OpenAI-compatible
// chat.completion.chunk frames. It holds only the per-stream constants
// (id, model, created); every call is otherwise stateless.
type SSEEncoder struct {
	ID      string
	Model   string
	Created int64
}

// NewSSEEncoder creates an encoder for one response stream.
func NewSSEEncoder(reqID, model string) *SSEEncoder {
	return &SSEEncoder{
		ID:      CompletionID(reqID),
		Model:   model,
		Created: time.Now().Unix(),
	}
}

func frame(v any) string {
	data, err := sonic.Marshal(v)
	if err != nil {
		// Chunk types marshal unconditionally; this path is unreachable in
		// practice but must not kill the stream.
		return ""
	}
	return "data: " + string(data) + "\n\n"
}

func (e *SSEEncoder) chunk(choice ChunkChoice, usage *Usage) string {
	return frame(Chunk{
		ID:      e.ID,
		Object:  "chat.completion.chunk",
		Created: e.Created,
		Model:   e.Model,
		Choices: []ChunkChoice{choice},
		Usage:   usage,
	})
}

// ContentChunk emits a text delta.
func (e *SSEEncoder) ContentChunk(delta string) string {
	return e.chunk(ChunkChoice{
		Delta: Delta{Role: "assistant", Content: &delta},
	}, nil)
}

// ReasoningChunk emits a reasoning delta.
func (e *SSEEncoder) ReasoningChunk(delta string) string {
	return e.chunk(ChunkChoice{
		Delta: Delta{Role: "assistant", ReasoningContent: delta},
	}, nil)
}

// ContentStopChunk emits the last text delta together with its finish reason.
func (e *SSEEncoder) ContentStopChunk(delta string) string {
	stop := "stop"
	return e.chunk(ChunkChoice{
		Delta:              Delta{Role: "assistant", Content: &delta},
		FinishReason:       &stop,
		NativeFinishReason: &stop,
	}, nil)
}

// ToolCallsChunk emits the tool-call delta. finish_reason is forced to
// "tool_calls" whenever any call is present.
func (e *SSEEncoder) ToolCallsChunk(calls []ToolCall) string {
	finish := "tool_calls"
	return e.chunk(ChunkChoice{
		Delta:              Delta{Role: "assistant", ToolCalls: calls},
		FinishReason:       &finish,
		NativeFinishReason: &finish,
	}, nil)
}

// StopChunk emits a bare terminal delta with finish_reason "stop".
func (e *SSEEncoder) StopChunk() string {
	stop := "stop"
	return e.chunk(ChunkChoice{
		Delta:              Delta{Role: "assistant"},
		FinishReason:       &stop,
		NativeFinishReason: &stop,
	}, nil)
}

// UsageChunk emits the final chunk carrying usage statistics.
func (e *SSEEncoder) UsageChunk(usage Usage) string {
	stop := "stop"
	return e.chunk(ChunkChoice{
		Delta:              Delta{},
		FinishReason:       &stop,
		NativeFinishReason: &stop,
	}, &usage)
}

// ErrorChunk emits an error frame in the OpenAI error envelope.
func (e *SSEEncoder) ErrorChunk(reqID, message, errType string) string {
	return frame(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    reqID,
		},
	})
}

// Done returns the literal stream terminator.
func (e *SSEEncoder) Done() string {
	return "data: [DONE]\n\n"
}

// NewCompletion assembles the non-streaming chat.completion object.
// finish_reason is "tool_calls" when any call is present, in which case
// content is nulled out.
func NewCompletion(reqID, model string, content *string, reasoning string, calls []ToolCall, usage Usage, seed *int) *Completion {
	finish := "stop"
	if len(calls) > 0 {
		finish = "tool_calls"
		content = nil
	}
	msg := ResponseMessage{
		Role:             "assistant",
		Content:          content,
		ReasoningContent: reasoning,
		ToolCalls:        calls,
	}
	return &Completion{
		ID:      CompletionID(reqID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:              0,
			Message:            msg,
			FinishReason:       finish,
			NativeFinishReason: finish,
		}},
		Usage:             usage,
		SystemFingerprint: systemFingerprint,
		Seed:              seed,
	}
}
