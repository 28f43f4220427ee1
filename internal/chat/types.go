// Package chat defines the OpenAI-compatible wire types the proxy speaks,
// plus SSE framing and usage estimation for them.
package chat

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Message is one entry in the inbound conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is an inbound chat-completion request.
type Request struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Stream         bool           `json:"stream"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	MaxTokens      *int           `json:"max_output_tokens,omitempty"`
	Stop           []string       `json:"stop,omitempty"`
	Seed           *int           `json:"seed,omitempty"`
	Tools          []Tool         `json:"tools,omitempty"`
	ToolChoice     any            `json:"tool_choice,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

// Validate checks the minimal shape required for admission.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("message %d missing role", i)
		}
	}
	return nil
}

// ToolCall is an emitted function invocation. Arguments is always a
// JSON-encoded string, never a nested object.
type ToolCall struct {
	ID       string       `json:"id"`
	Index    int          `json:"index"`
	Type     string       `json:"type"`
	Function CalledFunc   `json:"function"`
}

// CalledFunc carries the name/arguments pair of a tool call.
type CalledFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage holds estimated token statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage is the assistant message in a non-streaming completion.
type ResponseMessage struct {
	Role             string     `json:"role"`
	Content          *string    `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index              int             `json:"index"`
	Message            ResponseMessage `json:"message"`
	FinishReason       string          `json:"finish_reason"`
	NativeFinishReason string          `json:"native_finish_reason"`
}

// Completion is the non-streaming chat.completion object.
type Completion struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Seed              *int     `json:"seed,omitempty"`
}

// Delta is the incremental payload of one streaming chunk.
type Delta struct {
	Role             string     `json:"role,omitempty"`
	Content          *string    `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// ChunkChoice is one choice of a chat.completion.chunk.
type ChunkChoice struct {
	Index              int     `json:"index"`
	Delta              Delta   `json:"delta"`
	FinishReason       *string `json:"finish_reason"`
	NativeFinishReason *string `json:"native_finish_reason,omitempty"`
}

// Chunk is the streaming chat.completion.chunk object.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

const (
	completionIDPrefix = "chatcmpl-"
	reqIDAlphabet      = "abcdefghijklmnopqrstuvwxyz0123456789"
	systemFingerprint  = "studio-proxy"
)

// NewRequestID returns a 7-character lowercase alphanumeric request id,
// matching the id format clients already correlate logs against.
func NewRequestID() string {
	var b strings.Builder
	for i := 0; i < 7; i++ {
		b.WriteByte(reqIDAlphabet[rand.Intn(len(reqIDAlphabet))])
	}
	return b.String()
}

// CompletionID derives the public completion id for a request.
func CompletionID(reqID string) string {
	return fmt.Sprintf("%s%s-%d", completionIDPrefix, reqID, time.Now().Unix())
}

// CombinedPrompt flattens the message list into the role-prefixed text that
// gets typed into the session input box.
func CombinedPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
