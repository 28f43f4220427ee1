// Package bridge normalizes the two response-acquisition strategies — the
// capture channel fed by the out-of-process agent, and direct scraping of the
// settled session content — into one SSE/JSON contract.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aistudioproxy/gateway/internal/chat"
	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/promise"
)

// Responder is one response-acquisition strategy. Selected once per process:
// the capture bridge when an agent is attached, the scrape bridge otherwise.
type Responder interface {
	// StreamInto reads the response and pushes SSE frames into s. On success
	// the full epilogue (usage chunk, terminator, completion signal) has been
	// emitted before return. On error nothing terminal was pushed; the caller
	// decides between retrying into the same stream and aborting it.
	StreamInto(ctx context.Context, enc *chat.SSEEncoder, req *chat.Request, reqID string, s *Stream) error

	// Complete reads the response synchronously into one completion object.
	Complete(ctx context.Context, req *chat.Request, reqID, model string) (*chat.Completion, error)
}

// Stream is the handle delivered to the HTTP layer for a streaming response.
// Frames are fully formatted SSE strings; the channel is never closed — the
// completion signal is the end-of-stream marker.
type Stream struct {
	frames     chan string
	completion *promise.Signal
	hasContent atomic.Bool

	mu     sync.Mutex
	body   string
	reason string
}

// NewStream creates a stream handle tied to a completion signal.
func NewStream(completion *promise.Signal) *Stream {
	return &Stream{
		frames:     make(chan string, 64),
		completion: completion,
	}
}

// Frames returns the SSE frame channel.
func (s *Stream) Frames() <-chan string { return s.frames }

// Completion returns the signal fired when the stream has fully ended.
func (s *Stream) Completion() *promise.Signal { return s.completion }

// HasContent reports whether any text or reasoning was ever received.
// Consulted by the worker to turn silent completions into retries.
func (s *Stream) HasContent() bool { return s.hasContent.Load() }

// SetText records the latest cumulative snapshots.
func (s *Stream) SetText(body, reason string) {
	s.mu.Lock()
	if body != "" {
		s.body = body
	}
	if reason != "" {
		s.reason = reason
	}
	s.mu.Unlock()
	if body != "" || reason != "" {
		s.hasContent.Store(true)
	}
}

// Text returns the accumulated body and reasoning text.
func (s *Stream) Text() (body, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body, s.reason
}

// Push delivers a frame unless the completion signal has already fired,
// which happens when a watcher aborts the stream; dropping frames there is
// preferable to blocking a generator nobody is reading.
func (s *Stream) Push(frame string) {
	if frame == "" {
		return
	}
	select {
	case s.frames <- frame:
	case <-s.completion.Done():
	}
}

// Finish pushes the usage epilogue and the literal terminator, then fires
// the completion signal. Every stream ends through here, on every exit path,
// so client parsers always see a terminated stream.
func Finish(s *Stream, enc *chat.SSEEncoder, req *chat.Request) {
	body, reason := s.Text()
	usage := chat.UsageStats(req.Messages, body, reason)
	s.Push(enc.UsageChunk(usage))
	s.Push(enc.Done())
	s.completion.Set()
}

// Abort pushes an error frame and then the best-effort epilogue. Used when a
// streaming request fails after the stream handle was already handed out.
func Abort(s *Stream, enc *chat.SSEEncoder, reqID string, req *chat.Request, err error) {
	s.Push(enc.ErrorChunk(reqID, err.Error(), errdefs.KindOf(err).String()))
	Finish(s, enc, req)
}

// Reply is the tagged result a processed request settles with: exactly one
// of Stream or Completion is set.
type Reply struct {
	Stream     *Stream
	Completion *chat.Completion
}

// StreamReply wraps a stream handle.
func StreamReply(s *Stream) *Reply { return &Reply{Stream: s} }

// CompletionReply wraps a final JSON payload.
func CompletionReply(c *chat.Completion) *Reply { return &Reply{Completion: c} }
