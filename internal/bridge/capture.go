package bridge

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aistudioproxy/gateway/internal/capture"
	"github.com/aistudioproxy/gateway/internal/chat"
	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
)

const (
	defaultPollInterval  = 100 * time.Millisecond
	defaultMaxEmptyPolls = 300
)

// CaptureBridge reads normalized records from the capture feed. Records
// carry cumulative text snapshots, so streaming mode diffs each snapshot
// against the last-seen length to produce true deltas.
type CaptureBridge struct {
	feed *capture.Feed
	log  *logging.Logger

	pollInterval  time.Duration
	maxEmptyPolls int
}

// NewCaptureBridge creates a bridge over feed.
func NewCaptureBridge(feed *capture.Feed, log *logging.Logger) *CaptureBridge {
	return &CaptureBridge{
		feed:          feed,
		log:           log,
		pollInterval:  defaultPollInterval,
		maxEmptyPolls: defaultMaxEmptyPolls,
	}
}

// readState tracks one response's read progress across next calls.
type readState struct {
	emptyPolls   int
	received     int
	hasContent   bool
	staleIgnored bool
}

// next polls the feed for the next usable record. Error records fail fast;
// a stale leftover done record with no content arriving first is skipped
// once; sustained silence becomes an internal timeout.
func (b *CaptureBridge) next(ctx context.Context, reqID string, st *readState) (capture.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return capture.Record{}, err
		}

		rec, ok := b.feed.Poll()
		if !ok {
			st.emptyPolls++
			if st.emptyPolls >= b.maxEmptyPolls {
				b.log.WithRequest(reqID).Warn("capture feed went silent",
					zap.Int("received", st.received))
				return capture.Record{}, errdefs.InternalTimeout(reqID)
			}
			select {
			case <-ctx.Done():
				return capture.Record{}, ctx.Err()
			case <-time.After(b.pollInterval):
			}
			continue
		}

		st.emptyPolls = 0
		st.received++

		if err := rec.Err(reqID); err != nil {
			b.log.WithRequest(reqID).Error("capture agent reported upstream error", zap.Error(err))
			return capture.Record{}, err
		}
		if rec.HasContent() {
			st.hasContent = true
		}
		if rec.Done {
			if rec.Reason == "internal_timeout" && rec.Body == "" {
				return capture.Record{}, errdefs.InternalTimeout(reqID)
			}
			if !st.hasContent && st.received == 1 && !st.staleIgnored && len(rec.Function) == 0 {
				// Leftover terminator from a previous exchange; skip once.
				b.log.WithRequest(reqID).Warn("ignoring stale done record with no content")
				st.staleIgnored = true
				continue
			}
		}
		return rec, nil
	}
}

// StreamInto implements Responder for the streaming path.
func (b *CaptureBridge) StreamInto(ctx context.Context, enc *chat.SSEEncoder, req *chat.Request, reqID string, s *Stream) error {
	var st readState
	var lastBody, lastReason int

	for {
		rec, err := b.next(ctx, reqID, &st)
		if err != nil {
			return err
		}
		if rec.Done && !st.hasContent && len(rec.Function) == 0 {
			// Nothing was ever produced; nothing terminal was pushed, so the
			// worker can retry into this same stream.
			return errdefs.EmptyResponse(reqID)
		}

		s.SetText(rec.Body, rec.Reason)

		if len(rec.Reason) > lastReason {
			s.Push(enc.ReasoningChunk(rec.Reason[lastReason:]))
			lastReason = len(rec.Reason)
		}

		switch {
		case len(rec.Body) > lastBody:
			delta := rec.Body[lastBody:]
			lastBody = len(rec.Body)
			switch {
			case rec.Done && len(rec.Function) > 0:
				// Function calls displace trailing text, matching the
				// non-streaming shape where content is nulled.
				s.Push(enc.ToolCallsChunk(toolCalls(rec.Function)))
			case rec.Done:
				s.Push(enc.ContentStopChunk(delta))
			default:
				s.Push(enc.ContentChunk(delta))
			}
		case rec.Done:
			if len(rec.Function) > 0 {
				s.Push(enc.ToolCallsChunk(toolCalls(rec.Function)))
			} else {
				s.Push(enc.StopChunk())
			}
		}

		if rec.Done {
			break
		}
	}

	Finish(s, enc, req)
	return nil
}

// Complete implements Responder for the non-streaming path: drain until
// done, then aggregate into one completion object. A done with no text and
// no function calls is a hard error, not a zero-length answer.
func (b *CaptureBridge) Complete(ctx context.Context, req *chat.Request, reqID, model string) (*chat.Completion, error) {
	var st readState
	var body, reason string
	var functions []capture.FunctionCall

	for {
		rec, err := b.next(ctx, reqID, &st)
		if err != nil {
			return nil, err
		}
		if rec.Body != "" {
			body = rec.Body
		}
		if rec.Reason != "" {
			reason = rec.Reason
		}
		if len(rec.Function) > 0 {
			functions = rec.Function
		}
		if rec.Done {
			break
		}
	}

	if body == "" && reason == "" && len(functions) == 0 {
		return nil, errdefs.EmptyResponse(reqID)
	}

	usage := chat.UsageStats(req.Messages, body, reason)
	return chat.NewCompletion(reqID, model, &body, reason, toolCalls(functions), usage, req.Seed), nil
}

// toolCalls converts captured function invocations into the wire shape.
// Arguments are always re-encoded as a JSON string.
func toolCalls(fns []capture.FunctionCall) []chat.ToolCall {
	if len(fns) == 0 {
		return nil
	}
	calls := make([]chat.ToolCall, 0, len(fns))
	for i, fn := range fns {
		args := "{}"
		if fn.Params != nil {
			if data, err := sonic.Marshal(fn.Params); err == nil {
				args = string(data)
			}
		}
		calls = append(calls, chat.ToolCall{
			ID:       "call_" + uuid.NewString(),
			Index:    i,
			Type:     "function",
			Function: chat.CalledFunc{Name: fn.Name, Arguments: args},
		})
	}
	return calls
}
