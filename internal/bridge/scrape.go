package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/aistudioproxy/gateway/internal/chat"
	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
	"github.com/aistudioproxy/gateway/internal/session"
)

const (
	scrapeChunkRunes = 5
	scrapeChunkDelay = 30 * time.Millisecond
	// Chunks ending at a line break replay faster; the visual pause already
	// happened in the page.
	scrapeNewlineDelay = 10 * time.Millisecond
)

// ScrapeBridge waits for the session content to settle, then reads it once.
// It never sees incremental deltas, so streaming mode simulates them by
// re-slicing the settled text into small paced chunks.
type ScrapeBridge struct {
	ctrl session.Controller
	log  *logging.Logger

	chunkRunes int
	chunkDelay time.Duration
}

// NewScrapeBridge creates a bridge that scrapes through ctrl.
func NewScrapeBridge(ctrl session.Controller, log *logging.Logger) *ScrapeBridge {
	return &ScrapeBridge{
		ctrl:       ctrl,
		log:        log,
		chunkRunes: scrapeChunkRunes,
		chunkDelay: scrapeChunkDelay,
	}
}

// StreamInto implements Responder: settle first, then pseudo-stream.
func (b *ScrapeBridge) StreamInto(ctx context.Context, enc *chat.SSEEncoder, req *chat.Request, reqID string, s *Stream) error {
	text, err := b.ctrl.AwaitFinalContent(ctx, reqID)
	if err != nil {
		return err
	}
	if text == "" {
		return errdefs.EmptyResponse(reqID)
	}
	s.SetText(text, "")

	runes := []rune(text)
	for start := 0; start < len(runes); start += b.chunkRunes {
		end := start + b.chunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		piece := string(runes[start:end])
		s.Push(enc.ContentChunk(piece))

		delay := b.chunkDelay
		if strings.HasSuffix(piece, "\n") {
			delay = scrapeNewlineDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.completion.Done():
			// Watcher aborted mid-replay; the epilogue is already moot.
			return nil
		case <-time.After(delay):
		}
	}
	s.Push(enc.StopChunk())

	Finish(s, enc, req)
	return nil
}

// Complete implements Responder for the non-streaming path.
func (b *ScrapeBridge) Complete(ctx context.Context, req *chat.Request, reqID, model string) (*chat.Completion, error) {
	text, err := b.ctrl.AwaitFinalContent(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errdefs.EmptyResponse(reqID)
	}
	usage := chat.UsageStats(req.Messages, text, "")
	return chat.NewCompletion(reqID, model, &text, "", nil, usage, req.Seed), nil
}
