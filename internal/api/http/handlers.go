// Package http implements the proxy's HTTP surface: the OpenAI-compatible
// admission endpoint, cancellation, queue status, models, and health.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aistudioproxy/gateway/internal/bridge"
	"github.com/aistudioproxy/gateway/internal/capture"
	"github.com/aistudioproxy/gateway/internal/chat"
	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/infrastructure/config"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
	"github.com/aistudioproxy/gateway/internal/infrastructure/monitoring"
	"github.com/aistudioproxy/gateway/internal/queue"
	"github.com/aistudioproxy/gateway/internal/session"
	"github.com/aistudioproxy/gateway/internal/worker"
)

// Handlers carries the injected pipeline dependencies.
type Handlers struct {
	queue    *queue.Queue
	state    *session.State
	ctrl     session.Controller
	worker   *worker.Worker
	manifest *session.Manifest
	feed     *capture.Feed // nil when the scrape bridge is active
	cfg      *config.Config
	log      *logging.Logger
	metrics  *monitoring.Metrics
}

// NewHandlers creates the handler set.
func NewHandlers(q *queue.Queue, st *session.State, ctrl session.Controller, w *worker.Worker,
	manifest *session.Manifest, feed *capture.Feed, cfg *config.Config,
	log *logging.Logger, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		queue:    q,
		state:    st,
		ctrl:     ctrl,
		worker:   w,
		manifest: manifest,
		feed:     feed,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
	}
}

// errorBody is the OpenAI error envelope.
func errorBody(reqID, message, errType string) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    reqID,
		},
	}
}

// writeError maps a pipeline error onto the wire.
func (h *Handlers) writeError(c *gin.Context, reqID string, err error) {
	status, retryAfter := errdefs.HTTPStatus(err)
	if retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	c.JSON(status, errorBody(reqID, err.Error(), errdefs.KindOf(err).String()))
}

// ChatCompletions is the admission endpoint: validate, reject when the
// pipeline cannot serve, enqueue, then await the result promise.
func (h *Handlers) ChatCompletions(c *gin.Context) {
	reqID := chat.NewRequestID()
	log := h.log.WithRequest(reqID)

	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, reqID, errdefs.BadRequest(reqID, "invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(c, reqID, errdefs.BadRequest(reqID, err.Error()))
		return
	}
	if req.Model != "" && !h.manifest.Allows(req.Model) {
		h.writeError(c, reqID, errdefs.BadRequest(reqID, "unknown model: "+req.Model))
		return
	}

	if !h.worker.Alive() || !h.ctrl.IsReady(c.Request.Context()) {
		h.writeError(c, reqID, errdefs.SessionNotReady(reqID))
		return
	}

	reqCtx := c.Request.Context()
	probe := func() bool {
		select {
		case <-reqCtx.Done():
			return false
		default:
			return true
		}
	}

	item := queue.NewItem(reqID, &req, probe)
	if err := h.queue.Enqueue(item); err != nil {
		log.Warn("queue full, rejecting request")
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, errorBody(reqID, "request queue is full", "server_overloaded"))
		return
	}
	h.metrics.QueueAdmitted.Inc()
	log.Info("request admitted", zap.Bool("streaming", req.Stream), zap.Int("queue_depth", h.queue.Len()))

	awaitCtx, cancel := context.WithTimeout(reqCtx, h.cfg.Session.AdmissionTimeout())
	defer cancel()

	reply, err := item.Result.Await(awaitCtx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		item.Cancel()
		h.metrics.QueueCancelled.WithLabelValues("timeout").Inc()
		h.writeError(c, reqID, errdefs.Timeout(reqID, "request timed out awaiting processing"))
		return
	case errors.Is(err, context.Canceled):
		// Client went away while queued; the sweep or watcher settles the item.
		item.MarkDisconnected()
		return
	case err != nil:
		h.writeError(c, reqID, err)
		return
	}

	if reply.Completion != nil {
		c.JSON(http.StatusOK, reply.Completion)
		return
	}
	h.streamResponse(c, reqID, reply.Stream)
}

// streamResponse relays SSE frames until the terminator has been written.
func (h *Handlers) streamResponse(c *gin.Context, reqID string, s *bridge.Stream) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	write := func(frame string) {
		if _, err := io.WriteString(c.Writer, frame); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	for {
		select {
		case frame := <-s.Frames():
			write(frame)
		case <-s.Completion().Done():
			// Epilogue frames are buffered before the signal fires.
			for {
				select {
				case frame := <-s.Frames():
					write(frame)
				default:
					return
				}
			}
		case <-c.Request.Context().Done():
			h.log.WithRequest(reqID).Info("client dropped mid-stream")
			s.Completion().Set()
			return
		}
	}
}

// Cancel marks a queued request cancelled. Requests already dequeued belong
// to the worker and cannot be cancelled here.
func (h *Handlers) Cancel(c *gin.Context) {
	reqID := c.Param("req_id")

	found := false
	h.queue.Scan(func(it *queue.Item) {
		if it.ReqID == reqID && !it.Cancelled() {
			it.Cancel()
			found = true
		}
	})

	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "request not found in queue: " + reqID,
		})
		return
	}
	h.metrics.QueueCancelled.WithLabelValues("user").Inc()
	h.log.WithRequest(reqID).Info("request cancelled via endpoint")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"req_id":  reqID,
	})
}

// queueEntry is one row of the queue-status response.
type queueEntry struct {
	ReqID       string  `json:"req_id"`
	EnqueuedAt  string  `json:"enqueued_at"`
	WaitSeconds float64 `json:"wait_seconds"`
	Streaming   bool    `json:"streaming"`
	Cancelled   bool    `json:"cancelled"`
}

// QueueStatus reports queued items without mutating queue order.
func (h *Handlers) QueueStatus(c *gin.Context) {
	entries := make([]queueEntry, 0)
	h.queue.Scan(func(it *queue.Item) {
		entries = append(entries, queueEntry{
			ReqID:       it.ReqID,
			EnqueuedAt:  it.EnqueuedAt.UTC().Format(time.RFC3339),
			WaitSeconds: time.Since(it.EnqueuedAt).Seconds(),
			Streaming:   it.Streaming(),
			Cancelled:   it.Cancelled(),
		})
	})

	c.JSON(http.StatusOK, gin.H{
		"queue_length":  len(entries),
		"items":         entries,
		"is_processing": h.state.Busy(),
	})
}

// modelEntry is one row of the models response.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Models lists selectable models: the manifest entries plus whatever model
// the session currently has active.
func (h *Handlers) Models(c *gin.Context) {
	ids := h.manifest.IDs()
	current := h.state.CurrentModel()
	seen := false
	for _, id := range ids {
		if id == current {
			seen = true
			break
		}
	}
	if !seen && current != "" {
		ids = append(ids, current)
	}

	created := time.Now().Unix()
	data := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		data = append(data, modelEntry{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "aistudio-proxy",
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

// Health reports pipeline liveness for load balancers and humans.
func (h *Handlers) Health(c *gin.Context) {
	ready := h.ctrl.IsReady(c.Request.Context())
	alive := h.worker.Alive()

	status := "ok"
	code := http.StatusOK
	if !alive || !ready {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":        status,
		"worker_alive":  alive,
		"session_ready": ready,
		"queue_depth":   h.queue.Len(),
		"current_model": h.state.CurrentModel(),
	}
	if h.feed != nil {
		body["capture_connected"] = h.feed.Connected()
	}
	c.JSON(code, body)
}
