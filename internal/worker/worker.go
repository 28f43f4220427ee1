// Package worker runs the single consumer of the request queue: it holds the
// session mutex for the duration of one request and drives the tiered
// failure-recovery state machine around each attempt.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aistudioproxy/gateway/internal/bridge"
	"github.com/aistudioproxy/gateway/internal/capture"
	"github.com/aistudioproxy/gateway/internal/chat"
	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/infrastructure/config"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
	"github.com/aistudioproxy/gateway/internal/infrastructure/monitoring"
	"github.com/aistudioproxy/gateway/internal/promise"
	"github.com/aistudioproxy/gateway/internal/queue"
	"github.com/aistudioproxy/gateway/internal/session"
)

const (
	maxAttempts = 3

	// Back-to-back streaming requests are throttled so the session's output
	// animation from the previous request has settled before the next submit.
	paceWindow   = time.Second
	paceMinDelay = 500 * time.Millisecond
)

// Worker consumes the queue and serializes all session access.
type Worker struct {
	queue     *queue.Queue
	state     *session.State
	ctrl      session.Controller
	responder bridge.Responder
	feed      *capture.Feed // nil when the scrape bridge is active
	cfg       *config.Config
	log       *logging.Logger
	metrics   *monitoring.Metrics

	running atomic.Bool

	lastStreaming   bool
	lastCompletedAt time.Time

	probeInterval time.Duration
}

// New wires a worker. feed may be nil when no capture agent is configured.
func New(q *queue.Queue, st *session.State, ctrl session.Controller, responder bridge.Responder,
	feed *capture.Feed, cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics) *Worker {
	return &Worker{
		queue:         q,
		state:         st,
		ctrl:          ctrl,
		responder:     responder,
		feed:          feed,
		cfg:           cfg,
		log:           log,
		metrics:       metrics,
		probeInterval: defaultProbeInterval,
	}
}

// Alive reports whether the worker loop is running. The admission endpoint
// rejects with 503 while this is false.
func (w *Worker) Alive() bool { return w.running.Load() }

// Run consumes the queue until ctx is cancelled. Intended to be the body of
// one goroutine; the dequeue wait is bounded so shutdown is never stuck
// behind an empty queue.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	w.log.Info("worker started")

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping")
			return
		}

		if marked := w.queue.SweepDisconnected(); marked > 0 {
			w.metrics.QueueCancelled.WithLabelValues("client_gone").Add(float64(marked))
			w.log.Debug("swept disconnected clients from queue", zap.Int("marked", marked))
		}
		w.metrics.QueueDepth.Set(float64(w.queue.Len()))
		w.metrics.UpdateUptime()

		it, ok := w.queue.Dequeue(w.cfg.Queue.DequeuePoll())
		if !ok {
			continue
		}
		w.process(ctx, it)
	}
}

// process runs the full state machine for one dequeued item.
func (w *Worker) process(ctx context.Context, it *queue.Item) {
	log := w.log.WithRequest(it.ReqID)
	w.metrics.QueueWaitTime.Observe(time.Since(it.EnqueuedAt).Seconds())

	// Pre-checks: a cancelled item settled its own promise already.
	if it.Cancelled() {
		log.Info("skipping cancelled request")
		return
	}
	if it.Alive != nil && !it.Alive() {
		log.Info("client disconnected before processing")
		it.MarkDisconnected()
		return
	}

	streaming := it.Streaming()
	log.Info("processing request", zap.Bool("streaming", streaming))

	w.pace(ctx, streaming)

	// The wait above (and the lock wait below) may be long; re-probe.
	if it.Alive != nil && !it.Alive() {
		log.Info("client disconnected while waiting")
		it.MarkDisconnected()
		return
	}

	w.state.Lock()
	w.metrics.WorkerBusy.Set(1)
	started := time.Now()

	func() {
		defer func() {
			w.postProcess(ctx, it.ReqID, log)
			w.metrics.WorkerBusy.Set(0)
			w.state.Unlock()
		}()

		if it.Alive != nil && !it.Alive() {
			log.Info("client disconnected after lock acquisition")
			it.MarkDisconnected()
			return
		}
		if it.Result.Settled() {
			log.Info("promise already settled, skipping")
			return
		}

		err := w.runAttempts(ctx, it, log)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.metrics.RequestErrors.WithLabelValues(errdefs.KindOf(err).String()).Inc()
			if it.Result.SetError(err) {
				log.Error("request failed", zap.Error(err))
			}
		}
	}()

	label := "false"
	if streaming {
		label = "true"
	}
	w.metrics.ProcessDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())

	w.lastStreaming = streaming
	w.lastCompletedAt = time.Now()
}

// pace sleeps between back-to-back streaming requests: if the previous
// streaming request completed under a second ago, wait out the window but
// never less than half a second.
func (w *Worker) pace(ctx context.Context, streaming bool) {
	if !w.lastStreaming || !streaming {
		return
	}
	elapsed := time.Since(w.lastCompletedAt)
	if elapsed >= paceWindow {
		return
	}
	delay := paceWindow - elapsed
	if delay < paceMinDelay {
		delay = paceMinDelay
	}
	w.log.Debug("pacing sequential streaming request", zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// runAttempts is the tiered-recovery loop: up to three attempts, with a page
// reload after the first failure, a profile switch after the second, and an
// immediate profile switch on any quota error regardless of attempt number.
func (w *Worker) runAttempts(ctx context.Context, it *queue.Item, log *logging.Logger) error {
	var stream *bridge.Stream
	var enc *chat.SSEEncoder
	if it.Streaming() {
		model := it.Payload.Model
		if model == "" {
			model = w.state.CurrentModel()
		}
		enc = chat.NewSSEEncoder(it.ReqID, model)
		stream = bridge.NewStream(promise.NewSignal())
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !it.Streaming() && it.Result.Settled() {
			// A watcher settled it mid-retry; nothing left to deliver.
			return nil
		}

		log.Debug("executing attempt", zap.Int("attempt", attempt), zap.Int("max", maxAttempts))
		err := w.attempt(ctx, it, enc, stream)
		if err == nil {
			w.metrics.Attempts.WithLabelValues("success").Inc()
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			// Process shutdown; a clean exit, not a failure to retry.
			return err
		}
		if errdefs.IsTerminal(err) {
			w.metrics.Attempts.WithLabelValues("terminal").Inc()
			return w.settleStreamFailure(it, enc, stream, err)
		}
		w.metrics.Attempts.WithLabelValues("retryable").Inc()
		log.Warn("attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		// Streaming retries are only safe while nothing reached the client.
		if stream != nil && stream.HasContent() {
			return w.settleStreamFailure(it, enc, stream, err)
		}

		// Quota fast-path: rotate the profile now, whatever the attempt number.
		if errdefs.IsQuota(err) {
			log.Warn("quota error detected, switching auth profile")
			if rerr := w.tier2(ctx, it.ReqID, log); rerr != nil {
				return w.settleStreamFailure(it, enc, stream, rerr)
			}
			if attempt == maxAttempts {
				return w.settleStreamFailure(it, enc, stream, err)
			}
			continue
		}

		if attempt == maxAttempts {
			log.Error("all attempts failed")
			return w.settleStreamFailure(it, enc, stream, err)
		}

		switch attempt {
		case 1:
			// Tier 1 failure is non-fatal; retry regardless.
			if rerr := w.tier1(ctx, log); rerr != nil {
				log.Error("tier 1 page reload failed", zap.Error(rerr))
			}
		case 2:
			if rerr := w.tier2(ctx, it.ReqID, log); rerr != nil {
				return w.settleStreamFailure(it, enc, stream, rerr)
			}
		}
	}
	return lastErr
}

// settleStreamFailure turns a terminal error into a terminated stream when
// the promise already carries a stream handle; otherwise the error passes
// through to be set on the promise.
func (w *Worker) settleStreamFailure(it *queue.Item, enc *chat.SSEEncoder, stream *bridge.Stream, err error) error {
	if stream != nil && it.Result.Settled() && !stream.Completion().IsSet() {
		bridge.Abort(stream, enc, it.ReqID, it.Payload, err)
		w.metrics.RequestErrors.WithLabelValues(errdefs.KindOf(err).String()).Inc()
		return nil
	}
	return err
}

// attempt runs one full pipeline pass: model switch, parameter sync, submit,
// then the bridge.
func (w *Worker) attempt(ctx context.Context, it *queue.Item, enc *chat.SSEEncoder, stream *bridge.Stream) error {
	reqID := it.ReqID
	req := it.Payload

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.Session.AwaitCeiling())
	defer cancel()

	model := req.Model
	if model == "" {
		model = w.state.CurrentModel()
	}
	if w.state.NeedsSwitch(model) {
		if err := w.ctrl.SwitchModel(attemptCtx, model); err != nil {
			return w.translate(attemptCtx, reqID, err)
		}
		w.state.SetCurrentModel(model)
	}

	params := session.Params{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	if w.state.ParamsChanged(model, params) {
		if err := w.ctrl.AdjustParameters(attemptCtx, params); err != nil {
			w.state.InvalidateParams()
			return w.translate(attemptCtx, reqID, err)
		}
	}

	if err := w.ctrl.Submit(attemptCtx, reqID, chat.CombinedPrompt(req.Messages)); err != nil {
		return w.translate(attemptCtx, reqID, err)
	}

	if stream != nil {
		return w.streamAttempt(attemptCtx, it, enc, stream, model)
	}
	return w.completeAttempt(attemptCtx, it, model)
}

// streamAttempt hands the stream to the caller (first attempt only), runs
// the frame generator under a disconnect watcher, and finishes or retries.
func (w *Worker) streamAttempt(ctx context.Context, it *queue.Item, enc *chat.SSEEncoder, stream *bridge.Stream, model string) error {
	it.Result.SetValue(bridge.StreamReply(stream))

	// Abort the generator as soon as the completion signal fires, whether
	// from the epilogue or from the watcher.
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stream.Completion().Done():
			cancel()
		case <-genCtx.Done():
		}
	}()

	watcher := watchStreaming(it, stream.Completion(), w.probeInterval)
	defer watcher.Stop()

	err := w.responder.StreamInto(genCtx, enc, it.Payload, it.ReqID, stream)
	if err == nil {
		w.metrics.StreamsCompleted.WithLabelValues(w.bridgeLabel()).Inc()
		return nil
	}
	if stream.Completion().IsSet() {
		// Watcher abort: the client is gone and the stream is already
		// terminated from its point of view.
		return errdefs.ClientGone(it.ReqID, "client disconnected during streaming")
	}
	return w.translate(ctx, it.ReqID, err)
}

// completeAttempt runs the synchronous bridge under a disconnect watcher.
func (w *Worker) completeAttempt(ctx context.Context, it *queue.Item, model string) error {
	watcher := watchResult(it, w.probeInterval)
	defer watcher.Stop()

	comp, err := w.responder.Complete(ctx, it.Payload, it.ReqID, model)
	if err != nil {
		return w.translate(ctx, it.ReqID, err)
	}
	if !it.Result.SetValue(bridge.CompletionReply(comp)) {
		w.log.WithRequest(it.ReqID).Info("promise settled during completion, result dropped")
	}
	return nil
}

// translate maps context expiry onto the typed taxonomy: an attempt deadline
// becomes Timeout, process shutdown stays context.Canceled.
func (w *Worker) translate(ctx context.Context, reqID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return errdefs.Timeout(reqID, "")
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

// tier1 soft-resets the session page. The parameter baseline is gone after
// a reload, so forget it.
func (w *Worker) tier1(ctx context.Context, log *logging.Logger) error {
	log.Info("tier 1 recovery: reloading page")
	w.metrics.Recoveries.WithLabelValues("reload").Inc()
	w.state.InvalidateParams()
	return w.ctrl.ReloadPage(ctx)
}

// tier2 marks the current auth profile failed and reconnects against the
// next one from scratch. Exhausted rotation is fatal.
func (w *Worker) tier2(ctx context.Context, reqID string, log *logging.Logger) error {
	log.Warn("tier 2 recovery: switching auth profile")
	w.metrics.Recoveries.WithLabelValues("profile_switch").Inc()

	profile, err := w.state.Profiles().MarkFailedAndAdvance(reqID)
	if err != nil {
		return err
	}
	w.state.InvalidateParams()
	if err := w.ctrl.Reconnect(ctx, profile); err != nil {
		// A failed reconnect is still a fresh profile; let the retry probe it.
		log.Error("reconnect after profile switch failed", zap.Error(err))
	}
	return nil
}

// postProcess drains capture residue and clears chat history. Failures here
// are logged and swallowed; they must never mask a settled result.
func (w *Worker) postProcess(ctx context.Context, reqID string, log *logging.Logger) {
	if w.feed != nil {
		if cleared := w.feed.Drain(); cleared > 0 {
			w.metrics.CaptureDrained.Add(float64(cleared))
			log.Debug("drained residual capture records", zap.Int("cleared", cleared))
		}
	}
	if w.cfg.Session.ClearHistoryAfterEach {
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := w.ctrl.ClearHistory(clearCtx); err != nil {
			log.Warn("failed to clear chat history", zap.Error(err))
		}
	}
}

func (w *Worker) bridgeLabel() string {
	if w.feed != nil {
		return "capture"
	}
	return "scrape"
}
