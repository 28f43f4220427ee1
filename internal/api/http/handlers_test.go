package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudioproxy/gateway/internal/api/middleware"
	"github.com/aistudioproxy/gateway/internal/bridge"
	"github.com/aistudioproxy/gateway/internal/capture"
	"github.com/aistudioproxy/gateway/internal/chat"
	"github.com/aistudioproxy/gateway/internal/infrastructure/config"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
	"github.com/aistudioproxy/gateway/internal/infrastructure/monitoring"
	"github.com/aistudioproxy/gateway/internal/queue"
	"github.com/aistudioproxy/gateway/internal/session"
	"github.com/aistudioproxy/gateway/internal/worker"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *monitoring.Metrics
)

// Prometheus collectors register globally, so all tests share one instance.
func testMetrics() *monitoring.Metrics {
	metricsOnce.Do(func() { sharedMetrics = monitoring.NewMetrics() })
	return sharedMetrics
}

// fakeCtrl is a ready session that records nothing; the capture feed supplies
// response records.
type fakeCtrl struct {
	ready bool
}

func (c *fakeCtrl) IsReady(context.Context) bool                           { return c.ready }
func (c *fakeCtrl) Submit(context.Context, string, string) error           { return nil }
func (c *fakeCtrl) SwitchModel(context.Context, string) error              { return nil }
func (c *fakeCtrl) AdjustParameters(context.Context, session.Params) error { return nil }
func (c *fakeCtrl) ClearHistory(context.Context) error                     { return nil }
func (c *fakeCtrl) ReloadPage(context.Context) error                       { return nil }
func (c *fakeCtrl) Reconnect(context.Context, string) error                { return nil }
func (c *fakeCtrl) AwaitFinalContent(context.Context, string) (string, error) {
	return "", nil
}

type pipeline struct {
	router *gin.Engine
	queue  *queue.Queue
	feed   *capture.Feed
	ctrl   *fakeCtrl
	worker *worker.Worker
	cancel context.CancelFunc
}

func newPipeline(t *testing.T, startWorker bool) *pipeline {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1.json"), []byte("{}"), 0o644))

	cfg := config.Default()
	cfg.Queue.DequeuePollMS = 20
	cfg.Session.CompletionTimeoutMS = 5000
	cfg.Session.ClearHistoryAfterEach = false
	cfg.Auth.ProfileDir = dir

	log := logging.NewNop()
	metrics := testMetrics()

	profiles, err := session.LoadProfiles(dir, "")
	require.NoError(t, err)
	manifest := &session.Manifest{Models: []session.ModelInfo{{ID: "gemini-2.5-pro"}}}

	st := session.NewState(cfg.Session.DefaultModel, profiles)
	q := queue.New(cfg.Queue.Capacity)
	feed := capture.NewFeed(64, log)
	responder := bridge.NewCaptureBridge(feed, log)

	ctrl := &fakeCtrl{ready: true}
	wkr := worker.New(q, st, ctrl, responder, feed, cfg, log, metrics)
	handlers := NewHandlers(q, st, ctrl, wkr, manifest, feed, cfg, log, metrics)

	router := gin.New()
	router.GET("/health", handlers.Health)
	v1 := router.Group("/v1")
	v1.POST("/chat/completions", handlers.ChatCompletions)
	v1.POST("/cancel/:req_id", handlers.Cancel)
	v1.GET("/queue", handlers.QueueStatus)
	v1.GET("/models", handlers.Models)

	p := &pipeline{router: router, queue: q, feed: feed, ctrl: ctrl, worker: wkr}
	if startWorker {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go wkr.Run(ctx)
		require.Eventually(t, wkr.Alive, time.Second, 5*time.Millisecond)
		t.Cleanup(cancel)
	}
	return p
}

func post(t *testing.T, router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestChatCompletionNonStreaming(t *testing.T) {
	p := newPipeline(t, true)
	p.feed.Push(capture.Record{Body: "4"})
	p.feed.Push(capture.Record{Done: true, Body: "4"})

	w := post(t, p.router, "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"2+2?"}]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var comp chat.Completion
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &comp))
	require.Len(t, comp.Choices, 1)
	assert.Equal(t, "4", *comp.Choices[0].Message.Content)
	assert.Equal(t, "chat.completion", comp.Object)
}

func TestChatCompletionStreaming(t *testing.T) {
	p := newPipeline(t, true)
	p.feed.Push(capture.Record{Body: "Hel"})
	p.feed.Push(capture.Record{Body: "Hello"})
	p.feed.Push(capture.Record{Done: true, Body: "Hello"})

	w := post(t, p.router, "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"greet"}]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Contains(t, body, `"Hel"`)
	assert.Contains(t, body, `"lo"`)
}

func TestRejectsWhenSessionNotReady(t *testing.T) {
	p := newPipeline(t, true)
	p.ctrl.ready = false

	w := post(t, p.router, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRejectsWhenWorkerDead(t *testing.T) {
	p := newPipeline(t, false)

	w := post(t, p.router, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRejectsMalformedBody(t *testing.T) {
	p := newPipeline(t, true)

	w := post(t, p.router, "/v1/chat/completions", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "messages")
}

func TestRejectsUnknownModel(t *testing.T) {
	p := newPipeline(t, true)

	w := post(t, p.router, "/v1/chat/completions",
		`{"model":"gpt-17","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown model")
}

func TestCancelQueuedRequest(t *testing.T) {
	// Worker not running, so the enqueued item stays queued.
	p := newPipeline(t, false)
	it := queue.NewItem("req4242", &chat.Request{}, func() bool { return true })
	require.NoError(t, p.queue.Enqueue(it))

	w := post(t, p.router, "/v1/cancel/req4242", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, it.Cancelled())

	// Second cancel finds nothing cancellable.
	w = post(t, p.router, "/v1/cancel/req4242", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelUnknownRequest(t *testing.T) {
	p := newPipeline(t, false)
	w := post(t, p.router, "/v1/cancel/nothere", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStatus(t *testing.T) {
	p := newPipeline(t, false)
	it := queue.NewItem("req9999", &chat.Request{Stream: true}, func() bool { return true })
	require.NoError(t, p.queue.Enqueue(it))

	w := get(t, p.router, "/v1/queue")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		QueueLength  int  `json:"queue_length"`
		IsProcessing bool `json:"is_processing"`
		Items        []struct {
			ReqID     string `json:"req_id"`
			Streaming bool   `json:"streaming"`
		} `json:"items"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.QueueLength)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "req9999", body.Items[0].ReqID)
	assert.True(t, body.Items[0].Streaming)
}

func TestModelsListsManifestAndCurrent(t *testing.T) {
	p := newPipeline(t, false)

	w := get(t, p.router, "/v1/models")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	ids := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "gemini-2.5-pro")
}

func TestHealthDegradedWithoutWorker(t *testing.T) {
	p := newPipeline(t, false)
	w := get(t, p.router, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestHealthOK(t *testing.T) {
	p := newPipeline(t, true)
	w := get(t, p.router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"worker_alive":true`)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.Auth([]string{"sk-test"}))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("x-api-key", "sk-test")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
