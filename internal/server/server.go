package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/aistudioproxy/gateway/internal/api/http"
	"github.com/aistudioproxy/gateway/internal/api/middleware"
	"github.com/aistudioproxy/gateway/internal/bridge"
	"github.com/aistudioproxy/gateway/internal/capture"
	"github.com/aistudioproxy/gateway/internal/infrastructure/config"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
	"github.com/aistudioproxy/gateway/internal/infrastructure/monitoring"
	"github.com/aistudioproxy/gateway/internal/queue"
	"github.com/aistudioproxy/gateway/internal/session"
	"github.com/aistudioproxy/gateway/internal/worker"
)

// Server wires the whole pipeline and runs its HTTP surfaces: the main API
// server and, when a capture agent is configured, the agent ingest listener.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	queue  *queue.Queue
	state  *session.State
	ctrl   session.Controller
	feed   *capture.Feed
	worker *worker.Worker

	api     *http.Server
	ingest  *http.Server
	stopWkr context.CancelFunc
}

// New builds the server from configuration. The controller is injected so
// tests can run the full pipeline against a fake session.
func New(cfg *config.Config, ctrl session.Controller, log *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()

	profiles, err := session.LoadProfiles(cfg.Auth.ProfileDir, cfg.Auth.ActiveProfile)
	if err != nil {
		return nil, fmt.Errorf("load auth profiles: %w", err)
	}
	manifest, err := session.LoadManifest(cfg.Session.ModelManifest)
	if err != nil {
		return nil, fmt.Errorf("load model manifest: %w", err)
	}

	st := session.NewState(cfg.Session.DefaultModel, profiles)
	q := queue.New(cfg.Queue.Capacity)

	// Bridge selection happens once per process: capture when an agent port
	// is configured, scrape otherwise.
	var feed *capture.Feed
	var responder bridge.Responder
	if cfg.Capture.Enabled() {
		feed = capture.NewFeed(cfg.Capture.Buffer, log)
		feed.CountWith(metrics.CaptureRecords)
		responder = bridge.NewCaptureBridge(feed, log)
		log.Info("using capture bridge", zap.Int("ingest_port", cfg.Capture.StreamPort))
	} else {
		responder = bridge.NewScrapeBridge(ctrl, log)
		log.Info("using scrape bridge")
	}

	wkr := worker.New(q, st, ctrl, responder, feed, cfg, log, metrics)
	handlers := apihttp.NewHandlers(q, st, ctrl, wkr, manifest, feed, cfg, log, metrics)

	router := newRouter(cfg, handlers, metrics)

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		queue:   q,
		state:   st,
		ctrl:    ctrl,
		feed:    feed,
		worker:  wkr,
		api: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if feed != nil {
		ingestMux := http.NewServeMux()
		ingestMux.HandleFunc("/internal/capture", feed.HandleAgent)
		s.ingest = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Capture.StreamPort)),
			Handler:           ingestMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// newRouter assembles the gin middleware stack and route table.
func newRouter(cfg *config.Config, handlers *apihttp.Handlers, metrics *monitoring.Metrics) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(monitoring.Middleware(metrics))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", middleware.Auth(cfg.Server.APIKeys))
	v1.POST("/chat/completions", handlers.ChatCompletions)
	v1.POST("/cancel/:req_id", handlers.Cancel)
	v1.GET("/queue", handlers.QueueStatus)
	v1.GET("/models", handlers.Models)

	return router
}

// Run starts the worker and both listeners, blocking until one fails.
func (s *Server) Run() error {
	workerCtx, cancel := context.WithCancel(context.Background())
	s.stopWkr = cancel
	go s.worker.Run(workerCtx)

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("api server listening", zap.String("addr", s.api.Addr))
		if err := s.api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.ingest != nil {
		go func() {
			s.log.Info("capture ingest listening", zap.String("addr", s.ingest.Addr))
			if err := s.ingest.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	return <-errCh
}

// Shutdown stops the worker, drains the listeners, and closes the feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	if s.stopWkr != nil {
		s.stopWkr()
	}

	var firstErr error
	if err := s.api.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.ingest != nil {
		if err := s.ingest.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.feed != nil {
		s.feed.Close()
	}
	return firstErr
}
