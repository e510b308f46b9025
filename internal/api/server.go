// Package api exposes the widget engine over HTTP: widget reads, a
// websocket live channel, change hooks and raw event ingestion.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/event"
	"github.com/Frowell/Flowforge-sub002/internal/store"
	"github.com/Frowell/Flowforge-sub002/internal/widget"
)

// WidgetService is the widget data service as seen by the transport.
type WidgetService interface {
	GetWidgetData(ctx context.Context, widgetID string, opts widget.ReadOptions) (*widget.Data, error)
	HandleGraphChange(ctx context.Context, workflowID string, changedNodeIDs []string) ([]string, error)
	HandleSchemaChange(ctx context.Context, sourceRef string) ([]string, error)
}

// Ingester accepts raw events.
type Ingester interface {
	Ingest(ctx context.Context, events []store.RawEvent) (int, error)
}

// Watcher opens live refresh subscriptions.
type Watcher interface {
	Subscribe(tenantID uuid.UUID, widgetID string) *event.Subscription
}

// Config tunes the HTTP server.
type Config struct {
	CORSOrigins  []string
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	// MaxIngestBatch bounds the events accepted by one POST.
	MaxIngestBatch int
}

// Server is the HTTP front of the engine.
type Server struct {
	widgets  WidgetService
	ingester Ingester
	watcher  Watcher
	cfg      Config
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	// stop is closed on shutdown to end live connections, which
	// http.Server.Shutdown does not track once hijacked.
	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates the HTTP server.
func NewServer(widgets WidgetService, ingester Ingester, watcher Watcher, cfg Config, logger *zap.SugaredLogger) *Server {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxIngestBatch <= 0 {
		cfg.MaxIngestBatch = 10000
	}
	return &Server{
		widgets:  widgets,
		ingester: ingester,
		watcher:  watcher,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = s.cfg.CORSOrigins
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", tenantHeader}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(s.requireTenant())
	{
		v1.GET("/widgets/:id/data", s.getWidgetData)
		v1.GET("/widgets/:id/live", s.liveWidget)
		v1.POST("/hooks/graph-changed", s.graphChanged)
		v1.POST("/hooks/schema-changed", s.schemaChanged)
		v1.POST("/events", s.ingestEvents)
	}
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server...")
	s.stopOnce.Do(func() { close(s.stop) })
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
