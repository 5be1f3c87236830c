package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"reversal-core/internal/events"
	"reversal-core/internal/journal"
	"reversal-core/internal/monitor"
	"reversal-core/internal/readiness"
	"reversal-core/internal/scanner"
	"reversal-core/internal/supervisor"
	"reversal-core/pkg/db"
)

// Controller is the scanner control surface.
type Controller interface {
	Start(ctx context.Context, t supervisor.Triple) error
	Stop(ctx context.Context, t supervisor.Triple) error
	Status(t supervisor.Triple) scanner.Status
	List() []scanner.Status
	Logs(t supervisor.Triple, limit int) []journal.Entry
	Readiness(ctx context.Context, t supervisor.Triple) readiness.Snapshot
	CurrentPrice(ctx context.Context, t supervisor.Triple) (float64, error)
}

// OrderReader lists recent orders.
type OrderReader interface {
	RecentOrders(ctx context.Context, userID string, window time.Duration) ([]db.Order, error)
}

// Server wires HTTP endpoints around the scanner supervisor and the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Scanners  Controller
	Orders    OrderReader
	Metrics   *monitor.SystemMetrics
	Meta      SystemMeta
	logger    zerolog.Logger
	startedAt time.Time
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun   bool     `json:"dry_run"`
	DBDriver string   `json:"db_driver"`
	Envs     []string `json:"envs"`
	Version  string   `json:"version"`
}

func NewServer(scanners Controller, orders OrderReader, bus *events.Bus, metrics *monitor.SystemMetrics, meta SystemMeta, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(Recovery(logger))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(newIPLimiters(20, 50)))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Scanners:  scanners,
		Orders:    orders,
		Metrics:   metrics,
		Meta:      meta,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)
		api.GET("/orders", s.getOrders)

		api.GET("/scanners", s.listScanners)
		sc := api.Group("/scanners/:symbol/:timeframe/:env")
		sc.Use(tripleMiddleware())
		{
			sc.POST("/start", s.startScanner)
			sc.POST("/stop", s.stopScanner)
			sc.GET("/status", s.scannerStatus)
			sc.GET("/logs", s.scannerLogs)
			sc.GET("/readiness", s.scannerReadiness)
			sc.GET("/price", s.scannerPrice)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HTTPServer returns a server for addr; the caller owns ListenAndServe and Shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
