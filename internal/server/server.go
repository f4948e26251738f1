// Package server sets up the HTTP server and background sweeps.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/veriflow-pay/veriflow/internal/chain"
	"github.com/veriflow-pay/veriflow/internal/config"
	"github.com/veriflow-pay/veriflow/internal/idgen"
	"github.com/veriflow-pay/veriflow/internal/invoice"
	"github.com/veriflow-pay/veriflow/internal/logging"
	"github.com/veriflow-pay/veriflow/internal/merchant"
	"github.com/veriflow-pay/veriflow/internal/metrics"
	"github.com/veriflow-pay/veriflow/internal/realtime"
	"github.com/veriflow-pay/veriflow/internal/reconcile"
	"github.com/veriflow-pay/veriflow/internal/traces"
	"github.com/veriflow-pay/veriflow/internal/validate"
	"github.com/veriflow-pay/veriflow/internal/webhook"
)

// Server wraps the HTTP server and the engine's moving parts.
type Server struct {
	cfg *config.Config

	invoiceService  *invoice.Service
	merchantService *merchant.Service
	coordinator     *reconcile.Service
	scanTimer       *reconcile.Timer
	dispatchTimer   *webhook.Timer
	hub             *realtime.Hub

	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server) error

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// ledgerClient is swappable so tests can run against a fake ledger.
var newLedgerClient = func(cfg *config.Config) chain.Client {
	return chain.NewRPCClient(cfg.RPCURL, cfg.Commitment)
}

// New creates a server instance with all dependencies wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()

	var invoiceStore invoice.Store
	var merchantStore merchant.Store
	var eventStore webhook.Store

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		invStore := invoice.NewPostgresStore(db)
		if err := invStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate invoice store", "error", err)
		}
		mchStore := merchant.NewPostgresStore(db)
		if err := mchStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate merchant store", "error", err)
		}
		evtStore := webhook.NewPostgresStore(db)
		if err := evtStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		invoiceStore, merchantStore, eventStore = invStore, mchStore, evtStore
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		invoiceStore = invoice.NewMemoryStore()
		merchantStore = merchant.NewMemoryStore()
		eventStore = webhook.NewMemoryStore()
	}

	s.merchantService = merchant.NewService(merchantStore)
	enqueuer := webhook.NewEnqueuer(eventStore, s.merchantService, s.logger)
	s.invoiceService = invoice.NewService(invoiceStore, s.logger).WithSink(enqueuer)

	scanner := chain.NewScanner(newLedgerClient(cfg), cfg.SignatureScan, s.logger)
	validator := validate.New(cfg.ToleranceBps)
	s.coordinator = reconcile.NewService(invoiceStore, scanner, validator, enqueuer, s.logger)
	s.scanTimer = reconcile.NewTimer(s.coordinator, cfg.ScanInterval, s.logger)

	dispatcher := webhook.NewDispatcher(eventStore, s.merchantService, cfg.WebhookTimeout, cfg.DispatchBatch, s.logger)
	s.dispatchTimer = webhook.NewTimer(dispatcher, cfg.DispatchInterval, s.logger)

	s.hub = realtime.NewHub(s.logger)
	s.coordinator.OnInvoiceResolved(s.hub.InvoiceResolved)

	s.setupRouter(eventStore)
	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupRouter(eventStore webhook.Store) {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(metrics.Middleware())

	r.GET("/health", func(c *gin.Context) {
		if !s.healthy.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ready",
			"scanning":    s.scanTimer.Running(),
			"dispatching": s.dispatchTimer.Running(),
		})
	})
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", s.hub.ServeWS)

	api := r.Group("/api/v1")
	invoice.NewHandler(s.invoiceService).RegisterRoutes(api)
	merchant.NewHandler(s.merchantService).RegisterRoutes(api)
	webhook.NewHandler(eventStore).RegisterRoutes(api)

	s.router = r
}

// Run starts background sweeps and serves HTTP until a signal or context
// cancellation, then shuts down cleanly: new work stops being scheduled,
// in-flight I/O completes.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	go s.hub.Run(runCtx)
	go s.scanTimer.Start(runCtx)
	go s.dispatchTimer.Start(runCtx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.ready.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", "context cancelled")
	}

	s.ready.Store(false)
	s.scanTimer.Stop()
	s.dispatchTimer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
	if err := shutdownTraces(shutdownCtx); err != nil {
		s.logger.Warn("trace shutdown error", "error", err)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = idgen.Hex(8)
		}
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), reqID))
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
