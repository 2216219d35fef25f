package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/bulk"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/clock"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/config"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/ipfilter"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/metrics"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/scheduler"
)

// DestinationService manages the destination registry
type DestinationService interface {
	Add(d destination.Destination) (destination.Destination, error)
	Update(id string, u destination.Update) (destination.Destination, error)
	SetEnabled(id string, enabled bool) (destination.Destination, error)
	Remove(id string) error
	Get(id string) (destination.Destination, error)
	List() []destination.Destination
}

// QueueService controls the dispatch queue
type QueueService interface {
	Enqueue(items ...dispatch.Item) []dispatch.Item
	SetInterval(d time.Duration)
	Start() error
	Stop() bool
	Clear()
	Status() dispatch.Status
	Items() []dispatch.Item
}

// BulkService runs bulk recipient jobs
type BulkService interface {
	Start(raw, body string, interval time.Duration) (bulk.Job, error)
	Stop() bool
	Snapshot() (bulk.Job, bool)
}

// ScheduleService manages scheduled entries
type ScheduleService interface {
	Schedule(payload dispatch.Item, at time.Time, rec *scheduler.Recurrence) (scheduler.Entry, error)
	Cancel(id string) (scheduler.Entry, error)
	Get(id string) (scheduler.Entry, error)
	List(f scheduler.Filter) []scheduler.Entry
}

// Services are the engines exposed by the API
type Services struct {
	Destinations DestinationService
	Queue        QueueService
	Bulk         BulkService
	Scheduler    ScheduleService
	Clock        clock.Clock

	// BulkInterval is used when a bulk request names no interval
	BulkInterval time.Duration
	Version      string
}

// Server is the HTTP control API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	svc        Services
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(svc Services, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if svc.Clock == nil {
		svc.Clock = clock.Real()
	}
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		config:    cfg,
		filter:    ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.HTTPMiddleware)
		r.Use(s.authMiddleware)

		r.Route("/destinations", func(r chi.Router) {
			r.Get("/", s.handleListDestinations)
			r.Post("/", s.handleCreateDestination)
			r.Get("/{id}", s.handleGetDestination)
			r.Patch("/{id}", s.handleUpdateDestination)
			r.Delete("/{id}", s.handleDeleteDestination)
			r.Post("/{id}/enable", s.handleEnableDestination)
			r.Post("/{id}/disable", s.handleDisableDestination)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueStatus)
			r.Delete("/", s.handleQueueClear)
			r.Post("/items", s.handleQueueEnqueue)
			r.Put("/interval", s.handleQueueInterval)
			r.Post("/start", s.handleQueueStart)
			r.Post("/stop", s.handleQueueStop)
		})

		r.Route("/bulk", func(r chi.Router) {
			r.Get("/", s.handleBulkStatus)
			r.Post("/", s.handleBulkStart)
			r.Post("/stop", s.handleBulkStop)
			r.Post("/parse", s.handleBulkParse)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Get("/{id}", s.handleGetSchedule)
			r.Post("/{id}/cancel", s.handleCancelSchedule)
		})
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
