// Package api exposes the pipeline's HTTP surface: the inbound webhook
// endpoint and the operational endpoints around the worker pool.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/areahq/area-pipeline/internal/app/webhook"
	"github.com/areahq/area-pipeline/internal/app/worker"
	"github.com/areahq/area-pipeline/internal/config"
	"github.com/areahq/area-pipeline/internal/logger"
	"github.com/areahq/area-pipeline/internal/otel"
)

// Server hosts the webhook and worker operations endpoints.
type Server struct {
	cfg      *config.Config
	logger   *logger.Logger
	router   *chi.Mux
	tracer   trace.Tracer
	ingestor *webhook.Ingestor
	workers  *worker.Service
}

// NewServer builds the HTTP server and its routes.
func NewServer(
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
	ingestor *webhook.Ingestor,
	workers *worker.Service,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		logger:   log,
		router:   r,
		tracer:   tracer,
		ingestor: ingestor,
		workers:  workers,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Post("/hooks/{provider}/{resource}", s.handleWebhook)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Route("/worker", func(r chi.Router) {
			r.Get("/status", s.handleWorkerStatus)
			r.Get("/statistics", s.handleStatistics)
			r.Get("/stream-info", s.handleStreamInfo)
			r.Post("/executions/{id}/cancel", s.handleCancelExecution)
			r.Post("/initialize-stream", s.handleInitializeStream)
			r.Post("/test-event", s.handleTestEvent)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", s.cfg.API.Host, s.cfg.API.Port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server",
		"addr", server.Addr,
		"service", "area-pipeline",
	)

	return server.ListenAndServe()
}
