package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/service"
)

// maxBodyBytes bounds request bodies; batch requests are the largest.
const maxBodyBytes = 32 << 20

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *service.Service, backends service.Backends, version string) *Server {
	handler := NewHandler(svc, backends, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))
	router.Use(BodyLimitMiddleware(maxBodyBytes))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Scoring
	router.Post("/score", handler.Score)
	router.Post("/score/batch", handler.ScoreBatch)
	router.Get("/scores/{txId}", handler.GetScore)

	// Learning
	router.Post("/feedback", handler.Feedback)
	router.Post("/feedback/flush", handler.FlushFeedback)
	router.Get("/weights", handler.GetWeights)
	router.Post("/weights/{rule}/reset", handler.ResetWeight)
	router.Get("/metrics", handler.Metrics)

	router.Route("/candidates", func(r chi.Router) {
		r.Get("/", handler.ListCandidates)
		r.Post("/{id}/approve", handler.ApproveCandidate)
		r.Post("/{id}/reject", handler.RejectCandidate)
	})

	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/reload", handler.ReloadRules)
	})

	router.Get("/vendors/blacklist", handler.ListVendors)
	router.Post("/vendors/blacklist", handler.BlacklistVendor)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
