// Package api serves the document pipeline HTTP surface: output requests,
// status and coverage reads, topic location, and the server-sent event
// stream. Trusted Connect RPC handlers are mounted on the same router
// behind the service-token guard.
package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/docpipe/internal/notify"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/outputs"
)

const defaultRequestTimeout = 60 * time.Second

// Config carries the router-level settings.
type Config struct {
	Auth AuthConfig
	// RequestTimeout bounds every request except the event stream.
	RequestTimeout time.Duration
	// RPCHandlers maps Connect procedure paths to their handlers. They are
	// mounted behind the service-token guard.
	RPCHandlers map[string]http.Handler
}

// Server wires the outputs service and the event subscriber into HTTP
// handlers.
type Server struct {
	cfg        Config
	svc        *outputs.Service
	subscriber notify.Subscriber
	db         *sql.DB
	logger     *observability.Logger
}

// NewServer creates a Server. subscriber may be nil, in which case the event
// stream endpoint reports unavailable and clients fall back to polling. db is
// only used for the readiness probe.
func NewServer(cfg Config, svc *outputs.Service, subscriber notify.Subscriber, db *sql.DB, logger *observability.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Server{
		cfg:        cfg,
		svc:        svc,
		subscriber: subscriber,
		db:         db,
		logger:     logger.WithComponent("api"),
	}
}

// Router builds the chi router with all routes and middleware attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(traceContext)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Auth(s.cfg.Auth))
		r.Route("/documents/{documentID}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))
				r.Post("/outputs", s.handleRequestOutput)
				r.Get("/outputs", s.handleListOutputs)
				r.Get("/outputs/{outputType}", s.handleGetOutput)
				r.Get("/coverage", s.handleCoverage)
				r.Get("/pages", s.handlePages)
				r.Get("/locate", s.handleLocate)
			})
			// Long lived, so it stays outside the timeout group.
			r.Get("/events", s.handleEvents)
		})
	})

	if len(s.cfg.RPCHandlers) > 0 {
		r.Group(func(r chi.Router) {
			r.Use(Auth(s.cfg.Auth), RequireService)
			for path, handler := range s.cfg.RPCHandlers {
				r.Handle(path, handler)
			}
		})
	}

	return r
}

// traceContext lifts chi's request id into the logger context so request
// scoped log lines carry it as the trace id.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
			ctx = observability.ContextWithTraceID(ctx, reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "docpipe",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
