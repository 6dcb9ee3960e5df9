package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/engine"
)

// Server is the memcore HTTP API server.
type Server struct {
	engine      *engine.Engine
	router      chi.Router
	logger      *zap.Logger
	corsOrigins []string
	version     string
	started     time.Time
}

type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithCORS allows cross-origin requests from origins.
func WithCORS(origins []string) Option { return func(s *Server) { s.corsOrigins = origins } }

// New creates a new Server over eng.
func New(eng *engine.Engine, version string, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		logger:  zap.NewNop(),
		version: version,
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/search", s.handleSearch)
		r.Get("/context", s.handleGetContext)
		r.Handle("/metrics", s.engine.Metrics.Handler())

		r.Post("/memories", s.handleCreateMemory)
		r.Route("/memories/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetMemory)
			r.Post("/access", s.handleAccess)
			r.Post("/lifecycle", s.handleSetLifecycle)
			r.Get("/history", s.handleHistory)
			r.Post("/undo", s.handleUndo)
			r.Post("/rating", s.handleRate)
			r.Post("/obsolete", s.handleObsolete)
			r.Get("/related-at", s.handleRelatedAt)
		})

		r.Get("/lifecycle/stats", s.handleLifecycleStats)
		r.Post("/consolidation/run", s.handleRunConsolidation)
		r.Get("/consolidation/preview", s.handlePreviewConsolidation)
		r.Get("/quality/stats", s.handleQualityStats)
		r.Get("/temporal/valid-at", s.handleValidAt)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleClearCache)
		r.Post("/jobs/{name}/run", s.handleRunJob)
	})

	s.router = r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.engine.DB.PingContext(r.Context()) == nil

	embedder := ""
	if s.engine.Embedder != nil {
		embedder = s.engine.Embedder.Model()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"db":       dbOK,
		"db_path":  s.engine.DB.Path,
		"embedder": embedder,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
