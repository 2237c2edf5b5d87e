// Package server wires the HTTP router, middleware, and request handlers
// that expose the dispatch engine as an Anthropic-compatible Messages API.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/antiproxy/antiproxy/internal/account"
	"github.com/antiproxy/antiproxy/internal/config"
	"github.com/antiproxy/antiproxy/internal/dispatch"
)

// Server holds the HTTP router and the dependencies handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	engine *dispatch.Engine
	pool   *account.Pool
	log    *zap.Logger

	models []ModelInfo
}

// New builds a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, engine *dispatch.Engine, pool *account.Pool, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, engine: engine, pool: pool, log: log, models: SupportedModels}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(zapRequestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.requireClientToken)
		r.Post("/v1/messages", s.handleMessages)
		r.Get("/v1/models", s.handleModels)
		r.Get("/v1/accounts", s.handleAccounts)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// zapRequestLogger logs one line per request at Info level, in the shape
// chi's own middleware.Logger uses, but through the structured logger the
// rest of the gateway writes through.
func zapRequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
