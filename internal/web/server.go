// Package web serves the HTTP API and the websocket event stream.
package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"zigbee-actions/internal/automation"
	"zigbee-actions/internal/coordinator"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithJWTSecret enables HS256 bearer token authentication.
func WithJWTSecret(secret string) ServerOption {
	return func(s *Server) {
		s.jwtSecret = []byte(secret)
	}
}

// WithAllowedOrigins sets the CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the script endpoints.
func WithAutomation(engine *automation.Engine) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API server.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	router         chi.Router
	apiKey         string
	jwtSecret      []byte
	allowedOrigins []string
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:   coord,
		logger:  logger.With("component", "web"),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Subscribe to all coordinator events and broadcast via WebSocket
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         3600,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/version", s.handleAPIVersion)
		r.Get("/actions", s.handleAPIListActions)
		r.Post("/actions/{name}", s.handleAPIRunAction)
		r.Get("/history", s.handleAPIListHistory)
		r.Get("/history/{id}", s.handleAPIGetInvocation)
		r.Get("/network", s.handleAPINetwork)
		r.Get("/touchlink", s.handleAPITouchlink)
		r.Get("/clusters", s.handleAPIListClusters)
		r.Get("/scripts", s.handleAPIListScripts)
		r.Post("/scripts/{id}/run", s.handleAPIRunScript)
	})

	// Browsers cannot set headers on a WebSocket upgrade; the origin check
	// in handleWS applies instead.
	r.Get("/ws", s.handleWS)

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
