// Package api serves the REST interface of a running simulation: live
// status, control of devices and gateways, and the stored history.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/auth"
	"github.com/lorawan-server/lorawan-classb/internal/config"
	"github.com/lorawan-server/lorawan-classb/internal/sim"
	"github.com/lorawan-server/lorawan-classb/internal/stats"
	"github.com/lorawan-server/lorawan-classb/internal/storage"
	"github.com/lorawan-server/lorawan-classb/internal/validation"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// Simulator is the running simulation as seen by the API.
type Simulator interface {
	RunID() uuid.UUID
	Status() sim.Status
	Summary() stats.Summary
	Devices() []sim.DeviceStatus
	Device(addr lorawan.DevAddr) (sim.DeviceStatus, error)
	SetDeviceClass(addr lorawan.DevAddr, class lorawan.DeviceClass) error
	RequestPingSlotInfo(addr lorawan.DevAddr, periodicity uint8) error
	SetGatewayBeacon(id string, enabled bool) error
}

var _ Simulator = (*sim.Simulation)(nil)

type contextKey string

const claimsKey contextKey = "claims"

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	sim       Simulator
	store     storage.Store
	auth      *auth.JWTManager
	validator *validation.Validator
	metrics   http.Handler
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server. Metrics are served from
// gatherer, the default registry when nil.
func NewRESTServer(cfg *config.Config, s Simulator, store storage.Store, gatherer prometheus.Gatherer) (*RESTServer, error) {
	jwtManager, err := auth.NewJWTManager(cfg.JWT, cfg.API)
	if err != nil {
		return nil, err
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	srv := &RESTServer{
		config:    cfg,
		sim:       s,
		store:     store,
		auth:      jwtManager,
		validator: validation.NewValidator(),
		metrics:   promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		router:    chi.NewRouter(),
	}

	srv.setupRoutes()

	srv.server = &http.Server{
		Addr:         cfg.API.Addr(),
		Handler:      srv.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

// Handler returns the routed handler.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	origins := s.config.API.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: origins[0] != "*",
		MaxAge:           300,
	}))

	s.router.Get("/health", s.HandleHealth)
	s.router.Handle("/metrics", s.metrics)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe serves until Shutdown. It returns nil after a shutdown.
func (s *RESTServer) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting REST API server")
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger logs every request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware lets only admin tokens change the simulation.
func (s *RESTServer) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
		if !ok || !claims.IsAdmin() {
			s.respondError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
