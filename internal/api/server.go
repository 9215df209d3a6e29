// Package api exposes the MedStaff services over HTTP and websockets.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"medstaff/internal/auth"
	"medstaff/internal/chat"
	"medstaff/internal/crm"
	"medstaff/internal/dashboard"
	"medstaff/internal/finance"
	"medstaff/internal/hr"
	"medstaff/internal/notify"
	"medstaff/internal/observability/metrics"
	"medstaff/internal/timetrack"
	"medstaff/pkg/logger"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the domain services the API serves. Auth is required; a nil
// domain service leaves its routes unmounted.
type Services struct {
	Auth      *auth.Service
	CRM       *crm.Service
	HR        *hr.Service
	Time      *timetrack.Service
	Finance   *finance.Service
	Chat      *chat.Service
	Notify    *notify.Service
	Dashboard *dashboard.Service
	DB        Pinger
}

// Config controls the HTTP listener.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// Server serves the REST API under /api/v1.
type Server struct {
	cfg     Config
	svc     Services
	handler http.Handler
	logger  *slog.Logger
}

// NewServer builds the router.
func NewServer(cfg Config, svc Services) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, svc: svc, logger: logger.Named("api")}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.cors())
	r.Use(observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(s.tokenFromQuery)
			r.Use(s.svc.Auth.Middleware(auth.MiddlewareConfig{OnError: s.writeError}))
			r.Get("/me", s.handleMe)
			r.Route("/users", s.userRoutes)
			if s.svc.CRM != nil {
				r.Route("/crm", s.crmRoutes)
			}
			if s.svc.HR != nil {
				r.Route("/hr", s.hrRoutes)
			}
			if s.svc.Time != nil {
				r.Route("/time", s.timeRoutes)
			}
			if s.svc.Finance != nil {
				r.Route("/finance", s.financeRoutes)
			}
			if s.svc.Chat != nil {
				r.Route("/chat", s.chatRoutes)
			}
			if s.svc.Notify != nil {
				r.Route("/notifications", s.notificationRoutes)
			}
			if s.svc.Dashboard != nil {
				r.With(s.require(auth.PermDashboardRead)).Get("/dashboard", s.handleDashboard)
			}
		})
	})
	return r
}

func (s *Server) require(perms ...auth.Permission) func(http.Handler) http.Handler {
	return auth.Require(s.writeError, perms...)
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api listening", "address", s.cfg.Address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.svc.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.DB.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

// observe records request metrics under the matched route pattern so ids do
// not explode label cardinality.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
					Code:    "UNKNOWN",
					Message: http.StatusText(http.StatusInternalServerError),
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors() func(http.Handler) http.Handler {
	origins := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         600,
	}).Handler
}

// tokenFromQuery lets browser websocket clients, which cannot set headers,
// pass the bearer token as access_token.
func (s *Server) tokenFromQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		next.ServeHTTP(w, r)
	})
}
