package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/seantiz/forge/internal/auth"
	"github.com/seantiz/forge/internal/contract"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Contracts *contract.Service
	Handlers  handler.Set
	Fanout    *events.Fanout
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	engine    *engine.Engine
	contracts *contract.Service
	handlers  handler.Set
	fanout    *events.Fanout
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     d.Store,
		engine:    d.Engine,
		contracts: d.Contracts,
		handlers:  d.Handlers,
		fanout:    d.Fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", auth.HeaderSubject, auth.HeaderRoles},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	srv.router.Use(auth.Middleware)

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/handlers", s.handleListHandlers)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/agents", s.handleListAgents)
	s.router.Post("/v1/goals", s.handleSubmitGoal)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetExecution)
			r.Get("/steps", s.handleListSteps)
			r.Post("/run", s.handleRunExecution)
			r.Get("/events", s.handleStreamEvents)
			r.Get("/ws", s.handleWebSocket)
			r.Get("/contracts", s.handleListContracts)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Post("/rerun", s.handleRerunExecution)
				r.Post("/abort", s.handleAbortExecution)
				r.Delete("/", s.handlePurgeExecution)
			})
		})
	})

	s.router.Route("/v1/contracts", func(r chi.Router) {
		r.Post("/", s.handleCreateContract)
		r.Get("/{id}/messages", s.handleListMessages)
		r.Post("/{id}/messages", s.handleSendMessage)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"subject", auth.FromContext(r.Context()).Subject,
		)
	})
}
