package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/antchoi/Polymer/internal/detection"
	"github.com/antchoi/Polymer/internal/engine"
	"github.com/antchoi/Polymer/internal/store"
	"github.com/antchoi/Polymer/internal/superres"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Options holds the dependencies of a Server. A nil engine makes its
// endpoints answer 503.
type Options struct {
	Addr      string
	BasePath  string
	Store     store.Store
	Registry  *engine.Registry
	SuperRes  *engine.Engine[superres.Input, superres.Output]
	Detection *engine.Engine[detection.Input, detection.Output]
	Logger    *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	registry  *engine.Registry
	superres  *engine.Engine[superres.Input, superres.Output]
	detection *engine.Engine[detection.Input, detection.Output]
	logger    *slog.Logger
	addr      string

	// async counts background awaiters of submitted tasks. New awaiters
	// are refused once closing is set.
	mu      sync.Mutex
	closing bool
	async   sync.WaitGroup
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = engine.NewRegistry()
	}

	srv := &Server{
		router:    chi.NewRouter(),
		store:     opts.Store,
		registry:  registry,
		superres:  opts.SuperRes,
		detection: opts.Detection,
		logger:    logger.With("component", "api"),
		addr:      opts.Addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if opts.BasePath == "" || opts.BasePath == "/" {
		srv.routes(srv.router)
	} else {
		srv.router.Route(opts.BasePath, srv.routes)
	}

	return srv
}

// routes registers all HTTP routes on r.
func (s *Server) routes(r chi.Router) {
	r.Get("/healthz", s.handleHealthz)
	r.Get("/actuator/health", s.handleActuatorHealth)
	r.Handle("/metrics", metricsHandler())

	r.Get("/v1/workers", s.handleListWorkers)
	r.Get("/v1/stats", s.handleGetStats)

	r.Post("/v1/superresolution", s.handleSuperResolution)
	r.Route("/v1/detection", func(r chi.Router) {
		r.Post("/image", s.handleDetectImage)
		r.Post("/images", s.handleDetectImages)
		r.Post("/video", s.handleDetectVideo)
	})

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/superresolution", s.handleSubmitSuperResolution)
		r.Post("/detection/images", s.handleSubmitDetectImages)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/output", s.handleGetTaskOutput)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// On shutdown it stops accepting requests, stops every engine and waits for
// the answers of submitted tasks to be stored.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}

	s.Close()
	s.logger.Info("server stopped")
	return runErr
}

// Close stops every registered engine and waits for background awaiters.
// Submissions arriving after Close has begun are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.registry.StopAll()
	s.async.Wait()
}

// holdAsync counts one background awaiter for Close to wait on. It reports
// false once Close has begun; otherwise the caller must call s.async.Done.
func (s *Server) holdAsync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.async.Add(1)
	return true
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
		)
	})
}
