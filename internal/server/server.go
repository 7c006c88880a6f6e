package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/engine"
	"github.com/ligustah/sophon/internal/progress"
	"github.com/ligustah/sophon/internal/task"
)

// Syncer runs one sync request. *engine.Engine implements it.
type Syncer interface {
	Run(ctx context.Context, req engine.Request, em *progress.Emitter) error
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address.
	// Default: 127.0.0.1:8765
	Addr string

	// ShutdownTimeout bounds the graceful shutdown of the listener and of
	// running tasks.
	// Default: 5s
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server exposes the task registry over HTTP and WebSocket.
type Server struct {
	opts     Options
	syncer   Syncer
	api      api.Client
	registry *task.Registry
	info     *infoCache
	logger   *slog.Logger
}

// New creates a Server. The api client answers online_info queries.
func New(syncer Syncer, client api.Client, registry *task.Registry, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8765"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		syncer:   syncer,
		api:      client,
		registry: registry,
		info:     newInfoCache(opts.Logger),
		logger:   opts.Logger,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/install", s.handleInstall)
	mux.HandleFunc("POST /api/update", s.handleUpdate)
	mux.HandleFunc("POST /api/repair", s.handleRepair)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("GET /api/game/installed_info", s.handleInstalledInfo)
	mux.HandleFunc("GET /api/game/online_info", s.handleOnlineInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/{id}", s.handleEvents)
	return withCORS(mux)
}

// Start serves until ctx is cancelled, then shuts down the listener and
// cancels running tasks.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: event streams stay open for the whole task.
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.info.run(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown listener: %w", err))
		}
		if err := s.registry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tasks: %w", err))
		}
		s.info.close()
		return errors.Join(errs...)
	case err := <-errCh:
		s.info.close()
		return fmt.Errorf("server error: %w", err)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
