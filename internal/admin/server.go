package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"casegraph/internal/api"
	"casegraph/internal/logging"
	"casegraph/internal/queue"
	"casegraph/internal/services"
	"casegraph/internal/status"
)

const (
	defaultEventLimit = 200
	maxPollWait       = 25 * time.Second
)

// Server is the admin HTTP server.
type Server struct {
	bind     string
	token    string
	logger   *slog.Logger
	svc      *api.Service
	hub      *status.Hub
	router   chi.Router
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server
}

// New builds the router. hub may be nil when no status source is wired.
func New(bind, token string, svc *api.Service, hub *status.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		bind:   strings.TrimSpace(bind),
		token:  strings.TrimSpace(token),
		logger: logging.NewComponentLogger(logger, "admin"),
		svc:    svc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(correlate)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/queues", s.handleQueues)
		r.Get("/dlq/{class}", s.handleDeadLetters)
		r.Post("/dlq/{class}/{job}/{artifact}/requeue", s.handleRequeue)
		r.Get("/retries", s.handleRetries)
		r.Delete("/retries/{job}/{artifact}", s.handleCancelRetry)
		r.Post("/redispatch", s.handleRedispatch)
		r.Get("/jobs/{job}", s.handleJob)
		r.Get("/cases/{case}", s.handleCase)
		r.Get("/status", s.handleStatus)
		r.Get("/status/ws", s.handleStatusStream)
	})
	s.router = r
	return s
}

// correlate copies the chi request id into the context so log lines carry it
// as correlation_id.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(services.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the bind address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.bind == "" {
		return services.Wrap(services.ErrConfiguration, "", "start admin", "admin.bind is empty", nil)
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "admin server stopped", "admin_server_failed",
				logging.String(logging.FieldErrorHint, "check admin.bind"),
				logging.Error(err),
			)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("admin server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.token != ""),
		logging.String(logging.FieldEventType, "admin_listening"),
	)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

// authMiddleware validates bearer tokens. An empty token disables it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.token {
			s.writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: err.Error(), Kind: "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	overview, err := s.svc.Queues(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.DeadLetters(r.Context(), chi.URLParam(r, "class"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	key := queue.Key{JobID: chi.URLParam(r, "job"), ArtifactID: chi.URLParam(r, "artifact")}
	resp, err := s.svc.Requeue(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetries(w http.ResponseWriter, r *http.Request) {
	retries, err := s.svc.Retries(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, retries)
}

func (s *Server) handleCancelRetry(w http.ResponseWriter, r *http.Request) {
	key := queue.Key{JobID: chi.URLParam(r, "job"), ArtifactID: chi.URLParam(r, "artifact")}
	resp, err := s.svc.CancelRetry(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	olderThan, err := time.ParseDuration(r.URL.Query().Get("older_than"))
	if err != nil {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "", "redispatch", "older_than must be a duration such as 10m", err))
		return
	}
	statuses, err := api.ParseStaleStatuses(r.URL.Query()["status"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.RedispatchStale(r.Context(), olderThan, statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.Job(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Case(r.Context(), chi.URLParam(r, "case"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "status stream not configured", Kind: "configuration"})
		return
	}
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	wait := query.Get("wait") == "1" || strings.EqualFold(query.Get("wait"), "true")

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxPollWait)
		defer cancel()
	}
	events, next, err := s.hub.Fetch(ctx, since, limit, wait)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []status.Event{}
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{Events: events, Next: next})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrConfiguration):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "admin request failed", "admin_request_failed",
			logging.String("path", r.URL.Path),
			logging.String(logging.FieldErrorHint, "check store and queue connectivity"),
			logging.Error(err),
		)
	}
	s.writeJSON(w, code, api.ErrorResponse{Error: err.Error(), Kind: logging.ErrorKind(err)})
}
