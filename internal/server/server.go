// internal/server/server.go

// Package server exposes the task service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/valpere/MediaHarvester/internal/broadcast"
	"github.com/valpere/MediaHarvester/internal/config"
	"github.com/valpere/MediaHarvester/internal/proxy"
	"github.com/valpere/MediaHarvester/internal/task"
	"github.com/valpere/MediaHarvester/internal/utils"
	"github.com/valpere/MediaHarvester/pkg/api"
)

// TaskService is the part of service.Service the API needs.
type TaskService interface {
	StartTask(ctx context.Context, target string) (task.Snapshot, error)
	GetStatus(ctx context.Context, id string) (task.Snapshot, error)
	StreamProgress(ctx context.Context, id string) (<-chan task.Snapshot, func(), error)
	Cancel(ctx context.Context, id string) (task.Snapshot, bool, error)
	Proxies() []proxy.Endpoint
	ProxyStats() proxy.Stats
	ProxyScore(ep proxy.Endpoint) float64
}

// Handlers are the auxiliary endpoints mounted next to the API. Nil
// handlers are not mounted.
type Handlers struct {
	Health  http.Handler
	Metrics http.Handler
	Events  http.Handler
}

// Server is the HTTP front end.
type Server struct {
	config   config.ServerConfig
	svc      TaskService
	handlers Handlers
	router   *mux.Router
	http     *http.Server
	log      utils.Logger
}

// New builds the router.
func New(cfg config.ServerConfig, svc TaskService, handlers Handlers) *Server {
	s := &Server{
		config:   cfg,
		svc:      svc,
		handlers: handlers,
		log:      utils.NewComponentLogger("http"),
	}
	s.router = s.setupRoutes()
	s.http = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	if s.config.WriteTimeout > 0 {
		r.Use(s.writeDeadlineMiddleware)
	}

	if s.handlers.Health != nil {
		r.Handle("/health", s.handlers.Health).Methods(http.MethodGet)
	}
	if s.handlers.Metrics != nil {
		r.Handle("/metrics", s.handlers.Metrics).Methods(http.MethodGet)
	}

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	if s.config.APIKey != "" {
		apiRouter.Use(s.authMiddleware)
	}
	if s.config.RequestsPerSecond > 0 {
		apiRouter.Use(rateLimitMiddleware(s.config.RequestsPerSecond, s.config.RequestBurst))
	}

	apiRouter.HandleFunc("/tasks", s.createTask).Methods(http.MethodPost)
	apiRouter.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tasks/{id}", s.cancelTask).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/tasks/{id}/stream", s.streamTask).Methods(http.MethodGet)
	apiRouter.HandleFunc("/proxies", s.listProxies).Methods(http.MethodGet)
	if s.handlers.Events != nil {
		apiRouter.Handle("/events", s.handlers.Events).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: api.ErrorBody{Code: "NOT_FOUND", Message: "No such endpoint."}})
	})
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", s.config.Address).Info("http server listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, utils.NewError(utils.ErrCodeInvalidTarget, "malformed request body").
			WithCause(err).WithUserMessage("Request body must be JSON with a \"url\" field.").Build())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, utils.NewError(utils.ErrCodeInvalidTarget, "url is required").
			WithUserMessage("The \"url\" field is required.").Build())
		return
	}

	snap, err := s.svc.StartTask(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+snap.ID)
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	snap, cancelled, err := s.svc.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !cancelled {
		status = http.StatusConflict
	}
	writeJSON(w, status, api.CancelTaskResponse{Cancelled: cancelled, Task: snap})
}

func (s *Server) streamTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// The subscription outlives the request context once upgraded, so it
	// is tied to a context that Stream's unsubscribe releases.
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe, err := s.svc.StreamProgress(ctx, id)
	if err != nil {
		cancel()
		s.writeError(w, err)
		return
	}
	release := func() {
		unsubscribe()
		cancel()
	}
	if err := broadcast.Stream(w, r, ch, release); err != nil {
		s.log.WithField("task_id", id).Debugf("task stream ended: %v", err)
	}
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	st := s.svc.ProxyStats()
	out := api.ProxyList{
		Stats: api.ProxyStats{
			Total:       st.Total,
			Available:   st.Available,
			Blacklisted: st.Blacklisted,
			CoolingDown: st.CoolingDown,
		},
		Proxies: make([]api.ProxyInfo, 0, st.Total),
	}
	for _, ep := range s.svc.Proxies() {
		info := api.ProxyInfo{
			ID:               ep.ID,
			Host:             ep.Host,
			Port:             ep.Port,
			Protocol:         string(ep.Protocol),
			Country:          ep.Country,
			Score:            s.svc.ProxyScore(ep),
			SpeedScore:       ep.SpeedScore,
			ReliabilityScore: ep.ReliabilityScore,
			FailCount:        ep.FailCount,
			Blacklisted:      ep.Blacklisted,
			LastLatencyMs:    ep.LastLatency.Milliseconds(),
		}
		if !ep.CooldownUntil.IsZero() {
			t := ep.CooldownUntil
			info.CooldownUntil = &t
		}
		out.Proxies = append(out.Proxies, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps an error code to an HTTP status.
func statusFor(code utils.ErrorCode) int {
	switch code {
	case utils.ErrCodeInvalidTarget, utils.ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeInvalidTransition:
		return http.StatusConflict
	case utils.ErrCodeResourceExhausted:
		return http.StatusServiceUnavailable
	case utils.ErrCodeCancelled:
		return 499
	case utils.ErrCodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := utils.CodeOf(err)
	status := statusFor(code)
	if status >= 500 {
		log := s.log.WithField("code", string(code))
		if stack := utils.StackOf(err); len(stack) > 0 {
			log = log.WithField("stack", stack)
		}
		log.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, api.ErrorResponse{Error: api.ErrorBody{Code: string(code), Message: utils.UserMessage(err)}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

