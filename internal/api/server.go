// Package api exposes the HTTP interface for the trafficpacer service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/executor"
	"github.com/JakeFAU/trafficpacer/internal/failure"
	"github.com/JakeFAU/trafficpacer/internal/metrics"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/plan"
	"github.com/JakeFAU/trafficpacer/internal/proxy"
	"github.com/JakeFAU/trafficpacer/internal/tick"
)

// ProxyValidator probes proxy endpoints.
type ProxyValidator interface {
	ValidateAll(ctx context.Context, countries map[string]string, probeURL string, timeout time.Duration) []proxy.Probe
}

// Ticker runs one tick on demand.
type Ticker interface {
	Tick(ctx context.Context) (tick.Report, error)
}

// Deps are the services behind the HTTP handlers. Diagnoser, Proxies, Ticker
// and Ready are optional; their routes answer 503 when unset.
type Deps struct {
	Config    config.Provider
	Tasks     *plan.Service
	Failures  *failure.Tracker
	Diagnoser failure.Diagnoser
	Proxies   ProxyValidator
	Ticker    Ticker
	Ready     func(ctx context.Context) error
}

// Server wires HTTP handlers to the engine services.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Use(timeoutMiddleware(2 * time.Minute))
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/{task_id}", s.getTask)
			r.Post("/{task_id}/status", s.setTaskStatus)
		})
		r.Route("/failures", func(r chi.Router) {
			r.Get("/", s.searchFailures)
			r.Post("/batch", s.batchFailures)
			r.Get("/{failure_id}", s.getFailure)
			r.Patch("/{failure_id}", s.updateFailure)
			r.Delete("/{failure_id}", s.deleteFailure)
		})
		r.Post("/diagnose", s.diagnose)
		r.Post("/proxies/validate", s.validateProxies)
		r.Post("/tick", s.runTick)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	if _, err := s.snapshot(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// snapshot returns the current configuration, falling back to the last good
// snapshot when the current one is invalid.
func (s *Server) snapshot() (*config.Snapshot, error) {
	snap, err := s.deps.Config.Snapshot()
	if snap != nil {
		if err != nil {
			s.logger.Warn("serving request with previous configuration", zap.Error(err))
		}
		return snap, nil
	}
	if err == nil {
		err = fmt.Errorf("%w: no configuration loaded", pacer.ErrConfiguration)
	}
	return nil, err
}

type createTaskRequest struct {
	ID         string           `json:"id"`
	OwnerID    string           `json:"owner_id"`
	TargetURL  string           `json:"target_url"`
	Referer    string           `json:"referer"`
	Country    string           `json:"country"`
	DailyQuota int              `json:"daily_quota"`
	Window     pacer.HourWindow `json:"window"`
	EndDate    string           `json:"end_date"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	task, p, err := s.deps.Tasks.CreateTask(r.Context(), snap, pacer.Task{
		ID:         req.ID,
		OwnerID:    req.OwnerID,
		TargetURL:  req.TargetURL,
		Referer:    req.Referer,
		Country:    strings.ToUpper(strings.TrimSpace(req.Country)),
		DailyQuota: req.DailyQuota,
		Window:     req.Window,
		EndDate:    req.EndDate,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"task": task, "plan": p})
}

type taskResponse struct {
	plan.Progress
	Problem bool `json:"problem"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	progress, err := s.deps.Tasks.TaskProgress(r.Context(), snap, chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	problem, err := s.deps.Failures.IsProblem(r.Context(), snap, progress.Task.OwnerID, progress.Task.TargetURL)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse{Progress: progress, Problem: problem})
}

func (s *Server) setTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status pacer.TaskStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		s.writeError(w, http.StatusBadRequest, "missing status")
		return
	}
	task, err := s.deps.Tasks.SetStatus(r.Context(), chi.URLParam(r, "task_id"), req.Status)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) searchFailures(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	q := r.URL.Query()
	page, err := s.deps.Failures.Search(r.Context(), snap, pacer.FailureQuery{
		Keyword:  q.Get("q"),
		OwnerID:  q.Get("owner_id"),
		Page:     intParam(q.Get("page")),
		PageSize: intParam(q.Get("page_size")),
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) getFailure(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	view, err := s.deps.Failures.Get(r.Context(), snap, chi.URLParam(r, "failure_id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) updateFailure(w http.ResponseWriter, r *http.Request) {
	var upd failure.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	view, err := s.deps.Failures.Update(r.Context(), snap, chi.URLParam(r, "failure_id"), upd)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteFailure(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Failures.Delete(r.Context(), chi.URLParam(r, "failure_id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	Op  failure.BatchOp `json:"op"`
	IDs []string        `json:"ids"`
}

func (s *Server) batchFailures(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "op and ids required")
		return
	}
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	result, err := s.deps.Failures.Batch(r.Context(), snap, req.Op, req.IDs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type diagnoseRequest struct {
	FailureID string `json:"failure_id"`
	URL       string `json:"url"`
	Country   string `json:"country"`
}

func (s *Server) diagnose(w http.ResponseWriter, r *http.Request) {
	var req diagnoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.FailureID == "" && req.URL == "") {
		s.writeError(w, http.StatusBadRequest, "failure_id or url required")
		return
	}
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	var diag executor.Diagnosis
	switch {
	case req.FailureID != "":
		diag, err = s.deps.Failures.Diagnose(r.Context(), snap, req.FailureID, req.Country)
	case s.deps.Diagnoser == nil:
		err = fmt.Errorf("%w: diagnosis not configured", pacer.ErrExecutorUnavailable)
	default:
		diag, err = s.deps.Diagnoser.Diagnose(r.Context(), snap, executor.Request{
			URL:     req.URL,
			Country: req.Country,
			Mode:    pacer.ModeBrowser,
		})
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

func (s *Server) validateProxies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proxies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "proxy validation not configured")
		return
	}
	var req struct {
		Countries map[string]string `json:"countries"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	countries := req.Countries
	if len(countries) == 0 {
		countries = snap.Proxy.Countries
	}
	probes := s.deps.Proxies.ValidateAll(r.Context(), countries, snap.Proxy.ProbeURL, snap.Proxy.ProbeTimeout)
	s.writeJSON(w, http.StatusOK, map[string]any{"probes": probes})
}

func (s *Server) runTick(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ticker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "tick driver not configured")
		return
	}
	report, err := s.deps.Ticker.Tick(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func intParam(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pacer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plan.ErrInvalidTask),
		errors.Is(err, plan.ErrInvalidTransition),
		errors.Is(err, failure.ErrUnknownBatchOp):
		return http.StatusBadRequest
	case errors.Is(err, pacer.ErrLeaseHeld):
		return http.StatusConflict
	case errors.Is(err, pacer.ErrExecutorUnavailable), errors.Is(err, pacer.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, pacer.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pacer.ErrExecutionBlocked), errors.Is(err, pacer.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
