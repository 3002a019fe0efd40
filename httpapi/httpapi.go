// Package httpapi exposes a webrun.Server over HTTP and websockets using chi.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UniQw/webrun"
)

// Options tunes the router.
type Options struct {
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	// AllowedOrigins are websocket origin patterns.
	AllowedOrigins []string
	// MaxBodyBytes caps a submit request body.
	MaxBodyBytes int64
	Logger       webrun.Logger
}

type api struct {
	srv  *webrun.Server
	opts Options
}

// NewRouter returns the HTTP handler for srv.
//
//	POST   /api/tasks
//	GET    /api/tasks?status=&limit=
//	GET    /api/tasks/{id}
//	DELETE /api/tasks/{id}
//	POST   /api/tasks/{id}/retry
//	GET    /api/statistics
//	GET    /api/actions
//	GET    /health
//	GET    /metrics
//	GET    /ws?task_id=
func NewRouter(srv *webrun.Server, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = webrun.NewFmtLogger()
	}
	a := &api{srv: srv, opts: opts}

	r := chi.NewRouter()
	r.Use(a.recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", a.handleSubmit)
			r.Get("/", a.handleList)
			r.Get("/{id}", a.handleGet)
			r.Delete("/{id}", a.handleCancel)
			r.Post("/{id}/retry", a.handleRetry)
		})
		r.Get("/statistics", a.handleStats)
		r.Get("/actions", a.handleActions)
	})
	r.Get("/health", a.handleHealth)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Handle("/ws", webrun.WSHandler(srv.Hub(), webrun.WSOptions{OriginPatterns: opts.AllowedOrigins}))
	return r
}

func (a *api) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				a.opts.Logger.Errorf("http handler panic: path=%s panic=%v", r.URL.Path, p)
				respondError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	ID       string          `json:"task_id"`
	URL      string          `json:"url"`
	Actions  []webrun.Action `json:"actions"`
	Priority json.RawMessage `json:"priority"`
	MaxRetry *int            `json:"max_retry"`
	Metadata map[string]any  `json:"metadata"`
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, a.opts.MaxBodyBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if int64(len(body)) > a.opts.MaxBodyBytes {
		respondError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	var req submitRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}

	var opts []webrun.Option
	if req.ID != "" {
		opts = append(opts, webrun.TaskID(req.ID))
	}
	if len(req.Priority) > 0 && string(req.Priority) != "null" {
		p, err := webrun.ParsePriority(strings.Trim(string(req.Priority), `"`))
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		opts = append(opts, webrun.WithPriority(p))
	}
	if req.MaxRetry != nil {
		opts = append(opts, webrun.MaxRetry(*req.MaxRetry))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, webrun.Metadata(req.Metadata))
	}

	t, err := a.srv.Submit(req.URL, req.Actions, opts...)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	var status webrun.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := webrun.ParseStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		status = st
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	tasks, err := a.srv.Tasks(r.Context(), status, limit)
	if err != nil {
		a.opts.Logger.Warnf("list tasks: %v", err)
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := a.srv.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.srv.Cancel(id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": id, "cancelled": true})
}

func (a *api) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.srv.Retry(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": webrun.StatusPending})
}

func (a *api) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"scheduler": a.srv.Stats(),
		"events":    a.srv.Hub().Stats(),
	})
}

func (a *api) handleActions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"actions": a.srv.Actions()})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UnixMilli()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, webrun.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, webrun.ErrDuplicateTask),
		errors.Is(err, webrun.ErrNotCancellable),
		errors.Is(err, webrun.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, webrun.ErrInvalidTask),
		errors.Is(err, webrun.ErrUnknownAction),
		errors.Is(err, webrun.ErrInvalidAction),
		errors.Is(err, webrun.ErrUnknownPriority),
		errors.Is(err, webrun.ErrUnknownStatus):
		return http.StatusBadRequest
	case errors.Is(err, webrun.ErrSchedulerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{
		"error":     err.Error(),
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
	}
	if status == http.StatusNotFound {
		body["code"] = webrun.CodeTaskNotFound
	}
	respondJSON(w, status, body)
}
