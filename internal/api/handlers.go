package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"backtester/internal/domain"
	"backtester/internal/engine"
	"backtester/internal/queue"
	"backtester/internal/store"
	"backtester/internal/summary"
)

// Engine is the set of engine operations served by the API.
type Engine interface {
	StartBacktest(ctx context.Context, opts domain.StrategyOptions) (engine.Ticket, error)
	StartUpdate(ctx context.Context, id string) (engine.Ticket, error)
	StartOptimizeStoplossTarget(ctx context.Context, id string, oo domain.OptimizeOptions) (engine.Ticket, error)
	StartOptimizeIndicators(ctx context.Context, id string) (engine.Ticket, error)
	StartFixFaulty(ctx context.Context) (engine.Ticket, error)

	Result(ctx context.Context, id string) (*domain.BacktestResult, error)
	Summary(ctx context.Context, id string) (*summary.Summary, error)
	List(ctx context.Context) ([]string, error)
	OptimizedStoplossTarget(ctx context.Context, id string) (*engine.OptimizedSet, error)
	OptimizedIndicators(ctx context.Context, id string) (map[string]domain.IndicatorCapture, error)
	ActionsToday(ctx context.Context, id string) (*engine.Actions, error)
	Delete(ctx context.Context, id string) error
	Pending() int
}

var _ Engine = (*engine.Engine)(nil)

// Status reports the queue depth.
type Status struct {
	Queued int `json:"queued"`
}

// HTTPServer serves the JSON API and the push WebSocket.
type HTTPServer struct {
	engine Engine
	push   http.Handler
	log    *slog.Logger
}

// NewHTTPServer creates a new HTTP API server. push serves /ws and may be nil.
func NewHTTPServer(e Engine, push http.Handler, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPServer{engine: e, push: push, log: log.With("component", "http")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/backtest", s.handleBacktest)
	mux.HandleFunc("POST /api/backtest/{id}/update", s.handleUpdate)
	mux.HandleFunc("POST /api/backtest/{id}/optimize-stoploss", s.handleOptimizeStoploss)
	mux.HandleFunc("POST /api/backtest/{id}/optimize-indicators", s.handleOptimizeIndicators)
	mux.HandleFunc("GET /api/results", s.handleList)
	mux.HandleFunc("GET /api/results/{id}", s.handleResult)
	mux.HandleFunc("GET /api/results/{id}/summary", s.handleSummary)
	mux.HandleFunc("GET /api/results/{id}/actions", s.handleActions)
	mux.HandleFunc("DELETE /api/results/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/optimized/{id}/stoploss-target", s.handleOptimizedStoploss)
	mux.HandleFunc("GET /api/optimized/{id}/indicators", s.handleOptimizedIndicators)
	mux.HandleFunc("POST /api/faulty/fix", s.handleFixFaulty)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	if s.push != nil {
		mux.Handle("GET /ws", s.push)
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeAccepted(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// fail maps engine errors to HTTP statuses.
func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrUpToDate):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (s *HTTPServer) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var opts domain.StrategyOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid strategy options: "+err.Error())
		return
	}
	t, err := s.engine.StartBacktest(r.Context(), opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeAccepted(w, t)
}

func (s *HTTPServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.StartUpdate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeAccepted(w, t)
}

func (s *HTTPServer) handleOptimizeStoploss(w http.ResponseWriter, r *http.Request) {
	var oo domain.OptimizeOptions
	if err := decodeBody(r, &oo); err != nil {
		writeError(w, http.StatusBadRequest, "invalid optimize options: "+err.Error())
		return
	}
	t, err := s.engine.StartOptimizeStoplossTarget(r.Context(), r.PathValue("id"), oo)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeAccepted(w, t)
}

func (s *HTTPServer) handleOptimizeIndicators(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.StartOptimizeIndicators(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeAccepted(w, t)
}

func (s *HTTPServer) handleFixFaulty(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.StartFixFaulty(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeAccepted(w, t)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, map[string][]string{"ids": ids})
}

func (s *HTTPServer) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, sum)
}

func (s *HTTPServer) handleActions(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.ActionsToday(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, a)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (s *HTTPServer) handleOptimizedStoploss(w http.ResponseWriter, r *http.Request) {
	set, err := s.engine.OptimizedStoplossTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, set)
}

func (s *HTTPServer) handleOptimizedIndicators(w http.ResponseWriter, r *http.Request) {
	captures, err := s.engine.OptimizedIndicators(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, captures)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, Status{Queued: s.engine.Pending()})
}
