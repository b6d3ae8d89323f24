// Package api serves the status of probe runs over HTTP.
//
//	GET  /v1/health      liveness
//	GET  /v1/runs/last   the most recent Report
//	POST /v1/runs        asks the supervisor for a new run
//	GET  /v1/stats       engine counters
//	GET  /debug/vars     expvar
package api

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net"
	"net/http"

	"github.com/CZERTAINLY/probe-lens/internal/log"
	"github.com/CZERTAINLY/probe-lens/internal/model"
	"github.com/CZERTAINLY/probe-lens/internal/service"

	"github.com/gorilla/mux"
	pd "github.com/kodeart/go-problem/v2"
)

// Reports gives access to the most recent Report
type Reports interface {
	Last() (model.Report, error)
}

// Starter requests a new run, it must not block
type Starter interface {
	Start()
}

type Server struct {
	reports Reports
	starter Starter
	stats   model.Stats
}

// New returns a status server. starter and stats can be nil, the related
// endpoints then answer 404.
func New(reports Reports, starter Starter, stats model.Stats) *Server {
	return &Server{
		reports: reports,
		starter: starter,
		stats:   stats,
	}
}

func (s *Server) Handler() *mux.Router {
	r := mux.NewRouter()
	r.Use(httpInfoContext)

	r.HandleFunc("/v1/health", s.checkHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs/last", s.lastRun).Methods(http.MethodGet)
	r.HandleFunc("/v1/runs", s.startRun).Methods(http.MethodPost)
	r.HandleFunc("/v1/stats", s.listStats).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts the server
// down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errs := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "status server listening", "addr", ln.Addr().String())
		errs <- srv.Serve(ln)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func httpInfoContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.Group("http-info",
			slog.String("method", r.Method),
			slog.String("url-path", r.URL.Path),
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type checkHealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) checkHealth(w http.ResponseWriter, r *http.Request) {
	toJSON(r.Context(), w, http.StatusOK, checkHealthResponse{Status: "ok"})
}

func (s *Server) lastRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.Last()
	switch {
	case errors.Is(err, service.ErrNoRun):
		problem(w, http.StatusNotFound, "no run finished yet")
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "Reading the last report failed.", slog.String("error", err.Error()))
		problem(w, http.StatusInternalServerError, "reading the last report failed")
		return
	}
	toJSON(r.Context(), w, http.StatusOK, report)
}

type startRunResponse struct {
	Status string `json:"status"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.starter == nil {
		problem(w, http.StatusNotFound, "runs are not started by this service")
		return
	}
	s.starter.Start()
	slog.InfoContext(r.Context(), "run requested")
	toJSON(r.Context(), w, http.StatusAccepted, startRunResponse{Status: "accepted"})
}

func (s *Server) listStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		problem(w, http.StatusNotFound, "stats are not collected")
		return
	}
	ret := make(map[string]string)
	for k, v := range s.stats.Stats() {
		ret[k] = v
	}
	toJSON(r.Context(), w, http.StatusOK, ret)
}

func problem(w http.ResponseWriter, status int, detail string) {
	b, err := json.Marshal(pd.Problem{
		Status: status,
		Detail: detail,
	})
	if err != nil {
		http.Error(w, detail, status)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func toJSON(ctx context.Context, w http.ResponseWriter, status int, resp any) {
	b, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal structure to json.", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error."))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
