// Package server exposes a running campaign over HTTP: health, Prometheus
// metrics, progress and the current Pareto front, plus the best recorded
// runs from the ledger index.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/hydrocal/internal/campaign"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/ledger"
	"github.com/copyleftdev/hydrocal/internal/logging"
)

// StatusSource reports campaign progress.
type StatusSource interface {
	Status() campaign.Status
}

// RunQuery reads the run index.
type RunQuery interface {
	Best(ctx context.Context, obj ledger.Objective, limit int) ([]ledger.RunRecord, error)
	Counts(ctx context.Context) (total, failed int, err error)
}

// Options configure a Server. Runs may be nil when no index is kept.
type Options struct {
	Addr       string
	Parameters []string
	Status     StatusSource
	Runs       RunQuery
	Gatherer   prometheus.Gatherer
	Logger     *logging.Logger
}

// Server is the read-only status endpoint of a campaign.
type Server struct {
	opts   Options
	logger *logging.Logger
	http   *http.Server
	ln     net.Listener
}

// NewServer returns a server; call Start to listen.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{opts: opts, logger: opts.Logger.WithField("component", "server")}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the handler with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(apperr.RecoveryMiddleware(s.logger))
	r.Use(middleware.Timeout(30 * time.Second))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/front", s.handleFront)
		r.Get("/best", s.handleBest)
	})
}

// Start binds the listen address and serves in the background. A bind
// failure is returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return apperr.E(apperr.KindConfiguration, "server", "Start", err)
	}
	s.ln = ln
	s.logger.Info("Starting status server", map[string]interface{}{"address": ln.Addr().String()})

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Status server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	s.logger.Info("Shutting down status server")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	campaign.Status
	Parameters []string `json:"parameters"`
	Recorded   *int     `json:"recorded,omitempty"`
	Failed     *int     `json:"failed,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.opts.Status.Status(), Parameters: s.opts.Parameters}

	if s.opts.Runs != nil {
		total, failed, err := s.opts.Runs.Counts(r.Context())
		if err != nil {
			s.requestLogger(r).WithError(err).Warn("Failed to count runs")
		} else {
			resp.Recorded, resp.Failed = &total, &failed
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type frontMember struct {
	Parameters map[string]float64 `json:"parameters"`
	Objectives map[string]float64 `json:"objectives"`
}

func (s *Server) handleFront(w http.ResponseWriter, r *http.Request) {
	front := s.opts.Status.Status().Front
	out := make([]frontMember, 0, len(front))
	for _, sol := range front {
		out = append(out, frontMember{
			Parameters: s.named(sol.Parameters),
			Objectives: objectives(sol.Objectives),
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

type runResponse struct {
	RunID      string             `json:"run_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Parameters map[string]float64 `json:"parameters"`
	Objectives map[string]float64 `json:"objectives"`
}

func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "run index is not available")
		return
	}

	name := r.URL.Query().Get("objective")
	if name == "" {
		name = "kge"
	}
	obj, err := ledger.ParseObjective(name)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	recs, err := s.opts.Runs.Best(r.Context(), obj, limit)
	if err != nil {
		s.requestLogger(r).WithError(err).Error("Failed to query best runs")
		s.respondError(w, http.StatusInternalServerError, "failed to query runs")
		return
	}
	out := make([]runResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, runResponse{
			RunID:      rec.RunID,
			Timestamp:  rec.Timestamp,
			Parameters: s.named(rec.Parameters),
			Objectives: objectives(rec.Objectives),
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

// named keys values by parameter name, falling back to the index when the
// names are unknown.
func (s *Server) named(values []float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for i, v := range values {
		key := strconv.Itoa(i)
		if i < len(s.opts.Parameters) {
			key = s.opts.Parameters[i]
		}
		out[key] = v
	}
	return out
}

func objectives(v []float64) map[string]float64 {
	out := make(map[string]float64, len(v))
	for i, x := range v {
		if i < len(ledger.ObjectiveColumns) {
			out[ledger.ObjectiveColumns[i]] = x
		}
	}
	return out
}

func (s *Server) requestLogger(r *http.Request) *logging.Logger {
	return logging.FromContext(r.Context()).Logger
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Warn("Failed to write response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}
