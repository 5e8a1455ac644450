// Package observe exposes a running batch over HTTP: Prometheus metrics,
// liveness and the most recent failed workloads.
package observe

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/retrythesis/retrybench/internal/report"
	"github.com/retrythesis/retrybench/pkg/logging"
)

// Server serves /metrics, /health and /failures
type Server struct {
	srv      *http.Server
	router   *mux.Router
	failures *report.FailureLog
	timing   *Timing
	logger   *logging.Logger
}

// NewServer wires the routes. failures may be nil.
func NewServer(addr string, metrics *report.Metrics, failures *report.FailureLog, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		router:   mux.NewRouter(),
		failures: failures,
		timing:   NewTiming(nil),
		logger:   logger,
	}

	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/failures", s.handleFailures).Methods("GET")

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router (tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
// The listener is bound before returning so address errors surface here.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics server listening", logging.Fields{"addr": ln.Addr().String()})
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", logging.Fields{"error": err.Error()})
		}
	}()
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"uptime":    s.timing.Duration().Round(time.Second).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.failures == nil {
		writeJSON(w, http.StatusOK, []report.FailureSample{})
		return
	}
	n := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.failures.GetRecent(n))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
