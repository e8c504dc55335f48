package status

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"slowbench/internal/bench"
)

// Server exposes the live run state over HTTP while the benchmark is in
// flight: a health check and an interval metrics snapshot.
type Server struct {
	bench  *bench.Bench
	log    *logrus.Logger
	Router *mux.Router
}

// New creates a status server bound to a running benchmark.
func New(b *bench.Bench, log *logrus.Logger) *Server {
	s := &Server{bench: b, log: log, Router: mux.NewRouter()}
	s.Router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.Router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	return s
}

// Start serves until the process exits. Intended to run in its own
// goroutine; serving errors are logged, not fatal to the benchmark.
func (s *Server) Start(addr string) {
	s.log.Infof("status server listening on %s", addr)
	if err := http.ListenAndServe(addr, s.Router); err != nil {
		s.log.Errorf("status server: %v", err)
	}
}

// Response is the generic envelope for status replies.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.write(w, http.StatusOK, Response{Success: true, Data: map[string]string{
		"status": "ok",
		"phase":  s.bench.Phase().String(),
	}})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.bench.Aggregator().Interval()
	s.write(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"phase":    s.bench.Phase().String(),
		"interval": snap,
	}})
}

func (s *Server) write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Errorf("failed to encode response: %v", err)
	}
}
