package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceStatus is one entry of the /health payload
type ServiceStatus struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Health string `json:"health,omitempty"`
	Port   int    `json:"port,omitempty"`
	PID    int    `json:"pid,omitempty"`
}

// Degraded reports whether the service counts against /health. A process
// marked unhealthy that has since been observed healthy is not degraded.
func (s ServiceStatus) Degraded() bool {
	switch s.State {
	case "running", "unhealthy":
		return s.Health == "unhealthy"
	}
	return true
}

// StatusFunc reports the current state of every configured service
type StatusFunc func(ctx context.Context) ([]ServiceStatus, error)

// Server exposes /metrics and /health while the platform runs in the foreground
type Server struct {
	collector *Collector
	status    StatusFunc
	log       zerolog.Logger
	srv       *http.Server
}

// NewServer creates a Server bound to addr
func NewServer(addr string, collector *Collector, status StatusFunc, logger *zerolog.Logger) *Server {
	s := &Server{collector: collector, status: status, log: log.Logger}
	if logger != nil {
		s.log = *logger
	}
	s.log = s.log.With().Str("component", "metrics").Logger()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/services/{name}", s.serviceHandler).Methods("GET")
	return r
}

// Serve listens until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	services, err := s.status(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to collect status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	status, code := "ok", http.StatusOK
	for _, svc := range services {
		if svc.Degraded() {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{"status": status, "services": services})
}

func (s *Server) serviceHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	services, err := s.status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for _, svc := range services {
		if svc.Name == name {
			writeJSON(w, http.StatusOK, svc)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service " + name})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
