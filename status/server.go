package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"mining-node-agent/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	errNotStarted = errors.New("no tick has completed yet")
	errUnhealthy  = errors.New("reallocation requested")
)

// SnapshotSource is the read side of the collector.
type SnapshotSource interface {
	View() (agent.Document, bool)
}

// HealthSource reports the node health state.
type HealthSource interface {
	Current() string
	Healthy() bool
}

type Server struct {
	snapshots SnapshotSource
	health    HealthSource
	metrics   *agent.Metrics
	router    *mux.Router
	http      *http.Server
}

func NewServer(addr string, snapshots SnapshotSource, health HealthSource, metrics *agent.Metrics) *Server {
	s := &Server{
		snapshots: snapshots,
		health:    health,
		metrics:   metrics,
	}

	checks := healthcheck.NewHandler()
	checks.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	checks.AddLivenessCheck("node-health", s.checkHealth)
	checks.AddReadinessCheck("first-tick", s.checkStarted)

	r := mux.NewRouter()
	r.HandleFunc("/live", checks.LiveEndpoint).Methods("GET")
	r.HandleFunc("/ready", checks.ReadyEndpoint).Methods("GET")
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.router = r

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) checkHealth() error {
	if s.health == nil || s.health.Healthy() {
		return nil
	}
	return errUnhealthy
}

func (s *Server) checkStarted() error {
	if _, ok := s.snapshots.View(); !ok {
		return errNotStarted
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.snapshots.View()
	if !ok {
		http.Error(w, errNotStarted.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.WithField("component", "status").Warnf("encode snapshot: %v", err)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background. Listen errors other than a clean shutdown
// are logged.
func (s *Server) Start() {
	go func() {
		log.WithField("component", "status").Infof("status server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("component", "status").Errorf("status server: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
