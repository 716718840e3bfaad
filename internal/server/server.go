// Package server is the HTTP/SSE front door of the booth: it maps client
// session keys to managed render connections, relays generation jobs and
// their progress events, and exposes operational introspection.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/config"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/connman"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/render"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/store/sqlite"
)

// Server wires the connection manager, the job history store, and the HTTP
// surface together.
type Server struct {
	cfg   config.Config
	log   *slog.Logger
	conns *connman.Manager
	store *sqlite.Store
	mux   *http.ServeMux

	// Jobs submitted via POST whose event stream has not been attached to
	// yet. The events handler claims them; the janitor abandons stragglers.
	pendingMu sync.Mutex
	pending   map[string]*pendingJob
}

type pendingJob struct {
	job        *render.Job
	sessionKey string
	createdAt  time.Time
}

// How long a submitted job may wait for its event stream before the
// janitor abandons the subscription.
const pendingJobGrace = 10 * time.Minute

// New creates the front door. The connection manager and store are owned
// by the caller; the server never constructs ambient state of its own.
func New(cfg config.Config, conns *connman.Manager, store *sqlite.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		log:     logger,
		conns:   conns,
		store:   store,
		mux:     http.NewServeMux(),
		pending: map[string]*pendingJob{},
	}

	s.mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /api/v1/jobs/{id}/events", s.handleJobEvents)
	s.mux.HandleFunc("POST /api/v1/sessions/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return s
}

// Handler returns the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) claimPending(jobID string) (*pendingJob, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[jobID]
	if ok {
		delete(s.pending, jobID)
	}
	return p, ok
}

func (s *Server) storePending(jobID string, p *pendingJob) {
	s.pendingMu.Lock()
	s.pending[jobID] = p
	s.pendingMu.Unlock()
}
