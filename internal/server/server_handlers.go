package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/auth"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/connman"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/domain"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/render"
)

const sessionHeader = "X-Booth-Session"

type createJobRequest struct {
	SessionKey     string  `json:"session_key,omitempty"`
	StyleID        string  `json:"style_id"`
	Prompt         string  `json:"prompt,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	ImageB64       string  `json:"image_b64,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
}

type createJobResponse struct {
	JobID      string `json:"job_id"`
	SessionKey string `json:"session_key"`
	EventsPath string `json:"events_path"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.StyleID) == "" {
		writeError(w, http.StatusBadRequest, "style_id is required")
		return
	}

	sessionKey := clientSessionKey(r)
	if sessionKey == "" {
		sessionKey = strings.TrimSpace(body.SessionKey)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	mc, err := s.conns.Acquire(ctx, sessionKey)
	if err != nil {
		s.log.Warn("session acquire failed", "session", sessionKey, "err", err)
		writeError(w, http.StatusServiceUnavailable, "could not connect to rendering service, retry")
		return
	}

	req := render.JobRequest{
		StyleID:        body.StyleID,
		Prompt:         body.Prompt,
		NegativePrompt: body.NegativePrompt,
		ImageB64:       body.ImageB64,
		Steps:          body.Steps,
		Guidance:       body.Guidance,
		Seed:           body.Seed,
	}
	key := mc.SessionKey()
	job, err := mc.Upstream().SubmitJob(ctx, req)
	if errors.Is(err, render.ErrConnClosed) {
		// The pooled connection died underneath us. Drop it and retry once
		// on a fresh handshake.
		s.conns.Release(key)
		mc, err = s.conns.Acquire(ctx, key)
		if err != nil {
			s.log.Warn("session re-acquire failed", "session", key, "err", err)
			writeError(w, http.StatusServiceUnavailable, "could not connect to rendering service, retry")
			return
		}
		job, err = mc.Upstream().SubmitJob(ctx, req)
	}
	if err != nil {
		s.log.Error("job submission failed", "session", key, "err", err)
		writeError(w, http.StatusBadGateway, "rendering service rejected the job")
		return
	}

	s.storePending(job.ID, &pendingJob{job: job, sessionKey: key, createdAt: time.Now()})

	if _, err := s.store.InsertJob(ctx, job.ID, key, body.StyleID); err != nil {
		// History is observability, not control flow.
		s.log.Warn("failed to record job", "job_id", job.ID, "err", err)
	}

	s.log.Info("job submitted", "job_id", job.ID, "session", key, "style", body.StyleID)
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:      job.ID,
		SessionKey: key,
		EventsPath: "/api/v1/jobs/" + job.ID + "/events",
	})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	p, ok := s.claimPending(jobID)
	if !ok {
		s.replayFinishedJob(w, r, jobID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer p.job.Cancel()
	running := false

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-p.job.Events:
			if !open {
				s.finishJob(jobID, domain.JobStateFailed, "", "rendering connection lost")
				writeSSE(w, flusher, "error", sseEvent{JobID: jobID, Type: "error", Error: "rendering connection lost"})
				return
			}

			s.conns.RecordActivity(p.sessionKey)

			switch evt.Type {
			case render.EventCompleted:
				s.finishJob(jobID, domain.JobStateCompleted, evt.ResultURL, "")
				writeSSE(w, flusher, "completed", sseEvent{JobID: jobID, Type: "completed", Progress: 1, ResultURL: evt.ResultURL})
				return
			case render.EventFailed:
				s.finishJob(jobID, domain.JobStateFailed, "", evt.Err)
				writeSSE(w, flusher, "failed", sseEvent{JobID: jobID, Type: "failed", Error: evt.Err})
				return
			default:
				if !running {
					running = true
					s.markJobRunning(jobID)
				}
				writeSSE(w, flusher, "progress", sseEvent{
					JobID:      jobID,
					Type:       string(evt.Type),
					Progress:   evt.Progress,
					PreviewURL: evt.PreviewURL,
				})
			}
		}
	}
}

// replayFinishedJob serves a single terminal SSE frame from the history
// store, so a client reconnecting after completion still gets its result.
func (s *Server) replayFinishedJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil || !job.Terminal() {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	evt := sseEvent{JobID: job.ID, Type: job.State, ResultURL: job.ResultURL, Error: job.Error}
	if job.State == domain.JobStateCompleted {
		evt.Progress = 1
	}
	writeSSE(w, flusher, job.State, evt)
}

type disconnectRequest struct {
	SessionKey string `json:"session_key,omitempty"`
}

// handleDisconnect is the page-unload beacon target. Delivery is
// best-effort on the client side, so the handler must stay cheap and
// idempotent.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sessionKey := clientSessionKey(r)
	if sessionKey == "" && r.Body != nil {
		var body disconnectRequest
		if err := decodeJSONBody(w, r, 4096, &body); err == nil {
			sessionKey = strings.TrimSpace(body.SessionKey)
		}
	}
	if sessionKey == "" {
		writeError(w, http.StatusBadRequest, "missing session key")
		return
	}

	released := s.conns.Release(sessionKey)
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

type statusResponse struct {
	ActiveConnections int                   `json:"active_connections"`
	Sessions          []connman.SessionInfo `json:"sessions"`
	Jobs              map[string]int        `json:"jobs"`
	RecentJobs        []domain.Job          `json:"recent_jobs"`
}

const statusRecentJobs = 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizeAdmin(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	counts, err := s.store.CountJobsByState(r.Context())
	if err != nil {
		s.log.Error("job counts query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	recent, err := s.store.RecentJobs(r.Context(), statusRecentJobs)
	if err != nil {
		s.log.Error("recent jobs query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ActiveConnections: s.conns.Count(),
		Sessions:          s.conns.Sessions(),
		Jobs:              counts,
		RecentJobs:        recent,
	})
}

// authorizeAdmin enforces the optional bearer-token guard on introspection
// endpoints. With no configured hash the endpoint is open, which is the
// kiosk-on-a-private-network deployment.
func (s *Server) authorizeAdmin(r *http.Request) error {
	if s.cfg.AdminTokenHash == "" {
		return nil
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return domain.ErrUnauthorized
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return domain.ErrUnauthorized
	}
	h := auth.HashToken(token, s.cfg.TokenPepper)
	if !auth.ConstantTimeHashEquals(h, s.cfg.AdminTokenHash) {
		return domain.ErrUnauthorized
	}
	return nil
}

func (s *Server) markJobRunning(jobID string) {
	if err := s.store.SetJobState(context.Background(), jobID, domain.JobStateRunning, "", ""); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		s.log.Warn("failed to mark job running", "job_id", jobID, "err", err)
	}
}

func (s *Server) finishJob(jobID, state, resultURL, errMsg string) {
	if err := s.store.SetJobState(context.Background(), jobID, state, resultURL, errMsg); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		s.log.Warn("failed to record job outcome", "job_id", jobID, "state", state, "err", err)
	}
}

// clientSessionKey extracts the opaque session key the browser sends. The
// header wins; the query parameter exists for EventSource and beacons,
// which cannot set headers.
func clientSessionKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(sessionHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("session"))
}
