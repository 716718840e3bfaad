package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/config"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/domain"
)

const httpReadHeaderTimeout = 10 * time.Second
const httpIdleTimeout = 120 * time.Second
const shutdownTimeout = 5 * time.Second

// Run starts the HTTP(S) server, the idle sweeper, and the janitor. It
// blocks until ctx is cancelled or a fatal error occurs, and releases every
// upstream session before returning.
func (s *Server) Run(ctx context.Context) error {
	go s.conns.Run(ctx)
	go s.runJanitor(ctx)

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		// SSE streams must observe shutdown through their request context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	if s.cfg.TLSEnabled() {
		manager := &autocert.Manager{
			Cache:  autocert.DirCache(s.cfg.CertCacheDir),
			Prompt: autocert.AcceptTOS,
			HostPolicy: func(_ context.Context, host string) error {
				if config.NormalizeHost(host) == s.cfg.PublicDomain {
					return nil
				}
				return errors.New("host not allowed")
			},
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		httpServer.TLSConfig = tlsConfig
		go func() {
			s.log.Info("starting HTTPS server", "addr", s.cfg.ListenAddr, "domain", s.cfg.PublicDomain)
			if err := httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			s.log.Info("starting HTTP server", "addr", s.cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		err := shutdownServer(httpServer, shutdownTimeout)
		s.shutdownSessions()
		return err
	case err := <-errCh:
		s.shutdownSessions()
		return err
	}
}

// shutdownSessions tears down every upstream session. Run last so no new
// requests can re-populate the registry.
func (s *Server) shutdownSessions() {
	if n := s.conns.ReleaseAll(); n > 0 {
		s.log.Info("released upstream sessions at shutdown", "count", n)
	}
}

// runJanitor periodically purges aged terminal job rows and abandons
// pending event subscriptions nobody attached to.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.JobRetention)
			purged, err := s.store.PurgeTerminalJobs(ctx, cutoff, 0)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("job history purge failed", "err", err)
			} else if purged > 0 {
				s.log.Info("aged job rows purged", "count", purged)
			}

			if abandoned := s.abandonStalePending(time.Now()); abandoned > 0 {
				s.log.Info("abandoned unclaimed job subscriptions", "count", abandoned)
			}
		}
	}
}

func (s *Server) abandonStalePending(now time.Time) int {
	s.pendingMu.Lock()
	var stale []*pendingJob
	for id, p := range s.pending {
		if now.Sub(p.createdAt) > pendingJobGrace {
			delete(s.pending, id)
			stale = append(stale, p)
		}
	}
	s.pendingMu.Unlock()

	for _, p := range stale {
		p.job.Cancel()
		if err := s.store.SetJobState(context.Background(), p.job.ID, domain.JobStateFailed, "", "event stream never attached"); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			s.log.Warn("failed to mark abandoned job", "job_id", p.job.ID, "err", err)
		}
	}
	return len(stale)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
