// Package connman manages the pool of authenticated render network
// connections, one per booth session. It owns the create/reuse/disconnect
// protocol and the timer-driven reclamation of idle sessions.
package connman

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/render"
)

// DialFunc opens and authenticates one upstream connection for a session.
type DialFunc func(ctx context.Context, sessionKey string) (render.Conn, error)

// Config tunes the manager. Zero values fall back to production defaults;
// tests shrink both durations to milliseconds.
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

const defaultIdleTimeout = 5 * time.Minute
const defaultSweepInterval = 45 * time.Second

// Manager is the process-wide registry of live render connections. It is
// constructed once at startup, injected into the front door, and torn down
// with ReleaseAll at shutdown.
type Manager struct {
	cfg  Config
	log  *slog.Logger
	dial DialFunc

	mu    sync.RWMutex
	conns map[string]*ManagedConn
}

// New creates an empty Manager that dials upstream connections with dial.
func New(cfg Config, dial DialFunc, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Manager{
		cfg:   cfg,
		log:   logger,
		dial:  dial,
		conns: map[string]*ManagedConn{},
	}
}

// Acquire returns the live connection for sessionKey, dialing a fresh one
// on a miss. Reuse refreshes the activity timestamp. An empty key gets a
// generated ephemeral one; callers read it back via SessionKey. A failed
// handshake leaves no registry entry behind and surfaces the dial error,
// which wraps render.ErrAuthFailed on rejection or unreachability.
func (m *Manager) Acquire(ctx context.Context, sessionKey string) (*ManagedConn, error) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		key = uuid.NewString()
	}

	m.mu.RLock()
	mc, ok := m.conns[key]
	m.mu.RUnlock()
	if ok && !mc.closing.Load() {
		mc.Touch()
		return mc, nil
	}

	// Handshake runs outside the registry lock; it is the one suspension
	// point in acquire.
	up, err := m.dial(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	now := time.Now()
	mc = &ManagedConn{key: key, upstream: up, createdAt: now}
	mc.touch(now)

	m.mu.Lock()
	if existing, ok := m.conns[key]; ok && !existing.closing.Load() {
		// A concurrent acquire for the same key won the insert while we
		// were dialing. Keep the registered entry, discard ours.
		m.mu.Unlock()
		if err := up.Close(); err != nil {
			m.log.Warn("failed to close duplicate render connection", "session", key, "err", err)
		}
		existing.Touch()
		return existing, nil
	}
	m.conns[key] = mc
	m.mu.Unlock()

	m.log.Info("session connected", "session", key)
	return mc, nil
}

// RecordActivity refreshes the activity timestamp for sessionKey. Operating
// on an absent or closing entry is a silent no-op; the caller may simply
// have raced a sweep.
func (m *Manager) RecordActivity(sessionKey string) {
	m.mu.RLock()
	mc, ok := m.conns[sessionKey]
	m.mu.RUnlock()
	if ok && !mc.closing.Load() {
		mc.Touch()
	}
}

// Release tears down the connection for sessionKey and reports whether an
// entry existed. Teardown failures are logged, never returned; the entry
// leaves the registry regardless, since a dangling remote connection beats
// a registry leak that blocks reuse. Releasing an absent key returns false.
func (m *Manager) Release(sessionKey string) bool {
	m.mu.Lock()
	mc, ok := m.conns[sessionKey]
	if ok {
		delete(m.conns, sessionKey)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.closeConn(mc, "released")
	return true
}

// Count returns the number of live (non-closing) registry entries.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, mc := range m.conns {
		if !mc.closing.Load() {
			n++
		}
	}
	return n
}

// SessionInfo is a point-in-time snapshot of one registry entry, exposed
// for the status endpoint.
type SessionInfo struct {
	SessionKey   string    `json:"session_key"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Sessions returns a snapshot of all live entries.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.conns))
	for _, mc := range m.conns {
		if mc.closing.Load() {
			continue
		}
		out = append(out, SessionInfo{
			SessionKey:   mc.key,
			CreatedAt:    mc.createdAt,
			LastActivity: mc.LastActivity(),
		})
	}
	return out
}

// ReleaseAll releases every entry, logging and continuing past individual
// teardown failures so one bad connection cannot block shutdown. Returns
// the number of entries released.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	conns := make([]*ManagedConn, 0, len(m.conns))
	for key, mc := range m.conns {
		delete(m.conns, key)
		conns = append(conns, mc)
	}
	m.mu.Unlock()

	for _, mc := range conns {
		m.closeConn(mc, "shutdown")
	}
	return len(conns)
}

// Run drives the idle sweep until ctx is cancelled. Reclamation is
// advisory: a request racing the sweep re-acquires and pays one extra
// handshake, nothing is lost.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepOnce(time.Now()); n > 0 {
				m.log.Info("idle sessions reclaimed", "count", n)
			}
		}
	}
}

// SweepOnce scans a snapshot of the registry and releases every entry idle
// longer than the configured threshold as of now. Returns the number
// reclaimed. Exposed so tests can drive sweeps without wall-clock waits.
func (m *Manager) SweepOnce(now time.Time) int {
	m.mu.RLock()
	keys := make([]string, 0, len(m.conns))
	for key, mc := range m.conns {
		if mc.IdleFor(now) > m.cfg.IdleTimeout {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	reclaimed := 0
	for _, key := range keys {
		if m.reclaim(key, now) {
			reclaimed++
		}
	}
	return reclaimed
}

// reclaim re-checks the idle predicate under the write lock so activity
// recorded between snapshot and teardown keeps the connection alive.
func (m *Manager) reclaim(key string, now time.Time) bool {
	m.mu.Lock()
	mc, ok := m.conns[key]
	if !ok || mc.IdleFor(now) <= m.cfg.IdleTimeout {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, key)
	m.mu.Unlock()

	m.closeConn(mc, "idle")
	return true
}

// closeConn finishes teardown for an entry already removed from the map.
// The closing flag makes double-close impossible when an explicit release
// races the sweep.
func (m *Manager) closeConn(mc *ManagedConn, reason string) {
	if !mc.closing.CompareAndSwap(false, true) {
		return
	}
	if err := mc.upstream.Close(); err != nil {
		m.log.Warn("render connection close failed", "session", mc.key, "reason", reason, "err", err)
	}
	m.log.Info("session disconnected", "session", mc.key, "reason", reason)
}
