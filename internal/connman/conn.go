package connman

import (
	"sync/atomic"
	"time"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/render"
)

// ManagedConn is one live, authenticated render connection owned by the
// Manager and shared by every request carrying the same session key.
type ManagedConn struct {
	key       string
	upstream  render.Conn
	createdAt time.Time

	lastActivityUnixNano atomic.Int64
	closing              atomic.Bool
}

// SessionKey returns the opaque session key the connection is registered
// under. For requests that arrived without a key this is the generated one.
func (c *ManagedConn) SessionKey() string { return c.key }

// Upstream returns the underlying render connection for job submission.
func (c *ManagedConn) Upstream() render.Conn { return c.upstream }

// CreatedAt returns when the upstream handshake completed.
func (c *ManagedConn) CreatedAt() time.Time { return c.createdAt }

// Touch records activity now. Timestamps only move forward, so a stale
// touch racing a fresher one never rewinds the clock.
func (c *ManagedConn) Touch() { c.touch(time.Now()) }

func (c *ManagedConn) touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.lastActivityUnixNano.Load()
		if n <= cur {
			return
		}
		if c.lastActivityUnixNano.CompareAndSwap(cur, n) {
			return
		}
	}
}

// LastActivity returns the most recent activity timestamp.
func (c *ManagedConn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivityUnixNano.Load())
}

// IdleFor returns how long the connection has gone without activity.
func (c *ManagedConn) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastActivity())
}
