// Package render implements the client side of the upstream render network
// protocol: an authenticated websocket carrying generation jobs out and
// asynchronous progress events back.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrAuthFailed is returned when the render network rejects the login
// handshake or cannot be reached at all.
var ErrAuthFailed = errors.New("render authentication failed")

// ErrConnClosed is returned when submitting on a connection whose socket
// has already shut down.
var ErrConnClosed = errors.New("render connection closed")

const writeTimeout = 10 * time.Second

// Dropping intermediate progress frames is fine; terminal frames get a
// short grace period before the subscriber is considered gone.
const terminalDispatchWait = 2 * time.Second

const defaultHandshakeTimeout = 15 * time.Second

// Options configures a render network connection.
type Options struct {
	URL              string
	AppID            string
	Username         string
	Password         string
	HandshakeTimeout time.Duration
}

// Job is a submitted generation job. Events carries its progress frames
// and is closed after a terminal event or on connection shutdown.
type Job struct {
	ID     string
	Events <-chan Event
	cancel func()
}

// Cancel drops the event subscription. It does not abort the remote job.
func (j *Job) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

// Conn is an authenticated connection to the render network.
type Conn interface {
	// SubmitJob sends a generation job. The event subscription is
	// registered before the frame goes out, so no event can be missed.
	SubmitJob(ctx context.Context, req JobRequest) (*Job, error)

	// Close tears the socket down. Safe to call more than once.
	Close() error
}

type wsConn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]chan Event

	closing  atomic.Bool
	readDone chan struct{}
}

// Dial connects to the render network and performs the login handshake.
// Any failure before the auth ack, including an unreachable endpoint,
// surfaces as ErrAuthFailed so callers map it to one user-facing error.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (Conn, error) {
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d", ErrAuthFailed, opts.URL, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrAuthFailed, opts.URL, err)
	}

	login := message{
		Kind:     kindLogin,
		AppID:    opts.AppID,
		Username: opts.Username,
		Password: opts.Password,
	}
	if err := ws.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := ws.WriteJSON(login); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: send login: %v", ErrAuthFailed, err)
	}
	_ = ws.SetWriteDeadline(time.Time{})

	if err := ws.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	var ack message
	if err := ws.ReadJSON(&ack); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: read auth ack: %v", ErrAuthFailed, err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch ack.Kind {
	case kindAuthOK:
	case kindAuthError:
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, ack.Error)
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("%w: unexpected handshake frame %q", ErrAuthFailed, ack.Kind)
	}

	c := &wsConn{
		ws:       ws,
		log:      logger,
		subs:     map[string]chan Event{},
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// NewDialer binds Options and a logger into the dial signature the
// connection manager expects. The session key only identifies the booth
// session for logging; every session authenticates with the same app
// credentials.
func NewDialer(opts Options, logger *slog.Logger) func(ctx context.Context, sessionKey string) (Conn, error) {
	return func(ctx context.Context, sessionKey string) (Conn, error) {
		conn, err := Dial(ctx, opts, logger)
		if err != nil {
			logger.Warn("render dial failed", "session", sessionKey, "err", err)
			return nil, err
		}
		logger.Debug("render connection established", "session", sessionKey)
		return conn, nil
	}
}

func (c *wsConn) SubmitJob(ctx context.Context, req JobRequest) (*Job, error) {
	if c.closing.Load() {
		return nil, ErrConnClosed
	}
	select {
	case <-c.readDone:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	jobID := uuid.NewString()
	ch, cancel := c.subscribe(jobID)
	if err := c.writeJSON(message{Kind: kindJobRequest, JobID: jobID, Job: &req}); err != nil {
		cancel()
		return nil, fmt.Errorf("submit job: %w", err)
	}
	return &Job{ID: jobID, Events: ch, cancel: cancel}, nil
}

func (c *wsConn) subscribe(jobID string) (chan Event, func()) {
	ch := make(chan Event, 16)
	c.subsMu.Lock()
	c.subs[jobID] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		if cur, ok := c.subs[jobID]; ok && cur == ch {
			delete(c.subs, jobID)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel
}

func (c *wsConn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) writeJSON(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		_ = c.ws.Close()
		return err
	}
	defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	err := c.ws.WriteJSON(msg)
	if err != nil {
		_ = c.ws.Close()
	}
	return err
}

func (c *wsConn) readLoop() {
	defer func() {
		close(c.readDone)
		c.closeSubs()
	}()

	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !c.closing.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("render read error", "err", err)
			}
			return
		}

		evt, ok := eventFromMessage(msg)
		if !ok {
			continue
		}
		c.dispatch(evt)
	}
}

func eventFromMessage(msg message) (Event, bool) {
	evt := Event{
		JobID:      msg.JobID,
		Progress:   msg.Progress,
		PreviewURL: msg.PreviewURL,
		ResultURL:  msg.ResultURL,
		Err:        msg.Error,
	}
	switch msg.Kind {
	case kindJobQueued:
		evt.Type = EventQueued
	case kindJobProgress:
		evt.Type = EventProgress
	case kindJobPreview:
		evt.Type = EventPreview
	case kindJobCompleted:
		evt.Type = EventCompleted
		evt.Progress = 1
	case kindJobFailed:
		evt.Type = EventFailed
	default:
		return Event{}, false
	}
	if evt.JobID == "" {
		return Event{}, false
	}
	return evt, true
}

func (c *wsConn) dispatch(evt Event) {
	c.subsMu.Lock()
	ch, ok := c.subs[evt.JobID]
	if ok && evt.Terminal() {
		delete(c.subs, evt.JobID)
	}
	c.subsMu.Unlock()
	if !ok {
		return
	}

	if !evt.Terminal() {
		select {
		case ch <- evt:
		default:
			// Subscriber is behind; the next progress frame supersedes
			// this one anyway.
		}
		return
	}

	timer := time.NewTimer(terminalDispatchWait)
	defer timer.Stop()
	select {
	case ch <- evt:
	case <-timer.C:
		c.log.Warn("dropped terminal job event, subscriber stalled", "job_id", evt.JobID, "type", evt.Type)
	}
	close(ch)
}

func (c *wsConn) closeSubs() {
	c.subsMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subsMu.Unlock()
}
