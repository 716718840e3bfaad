package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/auth"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/config"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/connman"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/domain"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/render"
	"github.com/blkluv/photo-booth-sogni-sub004/internal/store/sqlite"
)

// scriptedConn is a render.Conn whose job events are fed by the test.
type scriptedConn struct {
	mu     sync.Mutex
	nextID int
	jobs   map[string]chan render.Event
	dead   bool
}

func (c *scriptedConn) SubmitJob(_ context.Context, _ render.JobRequest) (*render.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil, render.ErrConnClosed
	}
	c.nextID++
	id := fmt.Sprintf("job-%d", c.nextID)
	ch := make(chan render.Event, 16)
	c.jobs[id] = ch
	return &render.Job{ID: id, Events: ch}, nil
}

func (c *scriptedConn) Close() error { return nil }

func (c *scriptedConn) emit(jobID string, evt render.Event) {
	c.mu.Lock()
	ch := c.jobs[jobID]
	c.mu.Unlock()
	evt.JobID = jobID
	ch <- evt
	if evt.Terminal() {
		close(ch)
	}
}

type testEnv struct {
	srv   *httptest.Server
	conns *connman.Manager
	store *sqlite.Store
	conn  *scriptedConn
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Config{
		MaxBodyBytes:    1 << 20,
		RequestTimeout:  5 * time.Second,
		IdleTimeout:     time.Minute,
		SweepInterval:   time.Minute,
		JobRetention:    time.Hour,
		JanitorInterval: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "booth.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	conn := &scriptedConn{jobs: map[string]chan render.Event{}}
	dial := func(context.Context, string) (render.Conn, error) { return conn, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conns := connman.New(connman.Config{IdleTimeout: cfg.IdleTimeout, SweepInterval: cfg.SweepInterval}, dial, logger)
	t.Cleanup(func() { conns.ReleaseAll() })

	s := New(cfg, conns, store, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, conns: conns, store: store, conn: conn}
}

func (e *testEnv) createJob(t *testing.T, sessionKey string) createJobResponse {
	t.Helper()
	body := bytes.NewBufferString(`{"style_id":"anime","prompt":"vivid"}`)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/jobs", body)
	if err != nil {
		t.Fatal(err)
	}
	if sessionKey != "" {
		req.Header.Set(sessionHeader, sessionKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create job: status %d body %s", resp.StatusCode, raw)
	}
	var out createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

// readSSE collects event names until the stream ends or a terminal event
// arrives, returning the names and the last payload seen.
func readSSE(t *testing.T, body io.Reader) ([]string, sseEvent) {
	t.Helper()
	var names []string
	var last sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &last); err != nil {
				t.Fatalf("bad SSE payload %q: %v", data, err)
			}
		}
	}
	return names, last
}

func TestCreateJobAndStreamEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	created := env.createJob(t, "sess-1")
	if created.SessionKey != "sess-1" {
		t.Fatalf("expected echoed session key, got %q", created.SessionKey)
	}
	if env.conns.Count() != 1 {
		t.Fatalf("expected one managed connection, got %d", env.conns.Count())
	}

	go func() {
		env.conn.emit(created.JobID, render.Event{Type: render.EventQueued})
		env.conn.emit(created.JobID, render.Event{Type: render.EventProgress, Progress: 0.4})
		env.conn.emit(created.JobID, render.Event{Type: render.EventCompleted, ResultURL: "https://cdn.example.net/out.png"})
	}()

	resp, err := http.Get(env.srv.URL + created.EventsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	names, last := readSSE(t, resp.Body)
	if len(names) == 0 || names[len(names)-1] != "completed" {
		t.Fatalf("expected completed as final event, got %v", names)
	}
	if last.ResultURL != "https://cdn.example.net/out.png" {
		t.Fatalf("unexpected result url %q", last.ResultURL)
	}

	job, err := env.store.GetJob(context.Background(), created.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != domain.JobStateCompleted {
		t.Fatalf("expected completed job row, got %s", job.State)
	}
}

func TestCreateJobReusesSession(t *testing.T) {
	env := newTestEnv(t, nil)

	a := env.createJob(t, "sess-1")
	b := env.createJob(t, "sess-1")
	if a.SessionKey != b.SessionKey {
		t.Fatal("expected both jobs on one session")
	}
	if env.conns.Count() != 1 {
		t.Fatalf("expected a single managed connection, got %d", env.conns.Count())
	}
}

func TestCreateJobGeneratesSessionKey(t *testing.T) {
	env := newTestEnv(t, nil)

	created := env.createJob(t, "")
	if created.SessionKey == "" {
		t.Fatal("expected generated session key in response")
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing style", body: `{"prompt":"x"}`},
		{name: "unknown field", body: `{"style_id":"anime","bogus":1}`},
		{name: "not json", body: `style=anime`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestCreateJobUpstreamAuthFailure(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "booth.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dial := func(context.Context, string) (render.Conn, error) {
		return nil, fmt.Errorf("%w: invalid credentials", render.ErrAuthFailed)
	}
	conns := connman.New(connman.Config{}, dial, logger)
	s := New(config.Config{MaxBodyBytes: 1 << 20, RequestTimeout: time.Second}, conns, store, logger)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"style_id":"anime"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on auth failure, got %d", resp.StatusCode)
	}
	if conns.Count() != 0 {
		t.Fatalf("expected no registry entry after failed acquire, got %d", conns.Count())
	}
}

func TestCreateJobRetriesDeadConnection(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "booth.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dead := &scriptedConn{jobs: map[string]chan render.Event{}, dead: true}
	live := &scriptedConn{jobs: map[string]chan render.Event{}}
	dials := 0
	dial := func(context.Context, string) (render.Conn, error) {
		dials++
		if dials == 1 {
			return dead, nil
		}
		return live, nil
	}
	conns := connman.New(connman.Config{}, dial, logger)
	s := New(config.Config{MaxBodyBytes: 1 << 20, RequestTimeout: time.Second}, conns, store, logger)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"style_id":"anime"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 after retry on a fresh connection, got %d", resp.StatusCode)
	}
	if dials != 2 {
		t.Fatalf("expected exactly one re-dial, got %d dials", dials)
	}
	if conns.Count() != 1 {
		t.Fatalf("expected one live connection after retry, got %d", conns.Count())
	}
}

func TestCreateJobRetryRedialFails(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "booth.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dead := &scriptedConn{jobs: map[string]chan render.Event{}, dead: true}
	dials := 0
	dial := func(context.Context, string) (render.Conn, error) {
		dials++
		if dials == 1 {
			return dead, nil
		}
		return nil, fmt.Errorf("%w: upstream gone", render.ErrAuthFailed)
	}
	conns := connman.New(connman.Config{}, dial, logger)
	s := New(config.Config{MaxBodyBytes: 1 << 20, RequestTimeout: time.Second}, conns, store, logger)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"style_id":"anime"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the re-dial fails, got %d", resp.StatusCode)
	}
	if conns.Count() != 0 {
		t.Fatalf("expected empty registry after failed re-dial, got %d", conns.Count())
	}
}

func TestEventsUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/v1/jobs/nope/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestEventsReplayFinishedJob(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.store.InsertJob(ctx, "old-job", "sess", "anime"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SetJobState(ctx, "old-job", domain.JobStateCompleted, "https://cdn.example.net/old.png", ""); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/jobs/old-job/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	names, last := readSSE(t, resp.Body)
	if len(names) != 1 || names[0] != domain.JobStateCompleted {
		t.Fatalf("expected single completed frame, got %v", names)
	}
	if last.ResultURL != "https://cdn.example.net/old.png" {
		t.Fatalf("unexpected replayed result %q", last.ResultURL)
	}
}

func TestDisconnectBeacon(t *testing.T) {
	env := newTestEnv(t, nil)

	env.createJob(t, "sess-1")
	if env.conns.Count() != 1 {
		t.Fatal("expected a live connection before disconnect")
	}

	released := func() bool {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/sessions/disconnect", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set(sessionHeader, "sess-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out map[string]bool
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out["released"]
	}

	if !released() {
		t.Fatal("expected first disconnect to release the session")
	}
	if env.conns.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", env.conns.Count())
	}
	if released() {
		t.Fatal("expected second disconnect to be a no-op")
	}
}

func TestDisconnectMissingSession(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.srv.URL+"/api/v1/sessions/disconnect", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStatusEndpointGuard(t *testing.T) {
	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.TokenPepper = "pepper"
		cfg.AdminTokenHash = auth.HashToken(token, "pepper")
	})

	env.createJob(t, "sess-1")

	resp, err := http.Get(env.srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.ActiveConnections != 1 {
		t.Fatalf("expected one active connection, got %d", status.ActiveConnections)
	}
	if status.Jobs[domain.JobStateQueued] != 1 {
		t.Fatalf("expected one queued job, got %v", status.Jobs)
	}
	if len(status.RecentJobs) != 1 || status.RecentJobs[0].SessionKey != "sess-1" {
		t.Fatalf("expected the submitted job in recent jobs, got %v", status.RecentJobs)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
