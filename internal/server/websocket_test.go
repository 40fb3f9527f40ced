package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/tasksync/internal/core/engine"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/outbox"
	"github.com/zeusync/tasksync/internal/core/protocol"
	wsproto "github.com/zeusync/tasksync/internal/core/protocol/websocket"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/storage"
	"github.com/zeusync/tasksync/internal/core/transport"
	"github.com/zeusync/tasksync/sdk/go/client"
)

const waitFor = 5 * time.Second

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	srv := New(opts, log.NewNop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/sync"
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ChunkSize = 2
	opts.HeartbeatInterval = 50 * time.Millisecond
	return opts
}

// replica is a client over memory stores that can be started and stopped.
type replica struct {
	*client.Client
	store  *storage.Memory
	cancel context.CancelFunc
	done   sync.WaitGroup
}

func newReplica(t *testing.T, url, id, token string) *replica {
	t.Helper()
	cfg := protocol.DefaultConfig()
	cfg.URL = url

	store := storage.NewMemory()
	c, err := client.New(context.Background(), client.Options{
		Engine: engine.Options{
			ClientID:          id,
			Token:             token,
			HeartbeatInterval: 50 * time.Millisecond,
			RetryInterval:     20 * time.Millisecond,
			Backoff:           transport.Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		},
		Dialer: wsproto.NewDialer(cfg, log.NewNop()),
		Store:  store,
		State:  store,
		Outbox: outbox.NewMemoryStore(),
	})
	require.NoError(t, err)

	r := &replica{Client: c, store: store}
	r.start()
	t.Cleanup(func() {
		r.stop()
		_ = c.Close()
	})
	return r
}

func (r *replica) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done.Add(1)
	go func() {
		defer r.done.Done()
		_ = r.Run(ctx)
	}()
}

func (r *replica) stop() {
	if r.cancel != nil {
		r.cancel()
		r.done.Wait()
		r.cancel = nil
	}
}

func (r *replica) waitLive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Status().State == session.Live
	}, waitFor, 5*time.Millisecond)
}

func (r *replica) has(table, id string) bool {
	_, err := r.Get(context.Background(), table, id)
	return err == nil
}

func TestWebSocket_Auth(t *testing.T) {
	opts := testOptions()
	opts.Token = "supersecrettoken"
	_, u := startServer(t, opts)

	// Test without client id
	_, resp, err := websocket.DefaultDialer.Dial(u+"?token=supersecrettoken", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Test with invalid token
	_, resp, err = websocket.DefaultDialer.Dial(u+"?clientId=c1&token=invalid", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Test with valid token
	conn, _, err := websocket.DefaultDialer.Dial(u+"?clientId=c1&token=supersecrettoken", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := (&protocol.JSONCodec{}).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeInitStart, env.Type)
}

func TestWebSocket_MalformedMessageGetsServerError(t *testing.T) {
	_, u := startServer(t, testOptions())

	conn, _, err := websocket.DefaultDialer.Dial(u+"?clientId=c1", nil)
	require.NoError(t, err)
	defer conn.Close()

	codec := &protocol.JSONCodec{}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"clt_send_changes"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := codec.Decode(data)
		require.NoError(t, err)
		if env.Type == protocol.TypeServerError {
			assert.NotEmpty(t, env.Body.(*protocol.ServerError).Message)
			return
		}
	}
}

func TestWebSocket_SnapshotToNewClient(t *testing.T) {
	srv, u := startServer(t, testOptions())
	require.NoError(t, srv.ChangeLog().DecodeSeed(strings.NewReader(`
users:
  - {id: u1, name: Ada, email: ada@example.com}
  - {id: u2, name: Bob, email: bob@example.com}
  - {id: u3, name: Cy, email: cy@example.com}
projects:
  - {id: p1, name: Launch, owner_id: u1}
`)))

	r := newReplica(t, u, "c1", "")
	r.waitLive(t)

	users, err := r.List(context.Background(), "users")
	require.NoError(t, err)
	assert.Len(t, users, 3)
	assert.True(t, r.has("projects", "p1"))
	assert.Equal(t, srv.ChangeLog().Head(), r.Status().LastConfirmedLSN)
	assert.Equal(t, 1, srv.Clients())
}

func TestWebSocket_LiveFanOut(t *testing.T) {
	srv, u := startServer(t, testOptions())
	a := newReplica(t, u, "a", "")
	b := newReplica(t, u, "b", "")
	a.waitLive(t)
	b.waitLive(t)

	ctx := context.Background()
	_, err := a.EnqueueLocalChange(ctx, "projects", protocol.OpInsert, protocol.Record{"id": "p1", "name": "Launch"})
	require.NoError(t, err)
	_, err = a.EnqueueLocalChange(ctx, "tasks", protocol.OpInsert, protocol.Record{"id": "t1", "project_id": "p1", "title": "Ship"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.has("tasks", "t1") && b.has("projects", "p1")
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := a.Status()
		return st.Unsynced == 0 && st.LastConfirmedLSN == srv.ChangeLog().Head()
	}, waitFor, 5*time.Millisecond)

	_, err = b.EnqueueLocalChange(ctx, "tasks", protocol.OpUpdate, protocol.Record{"id": "t1", "status": "done"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := a.Get(ctx, "tasks", "t1")
		return err == nil && rec["status"] == "done" && rec["title"] == "Ship"
	}, waitFor, 5*time.Millisecond)
}

func TestWebSocket_RejectedChangeIsReported(t *testing.T) {
	srv, u := startServer(t, testOptions())
	require.NoError(t, srv.ChangeLog().DecodeSeed(strings.NewReader(`
users:
  - {id: u1, name: Ada, email: ada@example.com}
`)))

	r := newReplica(t, u, "c1", "")
	r.waitLive(t)

	_, err := r.EnqueueLocalChange(context.Background(), "users", protocol.OpInsert,
		protocol.Record{"id": "u2", "name": "Imposter", "email": "ada@example.com"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(r.Failures()) == 1
	}, waitFor, 5*time.Millisecond)
	failed := r.Failures()[0]
	assert.Contains(t, failed.FailureReason, ErrUniqueViolation.Error())
	assert.Equal(t, 1, r.Status().FailedChanges)
	assert.Equal(t, 1, srv.ChangeLog().Count("users"))
}

func TestWebSocket_CatchupAfterReconnect(t *testing.T) {
	srv, u := startServer(t, testOptions())
	a := newReplica(t, u, "a", "")
	b := newReplica(t, u, "b", "")
	a.waitLive(t)
	b.waitLive(t)

	ctx := context.Background()
	_, err := b.EnqueueLocalChange(ctx, "projects", protocol.OpInsert, protocol.Record{"id": "p1", "name": "One"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.has("projects", "p1") }, waitFor, 5*time.Millisecond)

	a.stop()
	require.Equal(t, session.Disconnected, a.Status().State)
	confirmed := a.Status().LastConfirmedLSN

	for _, id := range []string{"p2", "p3", "p4", "p5", "p6"} {
		_, err := b.EnqueueLocalChange(ctx, "projects", protocol.OpInsert, protocol.Record{"id": id, "name": id})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return srv.ChangeLog().Count("projects") == 6 }, waitFor, 5*time.Millisecond)

	a.start()
	a.waitLive(t)
	require.Eventually(t, func() bool {
		return a.has("projects", "p6") && a.Status().LastConfirmedLSN == srv.ChangeLog().Head()
	}, waitFor, 5*time.Millisecond)
	assert.True(t, confirmed.Less(a.Status().LastConfirmedLSN))
}

func TestWebSocket_LSNUpdateWithoutEcho(t *testing.T) {
	opts := testOptions()
	opts.EchoOwnChanges = false
	srv, u := startServer(t, opts)

	r := newReplica(t, u, "c1", "")
	r.waitLive(t)

	_, err := r.EnqueueLocalChange(context.Background(), "projects", protocol.OpInsert, protocol.Record{"id": "p1", "name": "Solo"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := r.Status()
		return st.Unsynced == 0 && st.ServerLSN == srv.ChangeLog().Head() && !st.ServerLSN.IsZero()
	}, waitFor, 5*time.Millisecond)
}

func TestServer_HealthAndRunGuards(t *testing.T) {
	srv, u := startServer(t, testOptions())

	resp, err := http.Get("http" + strings.TrimSuffix(strings.TrimPrefix(u, "ws"), "/sync") + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.Run(context.Background(), "127.0.0.1:0", nil), ErrServerClosed)
}

func TestWebSocket_RateLimitedBatchGetsServerError(t *testing.T) {
	opts := testOptions()
	opts.RateLimit = 1
	opts.RateWindow = time.Minute
	srv, u := startServer(t, opts)

	conn, _, err := websocket.DefaultDialer.Dial(u+"?clientId=c1", nil)
	require.NoError(t, err)
	defer conn.Close()

	codec := &protocol.JSONCodec{}
	for _, id := range []string{"p1", "p2"} {
		frame, err := codec.Encode(protocol.NewEnvelope(protocol.TypeSendChanges, &protocol.SendChanges{
			Changes: []protocol.TableChange{{ID: "ch-" + id, Table: "projects", Operation: protocol.OpInsert, Data: protocol.Record{"id": id, "name": id}}},
		}))
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := codec.Decode(data)
		require.NoError(t, err)
		if env.Type == protocol.TypeServerError {
			assert.Contains(t, env.Body.(*protocol.ServerError).Message, "rate limit")
			break
		}
	}
	assert.Equal(t, 1, srv.ChangeLog().Count("projects"))
}
