package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/config"
	"github.com/nomis52/minion/logging"
	"github.com/nomis52/minion/stream"
	"github.com/nomis52/minion/work"
)

type testNode struct {
	srv  *Server
	http *httptest.Server
}

func newTestNode(t *testing.T, peers ...stream.Peer) *testNode {
	t.Helper()
	cfg := &config.Config{Peers: peers}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	srv, err := New(cfg, WithLogger(slog.Default()))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.cache.Close()
		ts.Close()
	})
	return &testNode{srv: srv, http: ts}
}

func (n *testNode) peer(name string) stream.Peer {
	return stream.Peer{Name: name, URL: n.http.URL}
}

func (n *testNode) find(pred func(*activity.Activity) bool) *activity.Activity {
	for _, s := range n.srv.registry.SnapshotAll() {
		if a := n.srv.registry.FindByID(s.ID); a != nil && pred(a) {
			return a
		}
	}
	return nil
}

func TestServer_Health(t *testing.T) {
	node := newTestNode(t)

	resp, err := http.Get(node.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_MetricsEndpoint(t *testing.T) {
	node := newTestNode(t)
	node.srv.broadcaster.Tick()

	resp, err := http.Get(node.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), `minion_activity_broadcasts_total{result="sent"} 1`)
}

func TestServer_PushMetricsHasNoScrapeEndpoint(t *testing.T) {
	cfg := &config.Config{Monitoring: config.MonitoringConfig{PushURL: "http://127.0.0.1:1"}}
	cfg.SetDefaults()

	srv, err := New(cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RequestContextReachesActivities(t *testing.T) {
	node := newTestNode(t)

	req, err := http.NewRequest(http.MethodPost,
		node.http.URL+"/api/work?group=g1&instance=i-7",
		strings.NewReader(`{"name":"index","steps":1000,"step_ms":1}`))
	require.NoError(t, err)
	req.Header.Set(activity.ProxyScopeHeader, "tok")
	req.SetBasicAuth("bob", "secret")

	done := make(chan work.Result, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			close(done)
			return
		}
		defer resp.Body.Close()
		var result work.Result
		_ = json.NewDecoder(resp.Body).Decode(&result)
		done <- result
	}()

	var job *activity.Activity
	require.Eventually(t, func() bool {
		job = node.find(func(a *activity.Activity) bool { return a.Name() == "index" })
		return job != nil
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []string{"tok", "g1", "i-7"}, job.Scope())
	assert.Equal(t, "bob", job.User())

	// Cancel it through the API.
	del, err := http.NewRequest(http.MethodDelete, node.http.URL+"/api/activities/"+job.ID(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case result, ok := <-done:
		require.True(t, ok, "work request failed")
		assert.True(t, result.Cancelled)
		assert.Equal(t, job.ID(), result.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("work did not stop after cancel")
	}

	del, err = http.NewRequest(http.MethodDelete, node.http.URL+"/api/activities/"+job.ID(), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(del)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ProxiesPeerActivities(t *testing.T) {
	nodeB := newTestNode(t)
	nodeA := newTestNode(t, nodeB.peer("node2"))

	req, err := http.NewRequest(http.MethodPost,
		nodeA.http.URL+"/api/peers/node2/work?group=g1",
		strings.NewReader(`{"name":"copy","steps":10000,"step_ms":1}`))
	require.NoError(t, err)
	req.Header.Set(work.RemoteUserHeader, "alice")

	type outcome struct {
		status int
		result work.Result
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			close(done)
			return
		}
		defer resp.Body.Close()
		var o outcome
		o.status = resp.StatusCode
		_ = json.NewDecoder(resp.Body).Decode(&o.result)
		done <- o
	}()

	// The forwarding activity on A.
	var forward *activity.Activity
	require.Eventually(t, func() bool {
		forward = nodeA.find(func(a *activity.Activity) bool { return a.Name() == "copy on node2" })
		return forward != nil
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"g1"}, forward.Scope())

	// B broadcasts until A has mirrored the job.
	var shadow *activity.Activity
	require.Eventually(t, func() bool {
		nodeB.srv.broadcaster.Tick()
		shadow = nodeA.find(func(a *activity.Activity) bool { return a.IsShadow() })
		return shadow != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "copy", shadow.Name())
	assert.Equal(t, forward.ID(), shadow.ParentID())
	assert.Equal(t, []string{"g1"}, shadow.Scope())
	assert.Equal(t, "alice", shadow.User())
	assert.Equal(t, int64(10000), shadow.Max())

	remote := nodeB.find(func(a *activity.Activity) bool { return a.Name() == "copy" })
	require.NotNil(t, remote)
	assert.NotEqual(t, remote.ID(), shadow.ID())

	// Cancelling the shadow on A cancels the job on B.
	del, err := http.NewRequest(http.MethodDelete, nodeA.http.URL+"/api/activities/"+shadow.ID(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case o, ok := <-done:
		require.True(t, ok, "forwarded work request failed")
		assert.Equal(t, http.StatusOK, o.status)
		assert.True(t, o.result.Cancelled)
		assert.Equal(t, remote.ID(), o.result.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("forwarded work did not stop after cancel")
	}

	// The proxy is closed with the call: A is empty again and the peer
	// connection is idle.
	assert.Empty(t, nodeA.srv.registry.SnapshotAll())
	conn, err := nodeA.srv.cache.Get(nodeB.peer("node2"), "/activities")
	require.NoError(t, err)
	assert.Equal(t, int64(0), conn.Refs())
}

func TestServer_PeerWorkUnknownPeer(t *testing.T) {
	node := newTestNode(t)

	resp, err := http.Post(node.http.URL+"/api/peers/nope/work", "application/json",
		strings.NewReader(`{"steps":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RunShutsDownOnCancel(t *testing.T) {
	cfg := &config.Config{Listener: config.ListenerConfig{Addr: "127.0.0.1:0"}}
	cfg.SetDefaults()

	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_RunReportsListenErrors(t *testing.T) {
	cfg := &config.Config{Listener: config.ListenerConfig{Addr: "256.0.0.1:bad"}}
	cfg.SetDefaults()

	srv, err := New(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(context.Background()) }()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen error was not reported")
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var b strings.Builder
	_, err := io.Copy(&b, resp.Body)
	require.NoError(t, err)
	return b.String()
}

func TestServer_ActivityLogs(t *testing.T) {
	node := newTestNode(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(node.http.URL+"/api/work", "application/json",
			strings.NewReader(`{"name":"reindex","steps":1000,"step_ms":1}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	var job *activity.Activity
	require.Eventually(t, func() bool {
		job = node.find(func(a *activity.Activity) bool { return a.Name() == "reindex" })
		return job != nil && job.Current() > 0
	}, 5*time.Second, time.Millisecond)

	resp, err := http.Get(node.http.URL + "/api/activities/" + job.ID() + "/logs")
	require.NoError(t, err)
	var entries []logging.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, entries)
	assert.Equal(t, "work started", entries[0].Message)
	assert.Equal(t, "reindex", entries[0].Attributes["name"])

	job.Cancel(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("work did not stop after cancel")
	}

	resp, err = http.Get(node.http.URL + "/api/activities/" + job.ID() + "/logs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, node.srv.logs.Len(), "finished activities release their logs")
}
