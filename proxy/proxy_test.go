package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/broadcast"
	"github.com/nomis52/minion/stream"
)

var testPeer = stream.Peer{Name: "node2", URL: "http://node2:8080"}

type fakeStream struct{ open atomic.Bool }

func (s *fakeStream) IsOpen() bool { return s.open.Load() }

func (s *fakeStream) Close() error {
	s.open.Store(false)
	return nil
}

// fakeDialer keeps the handlers of the last dial so tests can deliver batches.
type fakeDialer struct {
	mu       sync.Mutex
	handlers *stream.Handlers
}

func (d *fakeDialer) Dial(ctx context.Context, url string, h stream.Handlers) (stream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = &h
	s := &fakeStream{}
	s.open.Store(true)
	return s, nil
}

func (d *fakeDialer) deliver(t *testing.T, batch []activity.Snapshot) {
	t.Helper()
	var h *stream.Handlers
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		h = d.handlers
		return h != nil
	}, time.Second, time.Millisecond)

	ev, err := stream.NewEvent(broadcast.EventName, batch)
	require.NoError(t, err)
	h.OnEvent(ev)
}

type cancelCall struct {
	peer string
	id   string
}

type fakeCanceller struct {
	mu    sync.Mutex
	calls []cancelCall
	err   error
}

func (c *fakeCanceller) CancelActivity(ctx context.Context, peer stream.Peer, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cancelCall{peer: peer.Name, id: id})
	return c.err
}

func (c *fakeCanceller) Calls() []cancelCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cancelCall(nil), c.calls...)
}

type fixture struct {
	registry  *activity.Registry
	dialer    *fakeDialer
	cache     *stream.Cache
	canceller *fakeCanceller
	proxier   *Proxier
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dialer:    &fakeDialer{},
		canceller: &fakeCanceller{},
		now:       time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.registry = activity.NewRegistry(activity.WithClock(clock))
	f.cache = stream.NewCache(f.dialer, slog.Default())
	f.proxier = NewProxier(f.registry, f.cache, f.canceller,
		WithClock(clock), WithPeers(testPeer), WithLogger(slog.Default()))
	t.Cleanup(f.cache.Close)
	return f
}

func (f *fixture) shadows() []activity.Snapshot {
	var out []activity.Snapshot
	for _, s := range f.registry.SnapshotAll() {
		if a := f.registry.FindByID(s.ID); a != nil && a.IsShadow() {
			out = append(out, s)
		}
	}
	return out
}

func TestProxy_MirrorsRemoteActivity(t *testing.T) {
	f := newFixture(t)

	ctx, attach := f.registry.Start(context.Background(), "migrate instance", activity.WithStartUser("alice"))
	defer attach.Done()

	proxyCtx, px, err := f.proxier.ProxyActivities(ctx, testPeer)
	require.NoError(t, err)
	defer px.Close()

	tok := px.Token()
	assert.Equal(t, tok, activity.ProxyScopeFrom(proxyCtx))

	f.dialer.deliver(t, []activity.Snapshot{{
		ID:       "r1",
		Name:     "copy disk",
		Scope:    []string{tok, "g"},
		User:     "peer-service",
		Current:  10,
		Max:      20,
		Duration: 5000,
	}})

	shadows := f.shadows()
	require.Len(t, shadows, 1)
	s := shadows[0]
	assert.NotEqual(t, "r1", s.ID)
	assert.Equal(t, attach.ID(), s.ParentID)
	assert.Equal(t, "copy disk", s.Name)
	assert.Equal(t, []string{"g"}, s.Scope)
	assert.Equal(t, "alice", s.User)
	assert.Equal(t, int64(10), s.Current)
	assert.Equal(t, int64(20), s.Max)
	assert.Equal(t, 5*time.Second, s.Elapsed())
	assert.Len(t, f.registry.SnapshotAll(), 2)
	assert.Equal(t, 1, px.Shadows())
}

func TestProxy_UpdatesAndRemovesShadows(t *testing.T) {
	f := newFixture(t)

	_, px, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)
	defer px.Close()
	tok := px.Token()

	remote := activity.Snapshot{ID: "r1", Name: "copy", Scope: []string{tok}, Current: 1, Max: 4}
	f.dialer.deliver(t, []activity.Snapshot{remote})
	first := f.shadows()
	require.Len(t, first, 1)
	assert.Empty(t, first[0].ParentID, "no attachment activity")

	remote.Current = 3
	f.dialer.deliver(t, []activity.Snapshot{remote})
	second := f.shadows()
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "remote ids map to stable shadow ids")
	assert.Equal(t, int64(3), second[0].Current)

	// The remote finished: the next batch omits it.
	f.dialer.deliver(t, []activity.Snapshot{})
	assert.Empty(t, f.shadows())
	assert.Empty(t, f.registry.SnapshotAll())
	assert.Equal(t, 0, px.Shadows())
}

func TestProxy_IgnoresForeignScopes(t *testing.T) {
	f := newFixture(t)

	_, px, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)
	defer px.Close()

	f.dialer.deliver(t, []activity.Snapshot{
		{ID: "other-proxy", Scope: []string{"someone-else", "g"}},
		{ID: "local-on-peer", Scope: []string{"g"}},
		{ID: "no-scope"},
		{ID: "mine", Scope: []string{px.Token(), "g"}},
	})

	shadows := f.shadows()
	require.Len(t, shadows, 1)
	assert.Equal(t, []string{"g"}, shadows[0].Scope)
}

func TestProxy_ConcurrentProxiesAreIsolated(t *testing.T) {
	f := newFixture(t)

	_, px1, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)
	defer px1.Close()
	_, px2, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)
	defer px2.Close()

	conn, err := f.cache.Get(testPeer, StreamPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2), conn.Refs(), "both proxies share one connection")

	f.dialer.deliver(t, []activity.Snapshot{
		{ID: "a", Name: "first", Scope: []string{px1.Token()}},
		{ID: "b", Name: "second", Scope: []string{px2.Token()}},
	})

	assert.Equal(t, 1, px1.Shadows())
	assert.Equal(t, 1, px2.Shadows())
	assert.Len(t, f.shadows(), 2)
}

func TestProxy_ParentMapping(t *testing.T) {
	f := newFixture(t)

	ctx, attach := f.registry.Start(context.Background(), "deploy")
	defer attach.Done()

	_, px, err := f.proxier.ProxyActivities(ctx, testPeer)
	require.NoError(t, err)
	defer px.Close()
	tok := px.Token()

	f.dialer.deliver(t, []activity.Snapshot{
		{ID: "parent", Name: "parent", Scope: []string{tok}},
		{ID: "child", ParentID: "parent", Name: "child", Scope: []string{tok}},
		{ID: "orphan", ParentID: "unknown", Name: "orphan", Scope: []string{tok}},
	})

	byName := make(map[string]activity.Snapshot)
	for _, s := range f.shadows() {
		byName[s.Name] = s
	}
	require.Len(t, byName, 3)
	assert.Equal(t, attach.ID(), byName["parent"].ParentID)
	assert.Equal(t, byName["parent"].ID, byName["child"].ParentID)
	assert.Equal(t, attach.ID(), byName["orphan"].ParentID)
}

func TestProxy_ChildBeforeParentFallsBackToAttachment(t *testing.T) {
	f := newFixture(t)

	ctx, attach := f.registry.Start(context.Background(), "deploy")
	defer attach.Done()

	_, px, err := f.proxier.ProxyActivities(ctx, testPeer)
	require.NoError(t, err)
	defer px.Close()
	tok := px.Token()

	f.dialer.deliver(t, []activity.Snapshot{
		{ID: "child", ParentID: "parent", Name: "child", Scope: []string{tok}},
	})
	f.dialer.deliver(t, []activity.Snapshot{
		{ID: "child", ParentID: "parent", Name: "child", Scope: []string{tok}},
		{ID: "parent", Name: "parent", Scope: []string{tok}},
	})

	byName := make(map[string]activity.Snapshot)
	for _, s := range f.shadows() {
		byName[s.Name] = s
	}
	require.Len(t, byName, 2)
	// The parent arrived late, so the child stays attached where it was created.
	assert.Equal(t, attach.ID(), byName["child"].ParentID)
	assert.Equal(t, attach.ID(), byName["parent"].ParentID)
}

func TestProxy_AttachmentFinished(t *testing.T) {
	f := newFixture(t)

	ctx, attach := f.registry.Start(context.Background(), "short")
	_, px, err := f.proxier.ProxyActivities(ctx, testPeer)
	require.NoError(t, err)
	defer px.Close()
	attach.Done()

	f.dialer.deliver(t, []activity.Snapshot{{ID: "r1", Scope: []string{px.Token()}, User: "bob"}})

	shadows := f.shadows()
	require.Len(t, shadows, 1)
	assert.Empty(t, shadows[0].ParentID)
}

func TestProxy_CancelGoesUpstream(t *testing.T) {
	f := newFixture(t)

	_, px, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)
	defer px.Close()

	remote := activity.Snapshot{ID: "r1", Scope: []string{px.Token(), "g"}, Current: 10, Max: 20}
	f.dialer.deliver(t, []activity.Snapshot{remote})

	shadows := f.shadows()
	require.Len(t, shadows, 1)
	shadow := f.registry.FindByID(shadows[0].ID)
	require.NotNil(t, shadow)

	b := broadcast.New(f.registry, nopPublisher{})
	require.NoError(t, b.Cancel(context.Background(), shadow.ID()))

	assert.Equal(t, []cancelCall{{peer: "node2", id: "r1"}}, f.canceller.Calls())
	assert.False(t, shadow.CancelRequested(), "only the peer's report marks a shadow cancelled")

	remote.CancelRequested = true
	f.dialer.deliver(t, []activity.Snapshot{remote})
	assert.True(t, shadow.CancelRequested())
}

func TestProxy_CancelErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.canceller.err = errors.New("connection refused")

	_, px, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)
	defer px.Close()

	f.dialer.deliver(t, []activity.Snapshot{{ID: "r1", Scope: []string{px.Token()}}})
	shadows := f.shadows()
	require.Len(t, shadows, 1)

	err = f.registry.FindByID(shadows[0].ID).Cancel(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestProxy_CloseFinishesShadows(t *testing.T) {
	f := newFixture(t)

	_, px, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)

	f.dialer.deliver(t, []activity.Snapshot{
		{ID: "r1", Scope: []string{px.Token()}},
		{ID: "r2", Scope: []string{px.Token()}},
	})
	require.Len(t, f.shadows(), 2)

	px.Close()
	px.Close()
	assert.Empty(t, f.registry.SnapshotAll())

	conn, err := f.cache.Get(testPeer, StreamPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conn.Refs())

	// Batches that arrive after Close are ignored.
	f.dialer.deliver(t, []activity.Snapshot{{ID: "r3", Scope: []string{px.Token()}}})
	assert.Empty(t, f.registry.SnapshotAll())
}

func TestProxy_ChainsUpstreamToken(t *testing.T) {
	f := newFixture(t)

	// This server is serving a call from a proxy on another server.
	ctx := activity.WithRemoteScope(context.Background(), "upstream-token")
	ctx, attach := f.registry.Start(ctx, "forwarded")
	defer attach.Done()
	assert.Equal(t, []string{"upstream-token"}, attach.Scope())

	_, px, err := f.proxier.ProxyActivities(ctx, testPeer)
	require.NoError(t, err)
	defer px.Close()

	f.dialer.deliver(t, []activity.Snapshot{{ID: "r1", Scope: []string{px.Token(), "g"}}})

	shadows := f.shadows()
	require.Len(t, shadows, 1)
	assert.Equal(t, []string{"upstream-token", "g"}, shadows[0].Scope)
}

func TestProxy_IgnoresOtherEventsAndMalformedBatches(t *testing.T) {
	f := newFixture(t)

	_, px, err := f.proxier.ProxyActivities(context.Background(), testPeer)
	require.NoError(t, err)
	defer px.Close()

	f.dialer.deliver(t, nil)
	f.dialer.mu.Lock()
	h := f.dialer.handlers
	f.dialer.mu.Unlock()

	h.OnEvent(stream.Event{Name: "heartbeat", Data: []byte(`{}`)})
	h.OnEvent(stream.Event{Name: broadcast.EventName, Data: []byte(`{"not":"a list"}`)})
	h.OnError(errors.New("reset by peer"))
	assert.Empty(t, f.shadows())
}

func TestProxier_Peer(t *testing.T) {
	f := newFixture(t)

	p, err := f.proxier.Peer("node2")
	require.NoError(t, err)
	assert.Equal(t, testPeer, p)

	_, err = f.proxier.Peer("node9")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestProxier_BadPeerURL(t *testing.T) {
	f := newFixture(t)

	ctx := context.Background()
	got, px, err := f.proxier.ProxyActivities(ctx, stream.Peer{Name: "bad", URL: "gopher://x"})
	require.Error(t, err)
	assert.Nil(t, px)
	assert.Equal(t, ctx, got)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) error { return nil }
