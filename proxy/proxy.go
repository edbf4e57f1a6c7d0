// Package proxy mirrors the activities a peer runs on behalf of a local call
// chain into the local registry.
//
// While a handler forwards work to a peer it holds a Proxy. Outbound calls made
// with the Proxy's context carry a random token; the peer puts that token first
// in the scope of every activity it starts for those calls. The Proxy listens to
// the peer's activity stream, keeps the activities carrying its token and
// registers a local shadow for each one, nested under the activity that was
// current when proxying began.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/broadcast"
	"github.com/nomis52/minion/metrics"
	"github.com/nomis52/minion/stream"
)

// StreamPath is the path of the activity push endpoint on every server.
const StreamPath = "/activities"

// ErrUnknownPeer is returned when a peer name is not configured.
var ErrUnknownPeer = errors.New("unknown peer")

// Connections subscribes to the shared stream connection of a peer.
type Connections interface {
	Register(peer stream.Peer, path string, h stream.Handlers) (*stream.Subscription, error)
}

// Canceller forwards cancel requests to peers.
type Canceller interface {
	CancelActivity(ctx context.Context, peer stream.Peer, id string) error
}

// Proxier creates a Proxy per proxied call chain.
type Proxier struct {
	registry  *activity.Registry
	conns     Connections
	canceller Canceller
	logger    *slog.Logger
	metrics   *metrics.ActivityMetrics
	now       func() time.Time
	peers     map[string]stream.Peer
}

// Option configures a Proxier.
type Option func(*Proxier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxier) {
		p.logger = logger
	}
}

// WithMetrics counts received batches.
func WithMetrics(m *metrics.ActivityMetrics) Option {
	return func(p *Proxier) {
		p.metrics = m
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Proxier) {
		p.now = now
	}
}

// WithPeers sets the peers that can be looked up by name.
func WithPeers(peers ...stream.Peer) Option {
	return func(p *Proxier) {
		for _, peer := range peers {
			p.peers[peer.Name] = peer
		}
	}
}

// NewProxier creates a Proxier.
func NewProxier(registry *activity.Registry, conns Connections, canceller Canceller, opts ...Option) *Proxier {
	p := &Proxier{
		registry:  registry,
		conns:     conns,
		canceller: canceller,
		logger:    slog.Default(),
		metrics:   metrics.NopActivityMetrics(),
		now:       time.Now,
		peers:     make(map[string]stream.Peer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Peer returns the configured peer with the given name.
func (p *Proxier) Peer(name string) (stream.Peer, error) {
	peer, ok := p.peers[name]
	if !ok {
		return stream.Peer{}, fmt.Errorf("%w: %q", ErrUnknownPeer, name)
	}
	return peer, nil
}

// ProxyActivities starts mirroring the activities peer runs for calls made
// with the returned context. The caller must Close the Proxy when the call
// chain ends.
func (p *Proxier) ProxyActivities(ctx context.Context, peer stream.Peer) (context.Context, *Proxy, error) {
	if _, err := peer.StreamURL(StreamPath); err != nil {
		return ctx, nil, fmt.Errorf("connecting to activities of peer %s: %w", peer.Name, err)
	}

	px := &Proxy{
		token:          uuid.NewString(),
		peer:           peer,
		registry:       p.registry,
		canceller:      p.canceller,
		metrics:        p.metrics,
		now:            p.now,
		attachment:     p.registry.Current(ctx),
		upstream:       activity.RemoteScopeFrom(ctx),
		remoteToShadow: make(map[string]string),
		shadowToRemote: make(map[string]string),
		shadows:        make(map[string]*activity.Activity),
	}
	px.logger = p.logger.With("peer", peer.Name, "proxy_scope", px.token)

	sub, err := p.conns.Register(peer, StreamPath, stream.Handlers{
		OnEvent:    px.onEvent,
		OnError:    px.onError,
		OnComplete: px.onComplete,
	})
	if err != nil {
		return ctx, nil, fmt.Errorf("connecting to activities of peer %s: %w", peer.Name, err)
	}
	px.sub = sub

	px.logger.DebugContext(ctx, "proxying activities")
	return activity.WithProxyScope(ctx, px.token), px, nil
}

// Proxy mirrors the activities of one peer for one call chain.
type Proxy struct {
	token      string
	peer       stream.Peer
	registry   *activity.Registry
	canceller  Canceller
	logger     *slog.Logger
	metrics    *metrics.ActivityMetrics
	now        func() time.Time
	attachment *activity.Activity
	// upstream is the proxy-scope token of the call being served, if this
	// server is itself a peer of another proxy.
	upstream string

	sub *stream.Subscription

	mu             sync.Mutex
	closed         bool
	remoteToShadow map[string]string
	shadowToRemote map[string]string
	shadows        map[string]*activity.Activity
}

// Token returns the proxy-scope token sent with outbound calls.
func (p *Proxy) Token() string { return p.token }

// Shadows returns the number of shadow activities currently tracked.
func (p *Proxy) Shadows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shadows)
}

// Close finishes every shadow activity and releases the stream subscription.
// Calling Close more than once is a no-op.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, shadow := range p.shadows {
		shadow.Done()
		delete(p.shadows, id)
	}
	p.mu.Unlock()

	p.sub.Close()
	p.logger.Debug("stopped proxying activities")
}

func (p *Proxy) onEvent(ev stream.Event) {
	if ev.Name != broadcast.EventName {
		return
	}
	var batch []activity.Snapshot
	if err := ev.Decode(&batch); err != nil {
		p.logger.Warn("dropping malformed activity batch", "error", err)
		return
	}
	p.metrics.ProxyBatches.Inc()
	p.reconcile(batch)
}

func (p *Proxy) onError(err error) {
	p.logger.Warn("activity stream error", "error", err)
}

func (p *Proxy) onComplete() {
	p.logger.Debug("activity stream completed")
}

// reconcile applies one batch of remote snapshots.
func (p *Proxy) reconcile(batch []activity.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	now := p.now()
	seen := make(map[string]bool, len(batch))
	for _, remote := range batch {
		if len(remote.Scope) == 0 || remote.Scope[0] != p.token {
			continue
		}

		id := p.shadowID(remote.ID)
		seen[id] = true

		if shadow, ok := p.shadows[id]; ok {
			shadow.Observe(remote.Current, remote.Max, remote.CancelRequested)
			continue
		}

		shadow := activity.NewShadow(activity.ShadowSpec{
			ID:        id,
			ParentID:  p.parentID(remote.ParentID),
			Name:      remote.Name,
			Scope:     p.shadowScope(remote.Scope[1:]),
			User:      p.shadowUser(remote.User),
			Current:   remote.Current,
			Max:       remote.Max,
			StartedAt: now.Add(-remote.Elapsed()),
			OnCancel:  p.cancelFunc(id),
		})
		if remote.CancelRequested {
			shadow.Observe(remote.Current, remote.Max, true)
		}
		if !p.registry.AddShadow(shadow) {
			continue
		}
		p.shadows[id] = shadow
	}

	for id, shadow := range p.shadows {
		if !seen[id] {
			shadow.Done()
			delete(p.shadows, id)
		}
	}
}

// shadowID maps a remote id to its local id, generating it on first use.
func (p *Proxy) shadowID(remoteID string) string {
	if id, ok := p.remoteToShadow[remoteID]; ok {
		return id
	}
	id := uuid.NewString()
	p.remoteToShadow[remoteID] = id
	p.shadowToRemote[id] = remoteID
	return id
}

// parentID returns the mapped remote parent if it is live locally, otherwise
// the attachment activity if that is still live.
func (p *Proxy) parentID(remoteParentID string) string {
	if remoteParentID != "" {
		if id := p.shadowID(remoteParentID); p.registry.FindByID(id) != nil {
			return id
		}
	}
	if p.attachment != nil && p.registry.FindByID(p.attachment.ID()) == p.attachment {
		return p.attachment.ID()
	}
	return ""
}

func (p *Proxy) shadowScope(scope []string) []string {
	if p.upstream == "" {
		return scope
	}
	return append([]string{p.upstream}, scope...)
}

func (p *Proxy) shadowUser(remoteUser string) string {
	if p.attachment != nil && p.attachment.User() != "" {
		return p.attachment.User()
	}
	return remoteUser
}

// cancelFunc returns the cancel hook of a shadow. The shadow is only marked
// cancelled once the peer reports it.
func (p *Proxy) cancelFunc(shadowID string) func(context.Context) error {
	return func(ctx context.Context) error {
		p.mu.Lock()
		remoteID, ok := p.shadowToRemote[shadowID]
		p.mu.Unlock()
		if !ok {
			return fmt.Errorf("no remote activity for %s", shadowID)
		}

		p.logger.InfoContext(ctx, "forwarding cancel to peer", "shadow", shadowID, "remote", remoteID)
		return p.canceller.CancelActivity(ctx, p.peer, remoteID)
	}
}
