package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/nomis52/minion/cron"
	"github.com/nomis52/minion/metrics"
)

// Cache holds one CachedConnection per peer endpoint for the whole process.
type Cache struct {
	dialer      Dialer
	logger      *slog.Logger
	idleTimeout time.Duration
	gauge       metrics.Gauge

	mu    sync.Mutex
	conns map[string]*CachedConnection
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheIdleTimeout sets the idle timeout of connections created by the cache.
func WithCacheIdleTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.idleTimeout = d
	}
}

// WithConnectionsGauge reports the number of cached connections after each reap.
func WithConnectionsGauge(g metrics.Gauge) CacheOption {
	return func(c *Cache) {
		c.gauge = g
	}
}

// NewCache creates an empty cache.
func NewCache(dialer Dialer, logger *slog.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		dialer:      dialer,
		logger:      logger,
		idleTimeout: defaultIdleTimeout,
		conns:       make(map[string]*CachedConnection),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the connection to the endpoint at path on peer, creating it
// (closed) if needed. The connection may be reaped as soon as Get returns;
// use Register to subscribe.
func (c *Cache) Get(peer Peer, path string) (*CachedConnection, error) {
	url, err := peer.StreamURL(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(peer, url), nil
}

// Register subscribes h to the connection of the endpoint at path on peer.
// The reference is taken while the cache is locked, so the reaper cannot
// expire the connection between lookup and subscription.
func (c *Cache) Register(peer Peer, path string, h Handlers) (*Subscription, error) {
	url, err := peer.StreamURL(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(peer, url).Register(h), nil
}

func (c *Cache) getLocked(peer Peer, url string) *CachedConnection {
	if conn, ok := c.conns[url]; ok {
		return conn
	}
	conn := NewCachedConnection(url, c.dialer, c.logger, WithIdleTimeout(c.idleTimeout))
	c.conns[url] = conn
	c.logger.Debug("stream connection cached", "peer", peer.Name, "url", url)
	return conn
}

// Len returns the number of cached connections.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Reap expires and drops every connection that has been idle for longer than
// its timeout. Returns how many were dropped.
func (c *Cache) Reap() int {
	c.mu.Lock()
	var expired []*CachedConnection
	for url, conn := range c.conns {
		if conn.IsExpired() {
			expired = append(expired, conn)
			delete(c.conns, url)
		}
	}
	remaining := len(c.conns)
	c.mu.Unlock()

	for _, conn := range expired {
		conn.Expire()
	}
	if c.gauge != nil {
		c.gauge.Set(float64(remaining))
	}
	if len(expired) > 0 {
		c.logger.Info("expired idle stream connections", "count", len(expired), "remaining", remaining)
	}
	return len(expired)
}

// Start reaps idle connections on the given schedule until ctx is cancelled.
func (c *Cache) Start(ctx context.Context, schedule robfig.Schedule) {
	cron.NewScheduleTrigger(schedule, func() { c.Reap() }, c.logger).Start(ctx)
}

// Close expires every cached connection regardless of its subscribers.
func (c *Cache) Close() {
	c.mu.Lock()
	conns := make([]*CachedConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	clear(c.conns)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Expire()
	}
}
