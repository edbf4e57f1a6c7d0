package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultIdleTimeout = 60 * time.Second

// CachedConnection owns one outbound stream to one peer endpoint and shares
// it between any number of subscribers.
//
// The stream is opened lazily on a background goroutine so callers never wait
// for the handshake. Every event, error and completion is delivered to the
// handlers of all current subscribers. Once the last subscriber leaves, the
// connection counts as idle and IsExpired reports true after the idle timeout;
// an external reaper then calls Expire.
type CachedConnection struct {
	url         string
	dialer      Dialer
	logger      *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	opening   atomic.Bool
	refs      atomic.Int64
	idleSince atomic.Int64 // unix nanos

	mu       sync.RWMutex
	stream   Stream
	handlers map[uint64]Handlers
	nextID   uint64
	expired  bool
}

// ConnectionOption configures a CachedConnection.
type ConnectionOption func(*CachedConnection)

// WithIdleTimeout sets how long a connection without subscribers stays cached.
func WithIdleTimeout(d time.Duration) ConnectionOption {
	return func(c *CachedConnection) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithConnectionClock overrides the time source. Used by tests.
func WithConnectionClock(now func() time.Time) ConnectionOption {
	return func(c *CachedConnection) {
		c.now = now
	}
}

// NewCachedConnection creates a closed connection to url.
func NewCachedConnection(url string, dialer Dialer, logger *slog.Logger, opts ...ConnectionOption) *CachedConnection {
	c := &CachedConnection{
		url:         url,
		dialer:      dialer,
		logger:      logger,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
		handlers:    make(map[uint64]Handlers),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.idleSince.Store(c.now().UnixNano())
	return c
}

// URL returns the endpoint this connection streams from.
func (c *CachedConnection) URL() string {
	return c.url
}

// Subscription is the handle of one Register call.
type Subscription struct {
	conn *CachedConnection
	id   uint64
	once sync.Once
}

// Close removes the handlers of this subscription and releases its reference
// on the connection. Calling Close more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.conn.mu.Lock()
		delete(s.conn.handlers, s.id)
		s.conn.mu.Unlock()
		s.conn.release()
	})
}

// Register adds handlers to the connection, takes a reference on it and
// makes sure it is open or opening. Registering on an expired connection
// completes the handlers at once and takes no reference.
func (c *CachedConnection) Register(h Handlers) *Subscription {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		if h.OnComplete != nil {
			c.safeCall("complete", h.OnComplete)
		}
		sub := &Subscription{conn: c}
		sub.once.Do(func() {})
		return sub
	}
	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	c.refs.Add(1)
	c.mu.Unlock()

	c.Open()

	return &Subscription{conn: c, id: id}
}

// Open starts connecting in the background unless the stream is already open
// or an attempt is in flight. It never blocks on the network.
func (c *CachedConnection) Open() {
	c.mu.RLock()
	s, expired := c.stream, c.expired
	c.mu.RUnlock()

	if expired || (s != nil && s.IsOpen()) {
		return
	}
	if !c.opening.CompareAndSwap(false, true) {
		return
	}
	go c.connect()
}

// IsOpen reports whether the stream is open and no open attempt is in flight.
func (c *CachedConnection) IsOpen() bool {
	if c.opening.Load() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream != nil && c.stream.IsOpen()
}

// Refs returns the number of live subscriptions.
func (c *CachedConnection) Refs() int64 {
	return c.refs.Load()
}

// IsExpired reports whether the connection has had no subscribers for longer
// than the idle timeout.
func (c *CachedConnection) IsExpired() bool {
	if c.refs.Load() > 0 {
		return false
	}
	idle := c.now().Sub(time.Unix(0, c.idleSince.Load()))
	return idle > c.idleTimeout
}

// Expire drops all handlers and closes the stream. Handlers still registered
// are sent a completion first, so every subscriber observes the end of the
// stream.
func (c *CachedConnection) Expire() {
	c.mu.Lock()
	c.expired = true
	pending := make([]Handlers, 0, len(c.handlers))
	for _, h := range c.handlers {
		pending = append(pending, h)
	}
	clear(c.handlers)
	s := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.cancel()

	for _, h := range pending {
		if h.OnComplete != nil {
			c.safeCall("complete", h.OnComplete)
		}
	}

	if s != nil {
		if err := s.Close(); err != nil {
			c.logger.Debug("closing expired stream", "url", c.url, "error", err)
		}
	}
	c.logger.Debug("stream connection expired", "url", c.url)
}

func (c *CachedConnection) release() {
	n := c.refs.Add(-1)
	if n == 0 {
		c.idleSince.Store(c.now().UnixNano())
	}
	if n < 0 {
		c.logger.Error("stream connection released more often than registered", "url", c.url)
		c.refs.CompareAndSwap(n, 0)
	}
}

func (c *CachedConnection) connect() {
	defer c.opening.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream open panicked", "url", c.url, "panic", r)
		}
	}()

	s, err := c.dialer.Dial(c.ctx, c.url, Handlers{
		OnEvent:    c.fanOutEvent,
		OnError:    c.fanOutError,
		OnComplete: c.fanOutComplete,
	})
	if err != nil {
		c.logger.Warn("failed to open stream", "url", c.url, "error", err)
		c.fanOutError(err)
		return
	}

	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		s.Close()
		return
	}
	c.stream = s
	c.mu.Unlock()
}

func (c *CachedConnection) snapshotHandlers() []Handlers {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hs := make([]Handlers, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	return hs
}

func (c *CachedConnection) fanOutEvent(ev Event) {
	for _, h := range c.snapshotHandlers() {
		if h.OnEvent != nil {
			c.safeCall("event", func() { h.OnEvent(ev) })
		}
	}
}

func (c *CachedConnection) fanOutError(err error) {
	for _, h := range c.snapshotHandlers() {
		if h.OnError != nil {
			c.safeCall("error", func() { h.OnError(err) })
		}
	}
}

func (c *CachedConnection) fanOutComplete() {
	for _, h := range c.snapshotHandlers() {
		if h.OnComplete != nil {
			c.safeCall("complete", h.OnComplete)
		}
	}
}

// safeCall runs a handler, logging a panic instead of propagating it.
func (c *CachedConnection) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream handler panicked", "url", c.url, "handler", kind, "panic", r)
		}
	}()
	fn()
}
