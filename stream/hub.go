package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultObserverBuffer = 16
	defaultWriteTimeout   = 10 * time.Second
	pingInterval          = 30 * time.Second
)

// Hub is a server-push endpoint. Observers attach over a websocket (or
// directly via Attach) and receive every event published after they attached.
// There is no replay of earlier events.
type Hub struct {
	logger       *slog.Logger
	bufferSize   int
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu        sync.RWMutex
	observers map[chan Event]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithObserverBuffer sets how many events may queue per observer before the
// oldest queued event is dropped.
func WithObserverBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithWriteTimeout bounds how long a single write to an observer may take.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewHub creates a Hub with no observers.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:       logger,
		bufferSize:   defaultObserverBuffer,
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		observers: make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish marshals payload once and sends it as a named event to every
// attached observer.
func (h *Hub) Publish(name string, payload any) error {
	ev, err := NewEvent(name, payload)
	if err != nil {
		return err
	}
	h.PublishEvent(ev)
	return nil
}

// PublishEvent sends ev to every attached observer without blocking. An
// observer whose queue is full loses its oldest queued event.
func (h *Hub) PublishEvent(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.observers {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Queue full: make room by dropping the oldest event.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
		h.logger.Debug("observer queue full, dropped oldest event", "event", ev.Name)
	}
}

// Observers returns the number of attached observers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Attach registers a new observer. The returned func detaches it and closes
// the channel; it is safe to call more than once.
func (h *Hub) Attach() (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	h.observers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.observers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, detach
}

// ServeHTTP upgrades the request to a websocket and streams events to it
// until either side closes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	events, detach := h.Attach()
	defer detach()

	h.logger.Debug("observer attached", "remote", r.RemoteAddr)

	// The read loop only exists to notice when the client goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("observer write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-closed:
			h.logger.Debug("observer detached", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
