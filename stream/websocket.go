package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	readLimit               = 8 << 20
)

// Handlers receive the notifications of one stream.
type Handlers struct {
	OnEvent    func(Event)
	OnError    func(error)
	OnComplete func()
}

// Stream is an open outbound stream.
type Stream interface {
	IsOpen() bool
	Close() error
}

// Dialer opens outbound streams. Dial may block for the duration of the
// handshake; after it returns, handlers are called from a single goroutine
// owned by the stream, in the order events are received.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handlers) (Stream, error)
}

// WebSocketDialer opens streams over websockets.
type WebSocketDialer struct {
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer whose handshakes time out after
// handshakeTimeout. Zero selects a default.
func NewWebSocketDialer(handshakeTimeout time.Duration, logger *slog.Logger) *WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: http.Header{},
		logger: logger,
	}
}

// Dial connects to url and starts reading events from it.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, h Handlers) (Stream, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)

	d.logger.Debug("stream opened", "url", url)

	s := &wsStream{conn: conn, url: url}
	s.open.Store(true)
	go s.readLoop(h)
	return s, nil
}

type wsStream struct {
	conn    *websocket.Conn
	url     string
	open    atomic.Bool
	closing atomic.Bool
}

func (s *wsStream) IsOpen() bool {
	return s.open.Load()
}

func (s *wsStream) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsStream) readLoop(h Handlers) {
	defer func() {
		s.open.Store(false)
		s.conn.Close()
		if h.OnComplete != nil {
			h.OnComplete()
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			expected := s.closing.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !expected && h.OnError != nil {
				h.OnError(fmt.Errorf("reading from %s: %w", s.url, err))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			if h.OnError != nil {
				h.OnError(fmt.Errorf("malformed event from %s: %w", s.url, err))
			}
			continue
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}
}
