package stream

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_AttachReceivesLaterEvents(t *testing.T) {
	hub := NewHub(slog.Default())

	require.NoError(t, hub.Publish("activities", []string{"before"}))

	events, detach := hub.Attach()
	defer detach()
	assert.Equal(t, 1, hub.Observers())

	require.NoError(t, hub.Publish("activities", []string{"after"}))

	select {
	case ev := <-events:
		var data []string
		require.NoError(t, ev.Decode(&data))
		assert.Equal(t, "activities", ev.Name)
		assert.Equal(t, []string{"after"}, data)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestHub_SlowObserverKeepsNewest(t *testing.T) {
	hub := NewHub(slog.Default(), WithObserverBuffer(2))

	slow, detachSlow := hub.Attach()
	defer detachSlow()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish("tick", i))
	}

	var got []int
	for i := 0; i < 2; i++ {
		var n int
		require.NoError(t, (<-slow).Decode(&n))
		got = append(got, n)
	}
	assert.Equal(t, []int{3, 4}, got)
}

func TestHub_DetachIsIdempotent(t *testing.T) {
	hub := NewHub(slog.Default())

	events, detach := hub.Attach()
	detach()
	detach()

	_, ok := <-events
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Observers())
	require.NoError(t, hub.Publish("activities", nil))
}

func TestHub_PublishUnmarshalable(t *testing.T) {
	hub := NewHub(slog.Default())
	err := hub.Publish("activities", make(chan int))
	assert.Error(t, err)
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	hub := NewHub(slog.Default(), WithWriteTimeout(time.Second))
	server := httptest.NewServer(hub)
	defer server.Close()

	peer := Peer{Name: "test", URL: server.URL}
	url, err := peer.StreamURL("")
	require.NoError(t, err)

	var mu sync.Mutex
	var received []Event
	completed := make(chan struct{})

	dialer := NewWebSocketDialer(time.Second, slog.Default())
	s, err := dialer.Dial(context.Background(), url, Handlers{
		OnEvent: func(ev Event) {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		},
		OnComplete: func() { close(completed) },
	})
	require.NoError(t, err)
	assert.True(t, s.IsOpen())

	require.Eventually(t, func() bool { return hub.Observers() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, hub.Publish("activities", map[string]int{"n": 1}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, "activities", received[0].Name)
	assert.JSONEq(t, `{"n":1}`, string(received[0].Data))
	mu.Unlock()

	require.NoError(t, s.Close())
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("stream did not complete")
	}
	assert.False(t, s.IsOpen())
	require.Eventually(t, func() bool { return hub.Observers() == 0 }, time.Second, time.Millisecond)
}

func TestPeer_StreamURL(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "http://node1:8080", want: "ws://node1:8080/activities"},
		{url: "https://node1/base/", want: "wss://node1/base/activities"},
		{url: "ftp://node1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := Peer{Name: "node1", URL: tt.url}.StreamURL("/activities")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), "node1"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
