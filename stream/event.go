// Package stream carries named events between servers and to web clients.
//
// The server side is a Hub: a websocket endpoint that observers attach to and
// that fans out every published Event to all of them. The client side is a
// CachedConnection: one outbound stream to one peer, opened lazily in the
// background, shared by any number of local subscribers and expired after it
// has been idle for a while. Cache holds the connections of a process, one per
// peer.
package stream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Event is a named message on a stream.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an Event.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s event: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s event: %w", e.Name, err)
	}
	return nil
}

// Peer is a remote server.
type Peer struct {
	// Name identifies the peer in configuration and URLs.
	Name string `yaml:"name" json:"name"`
	// URL is the base http(s) URL of the peer.
	URL string `yaml:"url" json:"url"`
}

// StreamURL returns the websocket URL of the endpoint at path on the peer.
func (p Peer) StreamURL(path string) (string, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("parsing url of peer %q: %w", p.Name, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("peer %q: unsupported url scheme %q", p.Name, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
