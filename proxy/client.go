package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/stream"
)

// DefaultTimeout bounds calls made to peers.
const DefaultTimeout = 30 * time.Second

// Transport is an http.RoundTripper that copies the outbound proxy-scope token
// of the request context into the ProxyScopeHeader.
type Transport struct {
	// Base is the underlying RoundTripper. Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	token := activity.ProxyScopeFrom(req.Context())
	if token == "" {
		return base.RoundTrip(req)
	}
	// A RoundTripper must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set(activity.ProxyScopeHeader, token)
	return base.RoundTrip(out)
}

// NewHTTPClient returns an http.Client whose requests carry the proxy-scope
// token of their context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: &Transport{Base: http.DefaultTransport},
		Timeout:   timeout,
	}
}

// Client calls the activity API of peers.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client. A nil httpClient uses NewHTTPClient defaults.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{httpClient: httpClient}
}

// CancelActivity asks peer to cancel the activity with the given id.
func (c *Client) CancelActivity(ctx context.Context, peer stream.Peer, id string) error {
	u := strings.TrimSuffix(peer.URL, "/") + "/api/activities/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("creating cancel request for peer %s: %w", peer.Name, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancelling activity %s on peer %s: %w", id, peer.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("cancelling activity %s on peer %s: unexpected status %d: %s",
			id, peer.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
