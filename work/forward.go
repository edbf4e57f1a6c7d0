package work

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/proxy"
	"github.com/nomis52/minion/stream"
)

// Client submits jobs to peers.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client. The http.Client should use a proxy.Transport so
// that jobs submitted while proxying are tagged with the proxy-scope token.
func NewClient(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient}
}

// Submit runs req on peer and waits for the result.
func (c *Client) Submit(ctx context.Context, peer stream.Peer, req Request) (Result, error) {
	return c.post(ctx, peer, "/api/work", req)
}

// SubmitVia asks node to run req on its peer named target, so that node
// proxies the activities of the job.
func (c *Client) SubmitVia(ctx context.Context, node stream.Peer, target string, req Request) (Result, error) {
	return c.post(ctx, node, "/api/peers/"+url.PathEscape(target)+"/work", req)
}

func (c *Client) post(ctx context.Context, peer stream.Peer, path string, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling work request: %w", err)
	}

	u := strings.TrimSuffix(peer.URL, "/") + path
	if q := scopeQuery(activity.ScopeFrom(ctx)); q != "" {
		u += "?" + q
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating work request for peer %s: %w", peer.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if user := activity.UserFrom(ctx); user != "" {
		httpReq.Header.Set(RemoteUserHeader, user)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("submitting work to peer %s: %w", peer.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("peer %s: unexpected status %d: %s",
			peer.Name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decoding work result from peer %s: %w", peer.Name, err)
	}
	return result, nil
}

// RemoteUserHeader names the user a request is made for.
const RemoteUserHeader = "X-Remote-User"

// ScopeParams are the query parameters a request scope is read from, in order.
var ScopeParams = []string{"group", "instance"}

// scopeQuery encodes scope as query parameters so the peer resolves the same
// scope for the job.
func scopeQuery(scope []string) string {
	q := url.Values{}
	for i, v := range scope {
		if i >= len(ScopeParams) {
			break
		}
		q.Set(ScopeParams[i], v)
	}
	return q.Encode()
}

// Forwarder runs jobs on peers and mirrors the peer's activities locally
// while they run.
type Forwarder struct {
	registry *activity.Registry
	proxier  *proxy.Proxier
	client   *Client
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(registry *activity.Registry, proxier *proxy.Proxier, client *Client, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		registry: registry,
		proxier:  proxier,
		client:   client,
		logger:   logger,
	}
}

// Forward runs req on the named peer. A local activity covers the whole call
// and the peer's activities for it are nested beneath it.
func (f *Forwarder) Forward(ctx context.Context, peerName string, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	peer, err := f.proxier.Peer(peerName)
	if err != nil {
		return Result{}, err
	}

	name := req.Name
	if name == "" {
		name = defaultName
	}
	ctx, a := f.registry.Start(ctx, fmt.Sprintf("%s on %s", name, peer.Name), activity.WithMax(activity.Indeterminate))
	defer a.Done()

	ctx, px, err := f.proxier.ProxyActivities(ctx, peer)
	if err != nil {
		f.logger.WarnContext(ctx, "running without activity proxy", "peer", peer.Name, "error", err)
	} else {
		defer px.Close()
	}

	return f.client.Submit(ctx, peer, req)
}
