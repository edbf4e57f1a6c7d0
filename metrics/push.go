package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultTimeout is the default timeout for remote write requests.
const DefaultTimeout = 30 * time.Second

// PushConfig configures a PushRegistry.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint (e.g., "http://localhost:8428").
	URL string
	// Prefix is prepended to every metric name, followed by an underscore.
	Prefix string
	// Job is the job label for all metrics.
	Job string
	// Instance is the instance label for all metrics.
	Instance string
	// Timeout is the HTTP client timeout. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// PushRegistry implements Registry for push-based collection. Metric updates
// only touch memory; Flush sends the current value of every series in a single
// remote write request.
type PushRegistry struct {
	cfg        PushConfig
	url        string
	httpClient *http.Client

	mu     sync.Mutex
	series map[string]*series
}

type series struct {
	name   string
	labels map[string]string
	value  float64
}

// NewPushRegistry creates a PushRegistry writing to cfg.URL.
func NewPushRegistry(cfg PushConfig) *PushRegistry {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &PushRegistry{
		cfg:        cfg,
		url:        strings.TrimSuffix(cfg.URL, "/") + "/api/v1/write",
		httpClient: &http.Client{Timeout: cfg.Timeout},
		series:     make(map[string]*series),
	}
}

// NewGauge creates a push-based Gauge.
func (r *PushRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return &pushGauge{reg: r, s: r.lookup(opts.Name, nil)}, nil
}

// NewGaugeVec creates a push-based GaugeVec.
func (r *PushRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	return &pushGaugeVec{reg: r, name: opts.Name}, nil
}

// NewCounter creates a push-based Counter.
func (r *PushRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return &pushCounter{reg: r, s: r.lookup(opts.Name, nil)}, nil
}

// NewCounterVec creates a push-based CounterVec.
func (r *PushRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	return &pushCounterVec{reg: r, name: opts.Name}, nil
}

// lookup returns the series for name and labels, creating it if needed.
func (r *PushRegistry) lookup(name string, labels map[string]string) *series {
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.series[key]; ok {
		return s
	}
	s := &series{name: name, labels: labels}
	r.series[key] = s
	return s
}

// Flush writes the current value of every series to the remote endpoint.
func (r *PushRegistry) Flush(ctx context.Context) error {
	timeseries := r.timeseries(time.Now())
	if len(timeseries) == 0 {
		return nil
	}

	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: timeseries})
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (r *PushRegistry) timeseries(now time.Time) []prompb.TimeSeries {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]prompb.TimeSeries, 0, len(r.series))
	for _, s := range r.series {
		out = append(out, prompb.TimeSeries{
			Labels:  r.labels(s),
			Samples: []prompb.Sample{{Value: s.value, Timestamp: now.UnixMilli()}},
		})
	}
	return out
}

func (r *PushRegistry) labels(s *series) []prompb.Label {
	name := s.name
	if r.cfg.Prefix != "" {
		name = r.cfg.Prefix + "_" + name
	}
	labels := []prompb.Label{{Name: "__name__", Value: name}}
	if r.cfg.Job != "" {
		labels = append(labels, prompb.Label{Name: "job", Value: r.cfg.Job})
	}
	if r.cfg.Instance != "" {
		labels = append(labels, prompb.Label{Name: "instance", Value: r.cfg.Instance})
	}
	for k, v := range s.labels {
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

func (r *PushRegistry) set(s *series, v float64) {
	r.mu.Lock()
	s.value = v
	r.mu.Unlock()
}

func (r *PushRegistry) add(s *series, v float64) {
	r.mu.Lock()
	s.value += v
	r.mu.Unlock()
}

// seriesKey builds a stable map key from a name and labels.
func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

type pushGauge struct {
	reg *PushRegistry
	s   *series
}

func (g *pushGauge) Set(v float64) { g.reg.set(g.s, v) }

type pushGaugeVec struct {
	reg  *PushRegistry
	name string
}

func (g *pushGaugeVec) With(labels prometheus.Labels) Gauge {
	return &pushGauge{reg: g.reg, s: g.reg.lookup(g.name, labels)}
}

type pushCounter struct {
	reg *PushRegistry
	s   *series
}

func (c *pushCounter) Inc() { c.Add(1) }

func (c *pushCounter) Add(v float64) { c.reg.add(c.s, v) }

type pushCounterVec struct {
	reg  *PushRegistry
	name string
}

func (c *pushCounterVec) With(labels prometheus.Labels) Counter {
	return &pushCounter{reg: c.reg, s: c.reg.lookup(c.name, labels)}
}
