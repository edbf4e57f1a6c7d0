package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values used by ActivityMetrics.
const (
	KindLocal  = "local"
	KindShadow = "shadow"

	ResultSent       = "sent"
	ResultSuppressed = "suppressed"
	ResultFailed     = "failed"

	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// ActivityMetrics groups the metrics reported by the activity subsystem.
type ActivityMetrics struct {
	// Activities is the number of live activities by kind (local or shadow).
	Activities GaugeVec
	// Broadcasts counts snapshot broadcast ticks by result.
	Broadcasts CounterVec
	// StreamConnections is the number of cached peer stream connections.
	StreamConnections Gauge
	// ProxyBatches counts snapshot batches received from peers.
	ProxyBatches Counter
	// CancelRequests counts cancel requests by result.
	CancelRequests CounterVec
}

// NewActivityMetrics registers the activity metrics with reg.
func NewActivityMetrics(reg Registry) (*ActivityMetrics, error) {
	activities, err := reg.NewGaugeVec(prometheus.GaugeOpts{
		Name: "activities",
		Help: "Number of live activities",
	}, []string{"kind"})
	if err != nil {
		return nil, fmt.Errorf("creating activities gauge: %w", err)
	}

	broadcasts, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_broadcasts_total",
		Help: "Activity snapshot broadcasts by result",
	}, []string{"result"})
	if err != nil {
		return nil, fmt.Errorf("creating broadcasts counter: %w", err)
	}

	conns, err := reg.NewGauge(prometheus.GaugeOpts{
		Name: "stream_connections",
		Help: "Number of cached peer stream connections",
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream connections gauge: %w", err)
	}

	batches, err := reg.NewCounter(prometheus.CounterOpts{
		Name: "proxy_batches_total",
		Help: "Activity snapshot batches received from peers",
	})
	if err != nil {
		return nil, fmt.Errorf("creating proxy batches counter: %w", err)
	}

	cancels, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_cancel_requests_total",
		Help: "Activity cancel requests by result",
	}, []string{"result"})
	if err != nil {
		return nil, fmt.Errorf("creating cancel requests counter: %w", err)
	}

	return &ActivityMetrics{
		Activities:        activities,
		Broadcasts:        broadcasts,
		StreamConnections: conns,
		ProxyBatches:      batches,
		CancelRequests:    cancels,
	}, nil
}

// NopActivityMetrics returns metrics that discard every update.
func NopActivityMetrics() *ActivityMetrics {
	return &ActivityMetrics{
		Activities:        nopGaugeVec{},
		Broadcasts:        nopCounterVec{},
		StreamConnections: nop{},
		ProxyBatches:      nop{},
		CancelRequests:    nopCounterVec{},
	}
}

type nop struct{}

func (nop) Set(float64) {}
func (nop) Inc()        {}
func (nop) Add(float64) {}

type nopGaugeVec struct{}

func (nopGaugeVec) With(prometheus.Labels) Gauge { return nop{} }

type nopCounterVec struct{}

func (nopCounterVec) With(prometheus.Labels) Counter { return nop{} }
