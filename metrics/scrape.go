package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScrapeConfig configures a ScrapeRegistry.
type ScrapeConfig struct {
	// Prefix is prepended to every activity metric name, followed by an
	// underscore.
	Prefix string
	// Instance, when set, is added as an "instance" label to every activity
	// metric so nodes sharing a scraper can be told apart.
	Instance string
}

// ScrapeRegistry implements Registry on top of a Prometheus registry served
// on /metrics. Runtime and process collectors are registered unprefixed.
type ScrapeRegistry struct {
	gatherer prometheus.Gatherer
	reg      prometheus.Registerer
}

// NewScrapeRegistry creates a ScrapeRegistry.
func NewScrapeRegistry(cfg ScrapeConfig) (*ScrapeRegistry, error) {
	prom := prometheus.NewRegistry()
	for name, c := range map[string]prometheus.Collector{
		"go":         collectors.NewGoCollector(),
		"process":    collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"build info": collectors.NewBuildInfoCollector(),
	} {
		if err := prom.Register(c); err != nil {
			return nil, fmt.Errorf("%s collector: %w", name, err)
		}
	}

	var reg prometheus.Registerer = prom
	if cfg.Instance != "" {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"instance": cfg.Instance}, reg)
	}
	if cfg.Prefix != "" {
		reg = prometheus.WrapRegistererWithPrefix(cfg.Prefix+"_", reg)
	}
	return &ScrapeRegistry{gatherer: prom, reg: reg}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func register[C prometheus.Collector](reg prometheus.Registerer, name string, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var zero C
		return zero, fmt.Errorf("metric %q: %w", name, err)
	}
	return c, nil
}

func (r *ScrapeRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return register(r.reg, opts.Name, prometheus.NewGauge(opts))
}

func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	v, err := register(r.reg, opts.Name, prometheus.NewGaugeVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return gaugeVec{v}, nil
}

func (r *ScrapeRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return register(r.reg, opts.Name, prometheus.NewCounter(opts))
}

func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	v, err := register(r.reg, opts.Name, prometheus.NewCounterVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return counterVec{v}, nil
}

// gaugeVec and counterVec narrow the Prometheus vec types to the label lookups
// activity metrics use. Prometheus gauges and counters satisfy Gauge and
// Counter directly.
type gaugeVec struct{ *prometheus.GaugeVec }

func (v gaugeVec) With(labels prometheus.Labels) Gauge { return v.GaugeVec.With(labels) }

type counterVec struct{ *prometheus.CounterVec }

func (v counterVec) With(labels prometheus.Labels) Counter { return v.CounterVec.With(labels) }
