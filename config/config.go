// Package config loads the minion server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/minion/cron"
	"github.com/nomis52/minion/logging"
	"github.com/nomis52/minion/stream"
)

const (
	defaultAddr = ":8080"

	defaultBroadcastSchedule     = "@every 2s"
	defaultIdleBroadcastInterval = 30 * time.Second
	defaultMaxLogEntries         = 500

	defaultStreamIdleTimeout = 60 * time.Second
	defaultReapSchedule      = "@every 30s"
	defaultHandshakeTimeout  = 10 * time.Second
	defaultObserverBuffer    = 16
	defaultWriteTimeout      = 10 * time.Second

	defaultMetricsPrefix = "minion"
	defaultJobName       = "minion"
	defaultFlushSchedule = "@every 15s"
)

// Config represents the complete server configuration.
type Config struct {
	Listener   ListenerConfig   `yaml:"listener"`
	Logging    logging.Config   `yaml:"logging"`
	Activities ActivitiesConfig `yaml:"activities"`
	Stream     StreamConfig     `yaml:"stream"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Peers      []stream.Peer    `yaml:"peers"`
}

// ListenerConfig holds HTTP server listener settings.
type ListenerConfig struct {
	// The listen address, defaults to :8080
	Addr string `yaml:"addr"`
	// TLSCert and TLSKey enable HTTPS when both are set. The files are
	// reloaded when they change on disk.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// ActivitiesConfig controls the snapshot broadcaster.
type ActivitiesConfig struct {
	// BroadcastSchedule is the cron spec of the broadcast tick.
	BroadcastSchedule string `yaml:"broadcast_schedule"`
	// IdleBroadcastInterval is how often an empty snapshot is repeated while
	// nothing is running.
	IdleBroadcastInterval time.Duration `yaml:"idle_broadcast_interval"`
	// MaxLogEntries is the number of log entries kept per running activity.
	MaxLogEntries int `yaml:"max_log_entries"`
}

// StreamConfig controls server push and the peer connection cache.
type StreamConfig struct {
	// IdleTimeout is how long a peer connection without subscribers is kept.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// ReapSchedule is the cron spec of the idle connection reaper.
	ReapSchedule     string        `yaml:"reap_schedule"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ObserverBuffer is the number of events queued per push observer.
	ObserverBuffer int `yaml:"observer_buffer"`
	// WriteTimeout bounds a single write to a push observer.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MonitoringConfig holds metrics settings. Metrics are pushed to PushURL when
// it is set and served on /metrics otherwise.
type MonitoringConfig struct {
	PushURL       string `yaml:"push_url"`
	MetricsPrefix string `yaml:"metrics_prefix"`
	JobName       string `yaml:"job_name"`
	Instance      string `yaml:"instance"`
	FlushSchedule string `yaml:"flush_schedule"`
}

// Redacted returns a copy of the configuration with the passwords of peer
// and push URLs masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Monitoring.PushURL = redactURL(c.Monitoring.PushURL)
	out.Peers = make([]stream.Peer, len(c.Peers))
	for i, p := range c.Peers {
		out.Peers[i] = stream.Peer{Name: p.Name, URL: redactURL(p.URL)}
	}
	return &out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if (c.Listener.TLSCert == "") != (c.Listener.TLSKey == "") {
		errs = append(errs, errors.New("listener: tls_cert and tls_key must be set together"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if _, err := cron.ParseSchedule(c.Activities.BroadcastSchedule); err != nil {
		errs = append(errs, fmt.Errorf("activities.broadcast_schedule: %w", err))
	}
	if c.Activities.IdleBroadcastInterval <= 0 {
		errs = append(errs, errors.New("activities.idle_broadcast_interval must be positive"))
	}
	if c.Activities.MaxLogEntries <= 0 {
		errs = append(errs, errors.New("activities.max_log_entries must be positive"))
	}

	if c.Stream.IdleTimeout <= 0 {
		errs = append(errs, errors.New("stream.idle_timeout must be positive"))
	}
	if _, err := cron.ParseSchedule(c.Stream.ReapSchedule); err != nil {
		errs = append(errs, fmt.Errorf("stream.reap_schedule: %w", err))
	}
	if c.Stream.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("stream.handshake_timeout must be positive"))
	}
	if c.Stream.ObserverBuffer <= 0 {
		errs = append(errs, errors.New("stream.observer_buffer must be positive"))
	}
	if c.Stream.WriteTimeout <= 0 {
		errs = append(errs, errors.New("stream.write_timeout must be positive"))
	}

	if c.Monitoring.PushURL != "" {
		if _, err := cron.ParseSchedule(c.Monitoring.FlushSchedule); err != nil {
			errs = append(errs, fmt.Errorf("monitoring.flush_schedule: %w", err))
		}
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("peers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if _, err := p.StreamURL(""); err != nil {
			errs = append(errs, fmt.Errorf("peers[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// SetDefaults sets reasonable default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = defaultAddr
	}
	c.Logging.SetDefaults()

	if c.Activities.BroadcastSchedule == "" {
		c.Activities.BroadcastSchedule = defaultBroadcastSchedule
	}
	if c.Activities.IdleBroadcastInterval == 0 {
		c.Activities.IdleBroadcastInterval = defaultIdleBroadcastInterval
	}
	if c.Activities.MaxLogEntries == 0 {
		c.Activities.MaxLogEntries = defaultMaxLogEntries
	}

	if c.Stream.IdleTimeout == 0 {
		c.Stream.IdleTimeout = defaultStreamIdleTimeout
	}
	if c.Stream.ReapSchedule == "" {
		c.Stream.ReapSchedule = defaultReapSchedule
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Stream.ObserverBuffer == 0 {
		c.Stream.ObserverBuffer = defaultObserverBuffer
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = defaultWriteTimeout
	}

	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	if c.Monitoring.FlushSchedule == "" {
		c.Monitoring.FlushSchedule = defaultFlushSchedule
	}
}

// LoadConfig reads the YAML config file at path, applies defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
