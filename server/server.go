// Package server provides the HTTP server of a minion node.
//
// A node tracks its long-running work as activities, pushes snapshots of them
// to every attached observer and, while it forwards work to a peer, mirrors
// the peer's activities for that work into its own registry.
//
// # Endpoints
//
//   - GET /health - Health check with activity counts
//   - GET /activities - Websocket push endpoint, one "activities" event per tick
//   - GET /api/activities - Snapshot of every live activity
//   - GET /api/activities/{id}/logs - Logs captured for a running activity
//   - DELETE /api/activities/{id} - Requests cancellation of an activity
//   - POST /api/work - Runs a job on this node and waits for it
//   - POST /api/peers/{peer}/work - Runs a job on a peer, mirroring its activities
//   - GET /config - Returns current configuration as YAML
//   - GET /metrics - Prometheus metrics, unless metrics are pushed
//
// Requests may carry a scope (query parameters group and instance) and a user
// (X-Remote-User or basic auth) that are attached to the activities they start.
//
// # Example
//
//	srv, err := server.New(cfg, server.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	robfig "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/broadcast"
	"github.com/nomis52/minion/config"
	"github.com/nomis52/minion/cron"
	"github.com/nomis52/minion/logging"
	"github.com/nomis52/minion/metrics"
	"github.com/nomis52/minion/proxy"
	"github.com/nomis52/minion/server/handlers"
	"github.com/nomis52/minion/stream"
	"github.com/nomis52/minion/work"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// Server is the HTTP server of a minion node.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	dialer stream.Dialer

	registry    *activity.Registry
	logs        *logging.LogCollector
	hub         *stream.Hub
	broadcaster *broadcast.Broadcaster
	cache       *stream.Cache
	proxier     *proxy.Proxier
	runner      *work.Runner
	forwarder   *work.Forwarder

	metrics *metrics.ActivityMetrics
	scrape  *metrics.ScrapeRegistry
	push    *metrics.PushRegistry

	broadcastSchedule robfig.Schedule
	reapSchedule      robfig.Schedule
	flushSchedule     robfig.Schedule
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDialer overrides how peer streams are opened.
func WithDialer(d stream.Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// New creates a Server from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.broadcastSchedule, err = cron.ParseSchedule(cfg.Activities.BroadcastSchedule); err != nil {
		return nil, fmt.Errorf("broadcast schedule: %w", err)
	}
	if s.reapSchedule, err = cron.ParseSchedule(cfg.Stream.ReapSchedule); err != nil {
		return nil, fmt.Errorf("reap schedule: %w", err)
	}
	if err := s.initMetrics(); err != nil {
		return nil, err
	}

	// Everything logged with an activity context is kept for that activity.
	s.logs = logging.NewLogCollector(cfg.Activities.MaxLogEntries)
	s.logger = logging.CaptureLogger(s.logger, s.logs, activity.IDFrom)

	if s.dialer == nil {
		s.dialer = stream.NewWebSocketDialer(cfg.Stream.HandshakeTimeout, s.logger)
	}

	s.registry = activity.NewRegistry(
		activity.WithLogger(s.logger),
		activity.WithObserver(activityLogs{s.logs}),
	)
	s.hub = stream.NewHub(s.logger,
		stream.WithObserverBuffer(cfg.Stream.ObserverBuffer),
		stream.WithWriteTimeout(cfg.Stream.WriteTimeout),
	)
	s.broadcaster = broadcast.New(s.registry, s.hub,
		broadcast.WithLogger(s.logger),
		broadcast.WithIdleInterval(cfg.Activities.IdleBroadcastInterval),
		broadcast.WithMetrics(s.metrics),
	)
	s.cache = stream.NewCache(s.dialer, s.logger,
		stream.WithCacheIdleTimeout(cfg.Stream.IdleTimeout),
		stream.WithConnectionsGauge(s.metrics.StreamConnections),
	)

	httpClient := proxy.NewHTTPClient(0)
	// Forwarded jobs run for as long as the peer needs.
	workClient := proxy.NewHTTPClient(0)
	workClient.Timeout = 0

	s.proxier = proxy.NewProxier(s.registry, s.cache, proxy.NewClient(httpClient),
		proxy.WithLogger(s.logger),
		proxy.WithMetrics(s.metrics),
		proxy.WithPeers(cfg.Peers...),
	)
	s.runner = work.NewRunner(s.registry, s.logger)
	s.forwarder = work.NewForwarder(s.registry, s.proxier, work.NewClient(workClient), s.logger)

	return s, nil
}

// activityLogs opens and drops the captured logs of activities as they start
// and finish.
type activityLogs struct {
	collector *logging.LogCollector
}

func (l activityLogs) ActivityStarted(a *activity.Activity)  { l.collector.Open(a.ID()) }
func (l activityLogs) ActivityFinished(a *activity.Activity) { l.collector.Remove(a.ID()) }

func (s *Server) initMetrics() error {
	mon := s.cfg.Monitoring

	var reg metrics.Registry
	if mon.PushURL != "" {
		schedule, err := cron.ParseSchedule(mon.FlushSchedule)
		if err != nil {
			return fmt.Errorf("metrics flush schedule: %w", err)
		}
		s.flushSchedule = schedule
		s.push = metrics.NewPushRegistry(metrics.PushConfig{
			URL:      mon.PushURL,
			Prefix:   mon.MetricsPrefix,
			Job:      mon.JobName,
			Instance: mon.Instance,
		})
		reg = s.push
	} else {
		scrape, err := metrics.NewScrapeRegistry(metrics.ScrapeConfig{
			Prefix:   mon.MetricsPrefix,
			Instance: mon.Instance,
		})
		if err != nil {
			return fmt.Errorf("creating metrics registry: %w", err)
		}
		s.scrape = scrape
		reg = scrape
	}

	m, err := metrics.NewActivityMetrics(reg)
	if err != nil {
		return err
	}
	s.metrics = m
	return nil
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Config returns the configuration the server was created with.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", handlers.NewHealthHandler(s.registry))
	mux.Handle("GET /activities", s.hub)
	mux.Handle("GET /api/activities", handlers.NewActivitiesHandler(s.registry))
	mux.Handle("GET /api/activities/{id}/logs", handlers.NewActivityLogsHandler(s.logs))
	mux.Handle("DELETE /api/activities/{id}", handlers.NewCancelHandler(s.broadcaster))
	mux.Handle("POST /api/work", handlers.NewWorkHandler(s.logger, s.runner))
	mux.Handle("POST /api/peers/{peer}/work", handlers.NewPeerWorkHandler(s.logger, s.forwarder))
	mux.Handle("GET /config", handlers.NewConfigHandler(s.logger, s))
	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape.Handler())
	}

	return withRequestContext(mux)
}

// Start launches the background tasks: the snapshot broadcaster, the idle
// connection reaper and, when pushing metrics, the metrics flush. They stop
// when ctx is cancelled. Returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.broadcaster.Start(ctx, s.broadcastSchedule)
	s.cache.Start(ctx, s.reapSchedule)
	if s.push != nil {
		cron.NewScheduleTrigger(s.flushSchedule, func() { s.flushMetrics(ctx) }, s.logger).Start(ctx)
	}
}

func (s *Server) flushMetrics(ctx context.Context) {
	if err := s.push.Flush(ctx); err != nil {
		s.logger.Warn("failed to push metrics", "error", err)
	}
}

// Run serves HTTP and runs the background tasks until ctx is cancelled or the
// listener fails. It performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Listener.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.cfg.Listener.TLSCert != "" {
		loader, err := NewCertLoader(s.cfg.Listener.TLSCert, s.cfg.Listener.TLSKey, s.logger)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = loader.TLSConfig()
	}

	g, ctx := errgroup.WithContext(ctx)
	s.Start(ctx)

	g.Go(func() error {
		s.logger.Info("starting server",
			"addr", s.cfg.Listener.Addr,
			"tls", httpServer.TLSConfig != nil,
			"peers", len(s.cfg.Peers),
		)
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)

		s.cache.Close()
		if s.push != nil {
			s.flushMetrics(shutdownCtx)
		}
		return err
	})

	return g.Wait()
}
