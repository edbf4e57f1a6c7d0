// Package broadcast periodically publishes snapshots of every live activity
// to the observers of the push endpoint, and routes cancel requests to the
// activity they name.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/cron"
	"github.com/nomis52/minion/metrics"
)

// EventName is the name of the event carrying a snapshot batch.
const EventName = "activities"

// DefaultIdleInterval is how often an empty batch is repeated while nothing runs.
const DefaultIdleInterval = 30 * time.Second

// ErrNotFound is returned by Cancel when no live activity has the given id.
var ErrNotFound = errors.New("activity not found")

// Publisher delivers an event to every attached observer.
type Publisher interface {
	Publish(name string, payload any) error
}

// Broadcaster publishes activity snapshots on every tick.
type Broadcaster struct {
	registry     *activity.Registry
	publisher    Publisher
	logger       *slog.Logger
	now          func() time.Time
	idleInterval time.Duration
	metrics      *metrics.ActivityMetrics

	mu            sync.Mutex
	lastEmpty     bool
	lastBroadcast time.Time
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		b.now = now
	}
}

// WithIdleInterval sets how often an empty batch is repeated.
func WithIdleInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		b.idleInterval = d
	}
}

// WithMetrics reports broadcast and cancel counts.
func WithMetrics(m *metrics.ActivityMetrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// New creates a Broadcaster publishing snapshots of registry through publisher.
func New(registry *activity.Registry, publisher Publisher, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		registry:     registry,
		publisher:    publisher,
		logger:       slog.Default(),
		now:          time.Now,
		idleInterval: DefaultIdleInterval,
		metrics:      metrics.NopActivityMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tick publishes one snapshot batch. An empty batch is skipped when the
// previous one was empty as well and was sent less than the idle interval ago.
// Failures are logged and never propagate to the scheduler.
func (b *Broadcaster) Tick() {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("activity broadcast panicked", "panic", r)
			b.count(metrics.ResultFailed)
		}
	}()

	stats := b.registry.Stats()
	b.metrics.Activities.With(prometheus.Labels{"kind": metrics.KindLocal}).Set(float64(stats.Local))
	b.metrics.Activities.With(prometheus.Labels{"kind": metrics.KindShadow}).Set(float64(stats.Shadow))

	snapshots := b.registry.SnapshotAll()
	empty := len(snapshots) == 0
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if empty && b.lastEmpty && now.Sub(b.lastBroadcast) < b.idleInterval {
		b.count(metrics.ResultSuppressed)
		return
	}

	if err := b.publisher.Publish(EventName, snapshots); err != nil {
		b.logger.Error("failed to publish activities", "error", err)
		b.count(metrics.ResultFailed)
		return
	}
	b.lastEmpty = empty
	b.lastBroadcast = now
	b.count(metrics.ResultSent)
}

// Start runs Tick on schedule until ctx is cancelled. Returns immediately.
func (b *Broadcaster) Start(ctx context.Context, schedule robfig.Schedule) {
	cron.NewScheduleTrigger(schedule, b.Tick, b.logger).Start(ctx)
}

// Cancel requests cancellation of the live activity with the given id. For a
// shadow activity the request is forwarded to the server running it and its
// error is returned.
func (b *Broadcaster) Cancel(ctx context.Context, id string) error {
	a := b.registry.FindByID(id)
	if a == nil {
		b.cancelled(metrics.ResultNotFound)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := a.Cancel(ctx); err != nil {
		b.cancelled(metrics.ResultError)
		return fmt.Errorf("cancelling activity %s: %w", id, err)
	}
	b.cancelled(metrics.ResultOK)
	b.logger.InfoContext(ctx, "activity cancel requested", "id", id, "name", a.Name(), "shadow", a.IsShadow())
	return nil
}

func (b *Broadcaster) count(result string) {
	b.metrics.Broadcasts.With(prometheus.Labels{"result": result}).Inc()
}

func (b *Broadcaster) cancelled(result string) {
	b.metrics.CancelRequests.With(prometheus.Labels{"result": result}).Inc()
}
