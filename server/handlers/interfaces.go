// Package handlers provides HTTP handlers for the minion server.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"context"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/config"
	"github.com/nomis52/minion/logging"
	"github.com/nomis52/minion/work"
)

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() *config.Config
}

// ActivityProvider lists live activities.
type ActivityProvider interface {
	SnapshotAll() []activity.Snapshot
	Stats() activity.Stats
}

// ActivityLogProvider returns the captured logs of running activities.
type ActivityLogProvider interface {
	Logs(id string) ([]logging.LogEntry, bool)
}

// ActivityCanceller cancels activities by id.
type ActivityCanceller interface {
	Cancel(ctx context.Context, id string) error
}

// WorkRunner runs jobs on this server.
type WorkRunner interface {
	Run(ctx context.Context, req work.Request) (work.Result, error)
}

// WorkForwarder runs jobs on a peer.
type WorkForwarder interface {
	Forward(ctx context.Context, peer string, req work.Request) (work.Result, error)
}
