// Package cron runs periodic background tasks on a cron schedule.
//
// Schedules use the standard 5-field cron format or a descriptor such as
// "@every 2s" or "@hourly". A Trigger calls its func each time the schedule
// fires until the context is cancelled.
//
// Example usage:
//
//	trigger, err := cron.NewTrigger("@every 2s", broadcaster.Tick, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	trigger.Start(ctx)  // Returns immediately, runs in background
//	<-ctx.Done()        // Wait for shutdown signal
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a schedule specification cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid cron schedule")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a 5-field cron expression or a descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidSchedule, err)
	}
	return schedule, nil
}

// Trigger calls a func according to a cron schedule.
type Trigger struct {
	spec     string
	schedule cron.Schedule
	fn       func()
	logger   *slog.Logger
	runs     atomic.Int64
}

// NewTrigger creates a Trigger for the given schedule specification.
// Returns ErrInvalidSchedule if the expression cannot be parsed.
func NewTrigger(spec string, fn func(), logger *slog.Logger) (*Trigger, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	t := NewScheduleTrigger(schedule, fn, logger)
	t.spec = spec
	return t, nil
}

// NewScheduleTrigger creates a Trigger for an already parsed schedule.
func NewScheduleTrigger(schedule cron.Schedule, fn func(), logger *slog.Logger) *Trigger {
	return &Trigger{
		spec:     fmt.Sprintf("%v", schedule),
		schedule: schedule,
		fn:       fn,
		logger:   logger,
	}
}

// Start launches a goroutine that calls the func according to the schedule.
// Returns immediately. The goroutine exits when ctx is cancelled.
func (t *Trigger) Start(ctx context.Context) {
	go t.loop(ctx)
}

// NextRun returns the next scheduled run time from now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(time.Now())
}

// Runs returns how many times the func has been called.
func (t *Trigger) Runs() int64 {
	return t.runs.Load()
}

func (t *Trigger) loop(ctx context.Context) {
	for {
		nextRun := t.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(nextRun))

		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Debug("trigger shutting down", "schedule", t.spec)
			return
		case <-timer.C:
			t.execute()
		}
	}
}

// execute calls the func. A panic is logged and does not stop the loop.
func (t *Trigger) execute() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("scheduled task panicked", "schedule", t.spec, "panic", r)
		}
	}()
	t.runs.Add(1)
	t.fn()
}
