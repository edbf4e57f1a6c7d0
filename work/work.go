// Package work runs demonstration jobs that report progress as activities,
// locally or on a peer while the peer's activities are proxied back.
package work

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/minion/activity"
)

const (
	defaultName         = "work"
	defaultStepDuration = time.Second
	maxSteps            = 10_000
)

// ErrInvalidRequest is returned for requests that cannot be run.
var ErrInvalidRequest = errors.New("invalid work request")

// Request describes a job of Steps equal steps.
type Request struct {
	Name  string `json:"name"`
	Steps int64  `json:"steps"`
	// StepMillis is the duration of each step in milliseconds.
	StepMillis int64 `json:"step_ms"`
}

// StepDuration returns the duration of each step.
func (r Request) StepDuration() time.Duration {
	if r.StepMillis <= 0 {
		return defaultStepDuration
	}
	return time.Duration(r.StepMillis) * time.Millisecond
}

// Validate checks the request.
func (r Request) Validate() error {
	if r.Steps <= 0 || r.Steps > maxSteps {
		return fmt.Errorf("%w: steps must be between 1 and %d", ErrInvalidRequest, maxSteps)
	}
	return nil
}

// Result reports how a job ended.
type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Completed int64  `json:"completed"`
	Steps     int64  `json:"steps"`
	Cancelled bool   `json:"cancelled"`
	// Duration is the run time in milliseconds.
	Duration int64 `json:"duration"`
}

// Runner runs jobs as activities of a registry.
type Runner struct {
	registry *activity.Registry
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(registry *activity.Registry, logger *slog.Logger) *Runner {
	return &Runner{registry: registry, logger: logger}
}

// Run executes the job and blocks until it completes, is cancelled through
// its activity, or ctx is done.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if req.Name == "" {
		req.Name = defaultName
	}

	ctx, a := r.registry.Start(ctx, req.Name, activity.WithMax(req.Steps))
	defer a.Done()

	r.logger.InfoContext(ctx, "work started", "name", req.Name, "steps", req.Steps)

	ticker := time.NewTicker(req.StepDuration())
	defer ticker.Stop()

	result := Result{ID: a.ID(), Name: req.Name, Steps: req.Steps}
	for a.Current() < req.Steps {
		if a.CancelRequested() {
			r.logger.InfoContext(ctx, "work cancelled", "name", req.Name, "completed", a.Current())
			result.Cancelled = true
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
			a.Step(1)
			r.logger.DebugContext(ctx, "step done", "current", a.Current())
		}
	}

	result.Completed = a.Current()
	result.Duration = time.Since(a.StartedAt()).Milliseconds()
	r.logger.InfoContext(ctx, "work finished",
		"name", req.Name,
		"completed", result.Completed,
		"cancelled", result.Cancelled,
	)
	return result, nil
}
