package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Indeterminate is the Max value of an activity whose amount of work is unknown.
const Indeterminate int64 = -1

// Activity is a single long-running unit of work.
//
// Identity, naming, scope and user are fixed at creation. Progress is either
// read from supplier functions (local activities started with WithProgress) or
// from fields updated via SetCurrent/SetMax/Step.
type Activity struct {
	id        string
	parentID  string
	name      string
	scope     []string
	user      string
	startedAt time.Time

	currentFn func() int64
	maxFn     func() int64
	current   atomic.Int64
	max       atomic.Int64

	cancelRequested atomic.Bool

	// onDone is installed by the registry when the activity is registered.
	onDone   func(*Activity)
	doneOnce sync.Once

	// onCancel is only set for shadow activities.
	onCancel func(ctx context.Context) error
}

// ID returns the unique identifier of the activity.
func (a *Activity) ID() string { return a.id }

// ParentID returns the id of the enclosing activity, or "" for top-level activities.
func (a *Activity) ParentID() string { return a.parentID }

// Name returns the human readable description.
func (a *Activity) Name() string { return a.name }

// Scope returns a copy of the activity scope.
func (a *Activity) Scope() []string {
	return append([]string(nil), a.scope...)
}

// User returns the display name of the acting principal.
func (a *Activity) User() string { return a.user }

// StartedAt returns the creation time.
func (a *Activity) StartedAt() time.Time { return a.startedAt }

// Current returns the amount of work done so far.
func (a *Activity) Current() int64 {
	if a.currentFn != nil {
		return a.currentFn()
	}
	return a.current.Load()
}

// Max returns the total amount of work, or Indeterminate.
func (a *Activity) Max() int64 {
	if a.maxFn != nil {
		return a.maxFn()
	}
	return a.max.Load()
}

// SetCurrent sets the amount of work done. It has no effect on activities
// whose progress comes from supplier functions.
func (a *Activity) SetCurrent(v int64) { a.current.Store(v) }

// SetMax sets the total amount of work.
func (a *Activity) SetMax(v int64) { a.max.Store(v) }

// Step advances the current counter by n.
func (a *Activity) Step(n int64) { a.current.Add(n) }

// CancelRequested reports whether cancellation has been requested. Owners of
// the activity are expected to poll this and stop cooperatively.
func (a *Activity) CancelRequested() bool { return a.cancelRequested.Load() }

// IsShadow reports whether the activity mirrors one running on a remote peer.
func (a *Activity) IsShadow() bool { return a.onCancel != nil }

// Cancel requests cancellation of the activity.
//
// For local activities this sets the cancel flag. For shadow activities the
// request is forwarded upstream and the flag is only set once the remote peer
// reports it.
func (a *Activity) Cancel(ctx context.Context) error {
	if a.onCancel != nil {
		return a.onCancel(ctx)
	}
	a.markCancelled()
	return nil
}

func (a *Activity) markCancelled() {
	a.cancelRequested.Store(true)
}

// Observe copies progress and cancellation state reported by a remote peer
// into a shadow activity. The cancel flag only ever goes from false to true.
func (a *Activity) Observe(current, max int64, cancelRequested bool) {
	a.current.Store(current)
	a.max.Store(max)
	if cancelRequested {
		a.markCancelled()
	}
}

// Done finishes the activity and unregisters it. Calling Done more than once
// is a no-op.
func (a *Activity) Done() {
	a.doneOnce.Do(func() {
		if a.onDone != nil {
			a.onDone(a)
		}
	})
}

// Snapshot returns a point in time copy of the activity.
func (a *Activity) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		ID:              a.id,
		ParentID:        a.parentID,
		Name:            a.name,
		Scope:           a.Scope(),
		User:            a.user,
		Current:         a.Current(),
		Max:             a.Max(),
		Duration:        now.Sub(a.startedAt).Milliseconds(),
		CancelRequested: a.CancelRequested(),
	}
}

// Snapshot is an immutable, serializable copy of an Activity.
type Snapshot struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parentId,omitempty"`
	Name     string   `json:"name"`
	Scope    []string `json:"scope"`
	User     string   `json:"user,omitempty"`
	Current  int64    `json:"current"`
	Max      int64    `json:"max"`
	// Duration is the elapsed time since the activity started, in milliseconds.
	Duration        int64 `json:"duration"`
	CancelRequested bool  `json:"cancelRequested"`
}

// Elapsed returns Duration as a time.Duration.
func (s Snapshot) Elapsed() time.Duration {
	return time.Duration(s.Duration) * time.Millisecond
}

// ShadowSpec describes an activity observed on a remote peer.
type ShadowSpec struct {
	ID        string
	ParentID  string
	Name      string
	Scope     []string
	User      string
	Current   int64
	Max       int64
	StartedAt time.Time
	// OnCancel forwards a cancel request to the remote peer.
	OnCancel func(ctx context.Context) error
}

// NewShadow creates an activity mirroring a remote one. It is not registered
// until passed to Registry.AddShadow.
func NewShadow(spec ShadowSpec) *Activity {
	onCancel := spec.OnCancel
	if onCancel == nil {
		onCancel = func(context.Context) error { return nil }
	}
	a := &Activity{
		id:        spec.ID,
		parentID:  spec.ParentID,
		name:      spec.Name,
		scope:     append([]string(nil), spec.Scope...),
		user:      spec.User,
		startedAt: spec.StartedAt,
		onCancel:  onCancel,
	}
	a.current.Store(spec.Current)
	a.max.Store(spec.Max)
	return a
}
