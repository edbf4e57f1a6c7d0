package activity

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry stores all running activities of the process, local and shadow.
// All methods are safe for concurrent use.
type Registry struct {
	logger   *slog.Logger
	now      func() time.Time
	observer Observer

	mu         sync.Mutex
	activities []*Activity
	byID       map[string]*Activity
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Observer is told when activities enter and leave a registry. Calls are made
// with the registry lock held, so ActivityStarted and ActivityFinished for
// one activity never reorder. Observers must not call back into the registry.
type Observer interface {
	ActivityStarted(a *Activity)
	ActivityFinished(a *Activity)
}

// WithObserver sets the observer of the registry.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default(),
		now:    time.Now,
		byID:   make(map[string]*Activity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartOption configures an activity created by Start.
type StartOption func(*startOptions)

type startOptions struct {
	max       int64
	currentFn func() int64
	maxFn     func() int64
	user      string
	parent    *Activity
	parentSet bool
}

// WithMax sets the total amount of work. The default is Indeterminate.
func WithMax(max int64) StartOption {
	return func(o *startOptions) {
		o.max = max
	}
}

// WithProgress makes the activity read its progress from the given functions
// whenever it is snapshotted. Either function may be nil. The functions are
// called with the registry lock held and must not call back into the registry.
func WithProgress(current, max func() int64) StartOption {
	return func(o *startOptions) {
		o.currentFn = current
		o.maxFn = max
	}
}

// WithStartUser sets the user explicitly instead of taking it from the context.
func WithStartUser(user string) StartOption {
	return func(o *startOptions) {
		o.user = user
	}
}

// WithParent sets the parent explicitly instead of taking the current
// activity of the context. A nil parent starts a top-level activity. Use this
// when handing work off to a goroutine that does not share the context.
func WithParent(parent *Activity) StartOption {
	return func(o *startOptions) {
		o.parent = parent
		o.parentSet = true
	}
}

// Start creates and registers a local activity. The returned context carries
// the new activity, so activities started from it become its children.
//
// The scope is taken from the context: an inbound proxy-scope token first,
// followed by the request scope set with WithScope.
func (r *Registry) Start(ctx context.Context, name string, opts ...StartOption) (context.Context, *Activity) {
	o := startOptions{max: Indeterminate}
	for _, opt := range opts {
		opt(&o)
	}

	parent := o.parent
	if !o.parentSet {
		parent = r.Current(ctx)
	}

	scope := ScopeFrom(ctx)
	if token := RemoteScopeFrom(ctx); token != "" {
		scope = append([]string{token}, scope...)
	}

	user := o.user
	if user == "" {
		user = UserFrom(ctx)
	}

	a := &Activity{
		id:        uuid.NewString(),
		name:      name,
		scope:     scope,
		user:      user,
		startedAt: r.now(),
		currentFn: o.currentFn,
		maxFn:     o.maxFn,
		onDone:    r.remove,
	}
	if parent != nil {
		a.parentID = parent.ID()
	}
	a.max.Store(o.max)

	r.mu.Lock()
	r.insertLocked(a)
	r.mu.Unlock()

	r.logger.Debug("activity started", "id", a.id, "name", name, "parent", a.parentID)
	return withActivity(ctx, a), a
}

// Done finishes the activity. It is a no-op if the activity already finished.
func (r *Registry) Done(a *Activity) {
	if a == nil {
		return
	}
	a.Done()
}

// Current returns the activity carried by ctx while it is live. Once it has
// finished, its parent is returned if that is still live. Otherwise nil.
func (r *Registry) Current(ctx context.Context) *Activity {
	a := activityFrom(ctx)
	if a == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[a.id] == a {
		return a
	}
	if a.parentID == "" {
		return nil
	}
	if p, ok := r.byID[a.parentID]; ok {
		return p
	}
	r.logger.Warn("lost activity chain, parent no longer live",
		"activity", a.id,
		"parent", a.parentID,
	)
	return nil
}

// AddShadow registers an activity mirrored from a remote peer. Finishing the
// activity removes it again. Returns false if an activity with the same id is
// already registered.
func (r *Registry) AddShadow(a *Activity) bool {
	a.onDone = r.remove

	r.mu.Lock()

	if _, ok := r.byID[a.id]; ok {
		r.mu.Unlock()
		r.logger.Warn("duplicate shadow activity", "id", a.id)
		return false
	}
	r.insertLocked(a)
	r.mu.Unlock()
	return true
}

// RemoveShadow finishes and unregisters a shadow activity.
func (r *Registry) RemoveShadow(a *Activity) {
	r.Done(a)
}

// FindByID returns the live activity with the given id, or nil.
func (r *Registry) FindByID(id string) *Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// SnapshotAll returns a copy of every live activity.
func (r *Registry) SnapshotAll() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	snapshots := make([]Snapshot, 0, len(r.activities))
	for _, a := range r.activities {
		snapshots = append(snapshots, a.Snapshot(now))
	}
	return snapshots
}

// Stats holds activity counts.
type Stats struct {
	Local  int
	Shadow int
}

// Stats returns the number of live local and shadow activities.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, a := range r.activities {
		if a.IsShadow() {
			s.Shadow++
		} else {
			s.Local++
		}
	}
	return s
}

func (r *Registry) insertLocked(a *Activity) {
	r.activities = append(r.activities, a)
	r.byID[a.id] = a
	if r.observer != nil {
		r.observer.ActivityStarted(a)
	}
}

func (r *Registry) remove(a *Activity) {
	r.mu.Lock()
	if r.byID[a.id] != a {
		r.mu.Unlock()
		return
	}
	delete(r.byID, a.id)
	if i := slices.Index(r.activities, a); i >= 0 {
		r.activities = slices.Delete(r.activities, i, i+1)
	}
	if r.observer != nil {
		r.observer.ActivityFinished(a)
	}
	r.mu.Unlock()
}
