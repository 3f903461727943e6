// Package presence turns a raw position stream into the shared presence
// record for one actor. Rendering and persistence run at different
// cadences: every fix refreshes the local render state, while store
// writes are throttled to the sync interval.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/transit-tracker/internal/faults"
	"github.com/example/transit-tracker/internal/geo"
	"github.com/example/transit-tracker/internal/linker"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/notify"
	"github.com/example/transit-tracker/internal/store"
)

const (
	// DefaultSyncInterval throttles presence writes to the store.
	DefaultSyncInterval = 5 * time.Second
	// Watch retry policy when the source times out before its first fix.
	defaultRetryInitial  = 5 * time.Second
	defaultRetryAttempts = 3
)

// Config describes one tracking session.
type Config struct {
	ActorID      string
	Role         models.Role
	Route        string
	SyncInterval time.Duration
	// RetryInitial and RetryAttempts bound the re-watch loop after a
	// source timeout. Zero values take the defaults.
	RetryInitial  time.Duration
	RetryAttempts uint64
}

// Tracker manages position acquisition and presence persistence for a
// single actor. It is safe for concurrent use; Stop is idempotent.
type Tracker struct {
	cfg    Config
	store  store.Store
	source Source
	render *RenderCache
	notify notify.Func
	logger *slog.Logger

	mu          sync.Mutex
	blocked     bool
	stopped     bool
	started     bool
	lastFix     *Fix
	lastPersist time.Time
	cancel      context.CancelFunc
}

// NewTracker wires a tracking session. render must be non-nil; notify
// may be nil when no presentation layer is attached.
func NewTracker(cfg Config, st store.Store, src Source, render *RenderCache, fn notify.Func, logger *slog.Logger) *Tracker {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaultRetryInitial
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		store:  st,
		source: src,
		render: render,
		notify: fn,
		logger: logger,
	}
}

// Blocked reports whether a permission denial has latched. The latch
// suppresses fixes until the next explicit Start, which clears it and
// re-attempts the watch.
func (t *Tracker) Blocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// Start begins consuming the position source. It returns after the
// watch is established; fixes are applied on a background goroutine.
// An earlier permission denial does not make the refusal permanent: an
// explicit restart clears the latch and asks the source again, which
// re-latches if access is still denied.
func (t *Tracker) Start(ctx context.Context) error {
	const op = "presence.Start"

	t.mu.Lock()
	if t.started && !t.stopped && !t.blocked {
		t.mu.Unlock()
		return faults.New(faults.InvalidState, op, "tracker already started")
	}
	t.blocked = false
	watchCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true
	t.stopped = false
	t.mu.Unlock()

	fixes, errs, err := t.watchWithRetry(watchCtx)
	if err != nil {
		cancel()
		return err
	}

	go t.consume(watchCtx, fixes, errs)
	return nil
}

// watchWithRetry hides transient source timeouts behind a bounded
// exponential backoff. Permission denials are never retried.
func (t *Tracker) watchWithRetry(ctx context.Context) (<-chan Fix, <-chan *SourceError, error) {
	const op = "presence.Start"

	var fixes <-chan Fix
	var errs <-chan *SourceError

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.RetryInitial
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, t.cfg.RetryAttempts), ctx)

	attempt := func() error {
		f, e, err := t.source.Watch(ctx)
		if err != nil {
			if se, ok := err.(*SourceError); ok && se.Code == ErrPermissionDenied {
				return backoff.Permanent(err)
			}
			return err
		}
		fixes, errs = f, e
		return nil
	}

	if err := backoff.Retry(attempt, bounded); err != nil {
		if se, ok := err.(*SourceError); ok && se.Code == ErrPermissionDenied {
			t.onPermissionDenied()
			return nil, nil, faults.Wrap(faults.GeolocationUnavailable, op, err)
		}
		return nil, nil, faults.Wrap(faults.GeolocationUnavailable, op, err)
	}
	return fixes, errs, nil
}

func (t *Tracker) consume(ctx context.Context, fixes <-chan Fix, errs <-chan *SourceError) {
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			if err := t.OnPosition(ctx, fix); err != nil {
				t.logger.Warn("position fix not persisted",
					slog.String("actor_id", t.cfg.ActorID),
					slog.String("error", err.Error()))
			}
		case se, ok := <-errs:
			if !ok {
				return
			}
			if se.Code == ErrPermissionDenied {
				t.onPermissionDenied()
				return
			}
			t.logger.Warn("position source error",
				slog.String("actor_id", t.cfg.ActorID),
				slog.String("code", string(se.Code)))
		}
	}
}

// onPermissionDenied latches the blocked flag, stops the stream, and
// raises a cancellable notification. The latch outlives the event so a
// dismissed dialog cannot re-trigger watching.
func (t *Tracker) onPermissionDenied() {
	t.mu.Lock()
	already := t.blocked
	t.blocked = true
	cancel := t.cancel
	t.mu.Unlock()

	t.source.Stop()
	if cancel != nil {
		cancel()
	}
	if already {
		return
	}
	t.notify.Emit(notify.Event{
		Kind:    notify.KindGeolocationDenied,
		ActorID: t.cfg.ActorID,
		Message: "location permission is required for live tracking",
	})
}

// OnPosition applies one fix. The render state always advances; the
// store write happens only when the sync interval has elapsed since the
// last persisted fix. A failed write surfaces as WriteFailed and leaves
// the render state intact so the next fix can retry naturally.
func (t *Tracker) OnPosition(ctx context.Context, fix Fix) error {
	const op = "presence.OnPosition"

	pos := models.Position{Lat: fix.Lat, Lng: fix.Lng, Accuracy: fix.Accuracy, Timestamp: fix.Timestamp}
	if !pos.Valid() {
		return faults.New(faults.ValidationError, op, "non-finite coordinates (%v, %v)", fix.Lat, fix.Lng)
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return faults.New(faults.InvalidState, op, "tracker stopped")
	}
	var bearing float64
	var hasBearing bool
	if t.lastFix != nil {
		bearing, hasBearing = geo.Bearing(t.lastFix.Lat, t.lastFix.Lng, fix.Lat, fix.Lng)
	}
	prevPersist := t.lastPersist
	t.lastFix = &fix
	t.mu.Unlock()

	t.render.Put(RenderState{
		ActorID:    t.cfg.ActorID,
		Role:       t.cfg.Role,
		Lat:        fix.Lat,
		Lng:        fix.Lng,
		BearingDeg: bearing,
		HasBearing: hasBearing,
		UpdatedAt:  fix.Timestamp,
	})

	now := t.store.Now(ctx)
	if !prevPersist.IsZero() && now.Sub(prevPersist) < t.cfg.SyncInterval {
		return nil
	}

	fields := map[string]any{
		"actor_id":    t.cfg.ActorID,
		"role":        t.cfg.Role,
		"lat":         fix.Lat,
		"lng":         fix.Lng,
		"online":      true,
		"last_update": now,
	}
	if t.cfg.Route != "" {
		fields["route"] = t.cfg.Route
	}
	if hasBearing {
		fields["bearing_deg"] = bearing
	}
	path := models.PresencePath(t.cfg.Role, t.cfg.ActorID)
	if err := t.store.Merge(ctx, path, fields); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}

	t.mu.Lock()
	t.lastPersist = now
	t.mu.Unlock()
	return nil
}

// SetCompanions records how many people are waiting with a passenger.
func (t *Tracker) SetCompanions(ctx context.Context, n int) error {
	const op = "presence.SetCompanions"
	if n < 0 {
		return faults.New(faults.ValidationError, op, "companion count %d is negative", n)
	}
	path := models.PresencePath(t.cfg.Role, t.cfg.ActorID)
	if err := t.store.Merge(ctx, path, map[string]any{"waiting": n}); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	return nil
}

// SetDestination records the passenger's intended drop-off point, which
// arrival detection measures against.
func (t *Tracker) SetDestination(ctx context.Context, dest models.Position) error {
	const op = "presence.SetDestination"
	if !dest.Valid() {
		return faults.New(faults.ValidationError, op, "non-finite destination")
	}
	path := models.PresencePath(t.cfg.Role, t.cfg.ActorID)
	if err := t.store.Merge(ctx, path, map[string]any{"destination": dest}); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	return nil
}

// SetCapacityFull flags or clears the vehicle-full state on a driver's
// record, which suspends passenger linking while set.
func (t *Tracker) SetCapacityFull(ctx context.Context, full bool) error {
	const op = "presence.SetCapacityFull"
	path := models.PresencePath(t.cfg.Role, t.cfg.ActorID)
	if err := t.store.Merge(ctx, path, map[string]any{"full": full}); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	return nil
}

// Stop halts the position stream, then tombstones the presence record:
// online goes false and link state is cleared, but the last position
// stays for anyone still rendering the map. Stopping the stream first
// guarantees no late fix can flip the record back online. For
// passengers the link claim is released too, so a later session can be
// linked by any driver.
func (t *Tracker) Stop(ctx context.Context) error {
	const op = "presence.Stop"

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()

	t.source.Stop()
	if cancel != nil {
		cancel()
	}

	if t.cfg.Role == models.RolePassenger {
		if err := linker.ReleaseClaim(ctx, t.store, t.cfg.ActorID); err != nil {
			return faults.Wrap(faults.WriteFailed, op, err)
		}
	}

	fields := map[string]any{
		"online":        false,
		"active":        false,
		"trip_id":       "",
		"linked_driver": "",
		"last_update":   t.store.Now(ctx),
	}
	path := models.PresencePath(t.cfg.Role, t.cfg.ActorID)
	if err := t.store.Merge(ctx, path, fields); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}

	t.render.Remove(t.cfg.ActorID)
	t.notify.Emit(notify.Event{Kind: notify.KindTrackingStopped, ActorID: t.cfg.ActorID})
	return nil
}
