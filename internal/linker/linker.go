// Package linker binds waiting passengers to the vehicle whose capacity
// zone covers them, and detects arrival at a passenger's destination.
// Linking is link-if-absent: a passenger leaving the zone is never
// unlinked, and two drivers can never both claim the same passenger.
package linker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/example/transit-tracker/internal/faults"
	"github.com/example/transit-tracker/internal/geo"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/notify"
	"github.com/example/transit-tracker/internal/store"
)

const (
	// Defaults sized for a jeepney footprint plus boarding slack.
	DefaultZoneLengthM    = 12
	DefaultZoneWidthM     = 6
	DefaultArrivalRadiusM = 50
)

// Config tunes the geofences.
type Config struct {
	Zone          geo.CapacityZone
	ArrivalRadius float64
}

// Linker evaluates the geofences against the live presence tree.
type Linker struct {
	cfg    Config
	store  store.Store
	notify notify.Func
	logger *slog.Logger
}

func New(cfg Config, st store.Store, fn notify.Func, logger *slog.Logger) *Linker {
	if cfg.Zone.LengthM <= 0 {
		cfg.Zone.LengthM = DefaultZoneLengthM
	}
	if cfg.Zone.WidthM <= 0 {
		cfg.Zone.WidthM = DefaultZoneWidthM
	}
	if cfg.ArrivalRadius <= 0 {
		cfg.ArrivalRadius = DefaultArrivalRadiusM
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{cfg: cfg, store: st, notify: fn, logger: logger}
}

// linkClaim is the exclusive-claim record written at the link path.
type linkClaim struct {
	DriverID  string    `json:"driver_uid"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// LinkPassengers sweeps all waiting passengers against one driver's
// capacity zone and links every unlinked passenger inside it. Returns
// the ids linked by this call. Linking is suspended while the vehicle
// is flagged full.
func (l *Linker) LinkPassengers(ctx context.Context, driverID string) ([]string, error) {
	const op = "linker.LinkPassengers"

	var driver models.PresenceRecord
	found, err := l.store.Get(ctx, models.PresencePath(models.RoleDriver, driverID), &driver)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if !found {
		return nil, faults.New(faults.InvalidState, op, "driver %s has no presence record", driverID)
	}
	now := l.store.Now(ctx)
	if !models.ComputeOnline(driver, now) || driver.CapacityFull {
		return nil, nil
	}

	passengers, err := l.store.List(ctx, "passengers_location")
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}

	var linked []string
	for id, raw := range passengers {
		var p models.PresenceRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.ActorID == "" {
			p.ActorID = id
		}
		if !l.linkable(p, now) {
			continue
		}
		if !l.cfg.Zone.Contains(driver.Lat, driver.Lng, driver.BearingDeg, p.Lat, p.Lng) {
			continue
		}
		ok, err := l.claim(ctx, p.ActorID, driverID, now)
		if err != nil {
			return linked, faults.Wrap(faults.WriteFailed, op, err)
		}
		if ok {
			linked = append(linked, p.ActorID)
		}
	}
	return linked, nil
}

// linkable filters candidates before the geometric test: the passenger
// must be effectively online and not already bound to any vehicle.
func (l *Linker) linkable(p models.PresenceRecord, now time.Time) bool {
	return models.ComputeOnline(p, now) && p.LinkedDriverID == ""
}

// claim takes the exclusive link claim, then mirrors it onto the
// passenger record. The claim is the race arbiter; the mirror write is
// idempotent so a crash between the two heals on the next sweep.
func (l *Linker) claim(ctx context.Context, passengerID, driverID string, now time.Time) (bool, error) {
	claimed, err := l.store.SetIfAbsent(ctx, models.LinkClaimPath(passengerID), linkClaim{
		DriverID:  driverID,
		ClaimedAt: now,
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		var existing linkClaim
		found, err := l.store.Get(ctx, models.LinkClaimPath(passengerID), &existing)
		if err != nil {
			return false, err
		}
		if !found || existing.DriverID != driverID {
			return false, nil
		}
		// Our own stale claim; fall through and repair the mirror.
	}
	err = l.store.Merge(ctx, models.PresencePath(models.RolePassenger, passengerID), map[string]any{
		"linked_driver": driverID,
	})
	if err != nil {
		return false, err
	}
	l.logger.Info("passenger linked",
		slog.String("passenger_id", passengerID),
		slog.String("driver_id", driverID))
	return claimed, nil
}

// CheckArrival tests a tracking passenger against their destination
// circle. Arrival depends only on distance, not on link state, so a
// passenger who walked to their stop unlinked still arrives. Inside the
// radius the tracking record is tombstoned and any link released; the
// notification is cancellable but the state change is not.
func (l *Linker) CheckArrival(ctx context.Context, passengerID string) (arrived bool, err error) {
	const op = "linker.CheckArrival"

	var p models.PresenceRecord
	found, err := l.store.Get(ctx, models.PresencePath(models.RolePassenger, passengerID), &p)
	if err != nil {
		return false, faults.Wrap(faults.WriteFailed, op, err)
	}
	if !found || p.Destination == nil {
		return false, nil
	}

	dist := geo.Haversine(p.Lat, p.Lng, p.Destination.Lat, p.Destination.Lng)
	if dist > l.cfg.ArrivalRadius {
		return false, nil
	}

	l.notify.Emit(notify.Event{
		Kind:    notify.KindPassengerArrived,
		ActorID: passengerID,
		Message: "you have arrived at your destination",
	})

	if err := l.Unlink(ctx, passengerID); err != nil {
		return false, err
	}
	if err := l.store.Merge(ctx, models.PresencePath(models.RolePassenger, passengerID), map[string]any{
		"online":      false,
		"destination": nil,
		"last_update": l.store.Now(ctx),
	}); err != nil {
		return false, faults.Wrap(faults.WriteFailed, op, err)
	}
	return true, nil
}

// Unlink releases a passenger's vehicle binding and its claim record.
func (l *Linker) Unlink(ctx context.Context, passengerID string) error {
	const op = "linker.Unlink"
	if err := ReleaseClaim(ctx, l.store, passengerID); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	return nil
}

// ReleaseClaim deletes a passenger's exclusive link claim and clears
// the mirror field on their presence record. Stop paths must call this:
// a stale claim left behind would block every future driver from
// linking the passenger again. Safe to call when no claim exists.
func ReleaseClaim(ctx context.Context, st store.Store, passengerID string) error {
	if err := st.Delete(ctx, models.LinkClaimPath(passengerID)); err != nil {
		return err
	}
	return st.Merge(ctx, models.PresencePath(models.RolePassenger, passengerID), map[string]any{
		"linked_driver": "",
	})
}

// LinkedPassengers lists the ids currently bound to a driver.
func (l *Linker) LinkedPassengers(ctx context.Context, driverID string) ([]string, error) {
	const op = "linker.LinkedPassengers"

	passengers, err := l.store.List(ctx, "passengers_location")
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	var out []string
	for id, raw := range passengers {
		var p models.PresenceRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.LinkedDriverID == driverID {
			if p.ActorID != "" {
				id = p.ActorID
			}
			out = append(out, id)
		}
	}
	return out, nil
}
