// Package trips owns the trip lifecycle: one active trip per driver,
// append-only path recording with an incrementally maintained distance,
// and an authoritative recomputation when the trip ends. Trip records
// are never deleted; terminal states are absorbing.
package trips

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/example/transit-tracker/internal/faults"
	"github.com/example/transit-tracker/internal/geo"
	"github.com/example/transit-tracker/internal/identity"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/store"
)

// Manager coordinates trip state for all drivers. It holds no trip
// state of its own; the store is authoritative so a restarted process
// picks up where the last one left off.
type Manager struct {
	store  store.Store
	routes *identity.RouteResolver
	logger *slog.Logger
}

func NewManager(st store.Store, routes *identity.RouteResolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, routes: routes, logger: logger}
}

// GetActiveTrip returns the driver's current active trip, if any. Stale
// leftovers from crashed sessions are reconciled before answering, so a
// positive answer always points at the newest trip.
func (m *Manager) GetActiveTrip(ctx context.Context, driverID string) (*models.Trip, error) {
	const op = "trips.GetActiveTrip"
	trip, err := m.reconcile(ctx, driverID)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	return trip, nil
}

// StartTrip opens a new active trip at the given position. Any active
// trips left over for this driver are reconciled first; if one survives
// reconciliation the start is rejected rather than silently forking the
// driver's history.
func (m *Manager) StartTrip(ctx context.Context, driverID string, start models.Position) (*models.Trip, error) {
	const op = "trips.StartTrip"

	if !start.Valid() {
		return nil, faults.New(faults.ValidationError, op, "non-finite start position")
	}

	existing, err := m.reconcile(ctx, driverID)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if existing != nil {
		return nil, faults.New(faults.InvalidState, op, "driver %s already has active trip %s", driverID, existing.TripID)
	}

	now := m.store.Now(ctx)
	meta := m.routeMeta(ctx, driverID)
	trip := &models.Trip{
		TripID:      store.PushKey(now),
		DriverID:    driverID,
		Route:       meta.Route,
		JeepneyType: meta.Type,
		Status:      models.TripActive,
		Date:        models.DateKey(now),
		Start:       start,
		LastPoint:   &start,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.store.Set(ctx, models.TripPath(trip.TripID), trip); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if err := m.store.Set(ctx, models.UserTripPath(driverID, trip.Date, trip.TripID), tripIndexEntry(trip)); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if err := m.store.Merge(ctx, models.PresencePath(models.RoleDriver, driverID), map[string]any{
		"active":  true,
		"trip_id": trip.TripID,
	}); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	return trip, nil
}

// AppendLocation records one path point for an active trip and advances
// the running distance by the single new segment. The running figure is
// an estimate; EndTrip recomputes the authoritative total.
func (m *Manager) AppendLocation(ctx context.Context, tripID string, pos models.Position) error {
	const op = "trips.AppendLocation"

	if !pos.Valid() {
		return faults.New(faults.ValidationError, op, "non-finite position")
	}

	var trip models.Trip
	found, err := m.store.Get(ctx, models.TripPath(tripID), &trip)
	if err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	if !found {
		return faults.New(faults.InvalidState, op, "trip %s does not exist", tripID)
	}
	if trip.Status != models.TripActive {
		return faults.New(faults.InvalidState, op, "trip %s is %s", tripID, trip.Status)
	}

	now := m.store.Now(ctx)
	point := models.TripPoint{Lat: pos.Lat, Lng: pos.Lng, TS: pos.Timestamp}
	if point.TS.IsZero() {
		point.TS = now
	}
	key := store.PushKey(now)
	if err := m.store.Set(ctx, models.TripLocationsPath(tripID)+"/"+key, point); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}

	prev := trip.LastPoint
	if prev == nil {
		prev = &trip.Start
	}
	segment := geo.Haversine(prev.Lat, prev.Lng, pos.Lat, pos.Lng)
	if err := m.store.Merge(ctx, models.TripPath(tripID), map[string]any{
		"distance_m": trip.DistanceM + segment,
		"last_point": pos,
		"updated_at": now,
	}); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	return nil
}

// EndTrip completes an active trip. The final distance is recomputed
// over the full recorded path rather than trusting the running sum, and
// the driver's presence record is released from the trip.
func (m *Manager) EndTrip(ctx context.Context, tripID string, end models.Position) (*models.Trip, error) {
	const op = "trips.EndTrip"

	if !end.Valid() {
		return nil, faults.New(faults.ValidationError, op, "non-finite end position")
	}

	var trip models.Trip
	found, err := m.store.Get(ctx, models.TripPath(tripID), &trip)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if !found {
		return nil, faults.New(faults.InvalidState, op, "trip %s does not exist", tripID)
	}
	if trip.Status != models.TripActive {
		return nil, faults.New(faults.InvalidState, op, "trip %s is %s", tripID, trip.Status)
	}

	trip2, err := m.finalize(ctx, op, &trip, models.TripCompleted, "", &end)
	if err != nil {
		return nil, err
	}
	return trip2, nil
}

// CancelTrip moves an active trip to cancelled with the given reason.
// The trip is finalized the same way EndTrip finalizes a completed one:
// the authoritative path distance and duration are recorded, plus the
// end position when the caller has one.
func (m *Manager) CancelTrip(ctx context.Context, tripID, reason string, end *models.Position) (*models.Trip, error) {
	const op = "trips.CancelTrip"

	if end != nil && !end.Valid() {
		return nil, faults.New(faults.ValidationError, op, "non-finite end position")
	}

	var trip models.Trip
	found, err := m.store.Get(ctx, models.TripPath(tripID), &trip)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if !found {
		return nil, faults.New(faults.InvalidState, op, "trip %s does not exist", tripID)
	}
	if trip.Status != models.TripActive {
		return nil, faults.New(faults.InvalidState, op, "trip %s is %s", tripID, trip.Status)
	}
	return m.finalize(ctx, op, &trip, models.TripCancelled, reason, end)
}

// finalize moves an active trip into a terminal state: optional end
// point appended to the path, distance recomputed over the full path,
// duration stamped, index mirrored, driver presence released.
func (m *Manager) finalize(ctx context.Context, op string, trip *models.Trip, status, reason string, end *models.Position) (*models.Trip, error) {
	now := m.store.Now(ctx)

	if end != nil {
		e := *end
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		endKey := store.PushKey(now)
		endPoint := models.TripPoint{Lat: e.Lat, Lng: e.Lng, TS: e.Timestamp, Kind: "end"}
		if err := m.store.Set(ctx, models.TripLocationsPath(trip.TripID)+"/"+endKey, endPoint); err != nil {
			return nil, faults.Wrap(faults.WriteFailed, op, err)
		}
		end = &e
	}

	path, err := m.loadPath(ctx, trip.TripID, trip.Start)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	distance := geo.PathDistance(path)
	startedAt := trip.Start.Timestamp
	if startedAt.IsZero() {
		startedAt = trip.CreatedAt
	}
	duration := now.Sub(startedAt).Milliseconds()

	fields := map[string]any{
		"status":      status,
		"distance_m":  distance,
		"duration_ms": duration,
		"updated_at":  now,
	}
	indexFields := map[string]any{
		"status":      status,
		"distance_m":  distance,
		"duration_ms": duration,
	}
	if reason != "" {
		fields["reason"] = reason
		indexFields["reason"] = reason
	}
	if end != nil {
		fields["end"] = *end
		fields["last_point"] = *end
	}
	if err := m.store.Merge(ctx, models.TripPath(trip.TripID), fields); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if err := m.store.Merge(ctx, models.UserTripPath(trip.DriverID, trip.Date, trip.TripID), indexFields); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if err := m.releaseDriver(ctx, trip.DriverID); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}

	trip.Status = status
	trip.Reason = reason
	if end != nil {
		trip.End = end
		trip.LastPoint = end
	}
	trip.DistanceM = distance
	trip.DurationMs = duration
	trip.UpdatedAt = now
	return trip, nil
}

// ListTrips returns the driver's trips for a calendar day, newest first.
func (m *Manager) ListTrips(ctx context.Context, driverID, date string) ([]models.Trip, error) {
	const op = "trips.ListTrips"

	children, err := m.store.List(ctx, models.UserTripsPath(driverID, date))
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	trips := make([]models.Trip, 0, len(children))
	for tripID := range children {
		var trip models.Trip
		found, err := m.store.Get(ctx, models.TripPath(tripID), &trip)
		if err != nil {
			return nil, faults.Wrap(faults.WriteFailed, op, err)
		}
		if found {
			trips = append(trips, trip)
		}
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].CreatedAt.After(trips[j].CreatedAt) })
	return trips, nil
}

// ReconcileStaleTrips enforces the single-active-trip invariant for one
// driver and calendar day: the most recently created active trip
// survives, every other active trip is cancelled as superseded. Returns
// the survivor, or nil when the day has no active trip.
func (m *Manager) ReconcileStaleTrips(ctx context.Context, driverID, date string) (*models.Trip, error) {
	const op = "trips.ReconcileStaleTrips"
	active, err := m.activeTrips(ctx, driverID, date)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	keep, err := m.keepNewest(ctx, driverID, active)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	return keep, nil
}

// reconcile covers today and yesterday so a trip left running across
// midnight is still found.
func (m *Manager) reconcile(ctx context.Context, driverID string) (*models.Trip, error) {
	now := m.store.Now(ctx)
	var active []models.Trip
	for _, date := range []string{models.DateKey(now), models.DateKey(now.AddDate(0, 0, -1))} {
		trips, err := m.activeTrips(ctx, driverID, date)
		if err != nil {
			return nil, err
		}
		active = append(active, trips...)
	}
	return m.keepNewest(ctx, driverID, active)
}

func (m *Manager) activeTrips(ctx context.Context, driverID, date string) ([]models.Trip, error) {
	children, err := m.store.List(ctx, models.UserTripsPath(driverID, date))
	if err != nil {
		return nil, err
	}
	var active []models.Trip
	for tripID := range children {
		var trip models.Trip
		found, err := m.store.Get(ctx, models.TripPath(tripID), &trip)
		if err != nil {
			return nil, err
		}
		if found && trip.Status == models.TripActive {
			active = append(active, trip)
		}
	}
	return active, nil
}

func (m *Manager) keepNewest(ctx context.Context, driverID string, active []models.Trip) (*models.Trip, error) {
	if len(active) == 0 {
		return nil, nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
	keep := active[0]
	for _, stale := range active[1:] {
		m.logger.Info("cancelling superseded trip",
			slog.String("driver_id", driverID),
			slog.String("trip_id", stale.TripID),
			slog.String("kept", keep.TripID))
		if err := m.cancel(ctx, &stale, models.ReasonSuperseded); err != nil {
			return nil, err
		}
	}
	return &keep, nil
}

func (m *Manager) cancel(ctx context.Context, trip *models.Trip, reason string) error {
	now := m.store.Now(ctx)
	fields := map[string]any{
		"status":     models.TripCancelled,
		"reason":     reason,
		"updated_at": now,
	}
	if err := m.store.Merge(ctx, models.TripPath(trip.TripID), fields); err != nil {
		return err
	}
	return m.store.Merge(ctx, models.UserTripPath(trip.DriverID, trip.Date, trip.TripID), map[string]any{
		"status": models.TripCancelled,
		"reason": reason,
	})
}

func (m *Manager) releaseDriver(ctx context.Context, driverID string) error {
	return m.store.Merge(ctx, models.PresencePath(models.RoleDriver, driverID), map[string]any{
		"active":  false,
		"trip_id": "",
	})
}

// loadPath assembles start plus every recorded point in creation order.
func (m *Manager) loadPath(ctx context.Context, tripID string, start models.Position) ([]models.Position, error) {
	children, err := m.store.List(ctx, models.TripLocationsPath(tripID))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	path := make([]models.Position, 0, len(keys)+1)
	path = append(path, start)
	for _, k := range keys {
		var pt models.TripPoint
		if err := json.Unmarshal(children[k], &pt); err != nil {
			return nil, err
		}
		path = append(path, models.Position{Lat: pt.Lat, Lng: pt.Lng, Timestamp: pt.TS})
	}
	return path, nil
}

func (m *Manager) routeMeta(ctx context.Context, driverID string) identity.RouteMeta {
	if m.routes == nil {
		return identity.RouteMeta{Route: identity.NormalizeRoute(""), Type: "modern"}
	}
	return m.routes.Resolve(ctx, driverID)
}

// tripIndexEntry is the compact per-day index record.
func tripIndexEntry(t *models.Trip) map[string]any {
	return map[string]any{
		"trip_id":    t.TripID,
		"status":     t.Status,
		"route":      t.Route,
		"created_at": t.CreatedAt,
	}
}
