package trips

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/transit-tracker/internal/faults"
	"github.com/example/transit-tracker/internal/geo"
	"github.com/example/transit-tracker/internal/identity"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/store"
)

type fixture struct {
	mem *store.Memory
	mgr *Manager
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem: store.NewMemory(),
		now: time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC),
	}
	f.mem.Clock = func() time.Time { return f.now }
	f.mgr = NewManager(f.mem, &identity.RouteResolver{Store: f.mem}, nil)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func pos(lat, lng float64, ts time.Time) models.Position {
	return models.Position{Lat: lat, Lng: lng, Timestamp: ts}
}

func TestStartTripBindsDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.04, 120.33, f.now))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if trip.Status != models.TripActive {
		t.Fatalf("status = %s, want active", trip.Status)
	}
	if trip.Route == "" || trip.JeepneyType == "" {
		t.Fatalf("route meta not resolved: %+v", trip)
	}
	if trip.Date != "2025-03-01" {
		t.Fatalf("date = %s", trip.Date)
	}

	var rec models.PresenceRecord
	found, err := f.mem.Get(ctx, models.PresencePath(models.RoleDriver, "drv-1"), &rec)
	if err != nil || !found {
		t.Fatalf("presence: found=%v err=%v", found, err)
	}
	if !rec.Active || rec.TripID != trip.TripID {
		t.Fatalf("driver presence not bound to trip: %+v", rec)
	}

	got, err := f.mgr.GetActiveTrip(ctx, "drv-1")
	if err != nil || got == nil || got.TripID != trip.TripID {
		t.Fatalf("GetActiveTrip = %+v, %v", got, err)
	}
}

func TestStartTripRejectsSecondActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.04, 120.33, f.now)); err != nil {
		t.Fatalf("first start: %v", err)
	}
	f.advance(time.Minute)
	_, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.05, 120.33, f.now))
	if !faults.IsKind(err, faults.InvalidState) {
		t.Fatalf("second start: want InvalidState, got %v", err)
	}
}

func TestStartTripRejectsNonFinite(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.StartTrip(context.Background(), "drv-1", pos(math.NaN(), 120.33, f.now))
	if !faults.IsKind(err, faults.ValidationError) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestAppendLocationTracksDistanceIncrementally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := pos(16.0400, 120.3300, f.now)
	trip, err := f.mgr.StartTrip(ctx, "drv-1", start)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	points := []models.Position{
		pos(16.0410, 120.3300, f.now.Add(10*time.Second)),
		pos(16.0420, 120.3310, f.now.Add(20*time.Second)),
		pos(16.0430, 120.3320, f.now.Add(30*time.Second)),
	}
	want := 0.0
	prev := start
	for _, p := range points {
		f.advance(10 * time.Second)
		if err := f.mgr.AppendLocation(ctx, trip.TripID, p); err != nil {
			t.Fatalf("append: %v", err)
		}
		want += geo.Haversine(prev.Lat, prev.Lng, p.Lat, p.Lng)
		prev = p
	}

	var stored models.Trip
	if found, err := f.mem.Get(ctx, models.TripPath(trip.TripID), &stored); err != nil || !found {
		t.Fatalf("trip: found=%v err=%v", found, err)
	}
	if math.Abs(stored.DistanceM-want) > 0.01 {
		t.Fatalf("running distance = %v, want %v", stored.DistanceM, want)
	}
	if stored.LastPoint == nil || stored.LastPoint.Lat != points[2].Lat {
		t.Fatalf("last point not advanced: %+v", stored.LastPoint)
	}
}

func TestAppendLocationRejectsInactiveTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.04, 120.33, f.now))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(time.Minute)
	if _, err := f.mgr.EndTrip(ctx, trip.TripID, pos(16.05, 120.33, f.now)); err != nil {
		t.Fatalf("end: %v", err)
	}
	err = f.mgr.AppendLocation(ctx, trip.TripID, pos(16.06, 120.33, f.now))
	if !faults.IsKind(err, faults.InvalidState) {
		t.Fatalf("append after end: want InvalidState, got %v", err)
	}
	if err := f.mgr.AppendLocation(ctx, "no-such-trip", pos(16.06, 120.33, f.now)); !faults.IsKind(err, faults.InvalidState) {
		t.Fatalf("append to missing trip: want InvalidState, got %v", err)
	}
}

func TestEndTripRecomputesAuthoritativeDistance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := pos(16.0400, 120.3300, f.now)
	trip, err := f.mgr.StartTrip(ctx, "drv-1", start)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	mid := pos(16.0410, 120.3300, f.now.Add(10*time.Second))
	f.advance(10 * time.Second)
	if err := f.mgr.AppendLocation(ctx, trip.TripID, mid); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Corrupt the running sum; the final figure must come from the
	// recorded path, not the incremental estimate.
	if err := f.mem.Merge(ctx, models.TripPath(trip.TripID), map[string]any{"distance_m": 999999.0}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	end := pos(16.0420, 120.3300, f.now.Add(10*time.Second))
	f.advance(10 * time.Second)
	done, err := f.mgr.EndTrip(ctx, trip.TripID, end)
	if err != nil {
		t.Fatalf("end: %v", err)
	}

	want := geo.Haversine(start.Lat, start.Lng, mid.Lat, mid.Lng) +
		geo.Haversine(mid.Lat, mid.Lng, end.Lat, end.Lng)
	if math.Abs(done.DistanceM-want) > 0.01 {
		t.Fatalf("final distance = %v, want %v", done.DistanceM, want)
	}
	if done.DurationMs != 20*1000 {
		t.Fatalf("duration = %dms, want 20000", done.DurationMs)
	}
	if done.Status != models.TripCompleted || done.End == nil {
		t.Fatalf("trip not completed: %+v", done)
	}

	// Presence released.
	var rec models.PresenceRecord
	if found, _ := f.mem.Get(ctx, models.PresencePath(models.RoleDriver, "drv-1"), &rec); !found {
		t.Fatal("presence record missing")
	}
	if rec.Active || rec.TripID != "" {
		t.Fatalf("driver presence still trip-bound: %+v", rec)
	}

	// Terminal state is absorbing.
	if _, err := f.mgr.EndTrip(ctx, trip.TripID, end); !faults.IsKind(err, faults.InvalidState) {
		t.Fatalf("double end: want InvalidState, got %v", err)
	}
}

func TestReconcileKeepsNewestActiveTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two active trips written directly, as a crashed client would
	// leave behind.
	older := models.Trip{
		TripID: "a-old", DriverID: "drv-1", Status: models.TripActive,
		Date: models.DateKey(f.now), Start: pos(16.04, 120.33, f.now),
		CreatedAt: f.now,
	}
	newer := older
	newer.TripID = "b-new"
	newer.CreatedAt = f.now.Add(time.Minute)
	for _, tr := range []models.Trip{older, newer} {
		if err := f.mem.Set(ctx, models.TripPath(tr.TripID), tr); err != nil {
			t.Fatal(err)
		}
		if err := f.mem.Set(ctx, models.UserTripPath("drv-1", tr.Date, tr.TripID), tripIndexEntry(&tr)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.mgr.GetActiveTrip(ctx, "drv-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got == nil || got.TripID != "b-new" {
		t.Fatalf("kept trip = %+v, want b-new", got)
	}

	var stale models.Trip
	if found, _ := f.mem.Get(ctx, models.TripPath("a-old"), &stale); !found {
		t.Fatal("stale trip record gone; trips must never be deleted")
	}
	if stale.Status != models.TripCancelled || stale.Reason != models.ReasonSuperseded {
		t.Fatalf("stale trip = %+v, want cancelled/superseded", stale)
	}

	// Index entry mirrors the cancellation.
	var idx struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if found, _ := f.mem.Get(ctx, models.UserTripPath("drv-1", older.Date, "a-old"), &idx); !found {
		t.Fatal("index entry missing")
	}
	if idx.Status != models.TripCancelled || idx.Reason != models.ReasonSuperseded {
		t.Fatalf("index entry = %+v", idx)
	}
}

func TestReconcileStaleTripsSingleDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	date := models.DateKey(f.now)

	first := models.Trip{
		TripID: "t-first", DriverID: "drv-1", Status: models.TripActive,
		Date: date, Start: pos(16.04, 120.33, f.now), CreatedAt: f.now,
	}
	second := first
	second.TripID = "t-second"
	second.CreatedAt = f.now.Add(30 * time.Second)
	for _, tr := range []models.Trip{first, second} {
		if err := f.mem.Set(ctx, models.TripPath(tr.TripID), tr); err != nil {
			t.Fatal(err)
		}
		if err := f.mem.Set(ctx, models.UserTripPath("drv-1", date, tr.TripID), tripIndexEntry(&tr)); err != nil {
			t.Fatal(err)
		}
	}

	keep, err := f.mgr.ReconcileStaleTrips(ctx, "drv-1", date)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if keep == nil || keep.TripID != "t-second" {
		t.Fatalf("survivor = %+v, want t-second", keep)
	}

	var loser models.Trip
	if found, _ := f.mem.Get(ctx, models.TripPath("t-first"), &loser); !found {
		t.Fatal("superseded trip missing")
	}
	if loser.Status != models.TripCancelled || loser.Reason != models.ReasonSuperseded {
		t.Fatalf("superseded trip = %+v", loser)
	}

	// A day with nothing active reconciles to no survivor.
	none, err := f.mgr.ReconcileStaleTrips(ctx, "drv-1", "1999-01-01")
	if err != nil {
		t.Fatalf("empty day: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no survivor, got %+v", none)
	}
}

func TestCancelTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.04, 120.33, f.now))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(time.Minute)
	if err := f.mgr.AppendLocation(ctx, trip.TripID, pos(16.05, 120.33, f.now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.advance(time.Minute)

	// Cancellation with an end position finalizes the audit record the
	// same way completion does.
	end := pos(16.06, 120.33, f.now)
	cancelled, err := f.mgr.CancelTrip(ctx, trip.TripID, "driver request", &end)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var stored models.Trip
	if found, _ := f.mem.Get(ctx, models.TripPath(trip.TripID), &stored); !found {
		t.Fatal("trip missing")
	}
	if stored.Status != models.TripCancelled || stored.Reason != "driver request" {
		t.Fatalf("trip = %+v", stored)
	}
	want := geo.Haversine(16.04, 120.33, 16.05, 120.33) + geo.Haversine(16.05, 120.33, 16.06, 120.33)
	if math.Abs(stored.DistanceM-want) > 1 {
		t.Fatalf("distance = %f, want path total %f", stored.DistanceM, want)
	}
	if stored.DurationMs != (2 * time.Minute).Milliseconds() {
		t.Fatalf("duration = %d ms", stored.DurationMs)
	}
	if stored.End == nil || stored.End.Lat != 16.06 {
		t.Fatalf("end position not recorded: %+v", stored.End)
	}
	if cancelled.DistanceM != stored.DistanceM {
		t.Fatalf("returned trip diverges from stored: %+v", cancelled)
	}

	// Driver presence released from the trip.
	var rec models.PresenceRecord
	if found, _ := f.mem.Get(ctx, models.PresencePath(models.RoleDriver, "drv-1"), &rec); !found || rec.Active || rec.TripID != "" {
		t.Fatalf("driver presence not released: %+v", rec)
	}

	if _, err := f.mgr.CancelTrip(ctx, trip.TripID, "again", nil); !faults.IsKind(err, faults.InvalidState) {
		t.Fatalf("double cancel: want InvalidState, got %v", err)
	}
}

func TestCancelTripWithoutEndPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.04, 120.33, f.now))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(30 * time.Second)
	if err := f.mgr.AppendLocation(ctx, trip.TripID, pos(16.05, 120.33, f.now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.advance(30 * time.Second)

	cancelled, err := f.mgr.CancelTrip(ctx, trip.TripID, "connection lost", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	want := geo.Haversine(16.04, 120.33, 16.05, 120.33)
	if math.Abs(cancelled.DistanceM-want) > 1 {
		t.Fatalf("distance = %f, want recorded path %f", cancelled.DistanceM, want)
	}
	if cancelled.DurationMs != time.Minute.Milliseconds() {
		t.Fatalf("duration = %d ms", cancelled.DurationMs)
	}
	if cancelled.End != nil {
		t.Fatalf("no end position was supplied, got %+v", cancelled.End)
	}
}

func TestListTripsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.04, 120.33, f.now))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(time.Minute)
	if _, err := f.mgr.EndTrip(ctx, first.TripID, pos(16.05, 120.33, f.now)); err != nil {
		t.Fatalf("end: %v", err)
	}
	f.advance(time.Minute)
	second, err := f.mgr.StartTrip(ctx, "drv-1", pos(16.05, 120.33, f.now))
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	trips, err := f.mgr.ListTrips(ctx, "drv-1", models.DateKey(f.now))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("len = %d, want 2", len(trips))
	}
	if trips[0].TripID != second.TripID {
		t.Fatalf("order: got %s first, want %s", trips[0].TripID, second.TripID)
	}
}
