package linker

import (
	"context"
	"testing"
	"time"

	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/notify"
	"github.com/example/transit-tracker/internal/store"
)

func newTestStore() (*store.Memory, time.Time) {
	mem := store.NewMemory()
	now := time.Date(2025, 3, 1, 7, 30, 0, 0, time.UTC)
	mem.Clock = func() time.Time { return now }
	return mem, now
}

func putDriver(t *testing.T, mem *store.Memory, id string, lat, lng, bearing float64, now time.Time) {
	t.Helper()
	rec := models.PresenceRecord{
		ActorID: id, Role: models.RoleDriver,
		Lat: lat, Lng: lng, BearingDeg: bearing,
		Online: true, LastUpdate: now,
	}
	if err := mem.Set(context.Background(), models.PresencePath(models.RoleDriver, id), rec); err != nil {
		t.Fatal(err)
	}
}

func putPassenger(t *testing.T, mem *store.Memory, id string, lat, lng float64, now time.Time) {
	t.Helper()
	rec := models.PresenceRecord{
		ActorID: id, Role: models.RolePassenger,
		Lat: lat, Lng: lng,
		Online: true, LastUpdate: now,
	}
	if err := mem.Set(context.Background(), models.PresencePath(models.RolePassenger, id), rec); err != nil {
		t.Fatal(err)
	}
}

func getPassenger(t *testing.T, mem *store.Memory, id string) models.PresenceRecord {
	t.Helper()
	var rec models.PresenceRecord
	found, err := mem.Get(context.Background(), models.PresencePath(models.RolePassenger, id), &rec)
	if err != nil || !found {
		t.Fatalf("passenger %s: found=%v err=%v", id, found, err)
	}
	return rec
}

// About one meter of latitude in degrees.
const degPerMeterLat = 1.0 / 111319.5

func TestLinkPassengersInsideZone(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	// Driver heading north; zone is 12m along north, 6m across.
	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 0, now)
	// 3m ahead: inside.
	putPassenger(t, mem, "p-near", 16.0400+3*degPerMeterLat, 120.3300, now)
	// 30m ahead: outside along-axis.
	putPassenger(t, mem, "p-far", 16.0400+30*degPerMeterLat, 120.3300, now)

	linked, err := l.LinkPassengers(ctx, "drv-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(linked) != 1 || linked[0] != "p-near" {
		t.Fatalf("linked = %v, want [p-near]", linked)
	}
	if got := getPassenger(t, mem, "p-near").LinkedDriverID; got != "drv-1" {
		t.Fatalf("p-near linked_driver = %q", got)
	}
	if got := getPassenger(t, mem, "p-far").LinkedDriverID; got != "" {
		t.Fatalf("p-far should stay unlinked, got %q", got)
	}
}

func TestLinkRespectsHeading(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	// Heading east: 5m north is now across-axis, outside the 6m width.
	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 90, now)
	putPassenger(t, mem, "p-north", 16.0400+5*degPerMeterLat, 120.3300, now)

	linked, err := l.LinkPassengers(ctx, "drv-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(linked) != 0 {
		t.Fatalf("5m across a 6m-wide zone must not link, got %v", linked)
	}
}

func TestLinkIsExclusiveAcrossDrivers(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 0, now)
	putDriver(t, mem, "drv-2", 16.0400, 120.3300, 0, now)
	putPassenger(t, mem, "p-1", 16.0400+2*degPerMeterLat, 120.3300, now)

	first, err := l.LinkPassengers(ctx, "drv-1")
	if err != nil {
		t.Fatalf("drv-1 link: %v", err)
	}
	second, err := l.LinkPassengers(ctx, "drv-2")
	if err != nil {
		t.Fatalf("drv-2 link: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("exactly one driver may win: first=%v second=%v", first, second)
	}
	if got := getPassenger(t, mem, "p-1").LinkedDriverID; got != "drv-1" {
		t.Fatalf("linked_driver = %q, want drv-1", got)
	}
}

func TestLinkNeverReleasedOnExit(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 0, now)
	putPassenger(t, mem, "p-1", 16.0400, 120.3300, now)
	if _, err := l.LinkPassengers(ctx, "drv-1"); err != nil {
		t.Fatalf("link: %v", err)
	}

	// Passenger drifts far outside the zone; the binding must hold.
	if err := mem.Merge(ctx, models.PresencePath(models.RolePassenger, "p-1"), map[string]any{
		"lat": 16.0500, "last_update": now,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LinkPassengers(ctx, "drv-1"); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := getPassenger(t, mem, "p-1").LinkedDriverID; got != "drv-1" {
		t.Fatalf("link released on zone exit: %q", got)
	}
}

func TestLinkSuspendedWhileFull(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 0, now)
	if err := mem.Merge(ctx, models.PresencePath(models.RoleDriver, "drv-1"), map[string]any{"full": true}); err != nil {
		t.Fatal(err)
	}
	putPassenger(t, mem, "p-1", 16.0400, 120.3300, now)

	linked, err := l.LinkPassengers(ctx, "drv-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(linked) != 0 {
		t.Fatalf("full vehicle must not link, got %v", linked)
	}
}

func TestLinkSkipsStalePassengers(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 0, now)
	// Online flag set but last update far past the freshness window.
	putPassenger(t, mem, "p-stale", 16.0400, 120.3300, now.Add(-10*time.Minute))

	linked, err := l.LinkPassengers(ctx, "drv-1")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(linked) != 0 {
		t.Fatalf("stale passenger must be skipped, got %v", linked)
	}
}

func TestCheckArrival(t *testing.T) {
	mem, now := newTestStore()
	var events []notify.Event
	fn := notify.Func(func(ev notify.Event) bool {
		events = append(events, ev)
		return false // dismissed; state change must proceed regardless
	})
	l := New(Config{ArrivalRadius: 50}, mem, fn, nil)
	ctx := context.Background()

	dest := models.Position{Lat: 16.0500, Lng: 120.3300, Timestamp: now}
	putPassenger(t, mem, "p-1", 16.0400, 120.3300, now)
	if err := mem.Merge(ctx, models.PresencePath(models.RolePassenger, "p-1"), map[string]any{
		"destination": dest, "linked_driver": "drv-1",
	}); err != nil {
		t.Fatal(err)
	}

	// Still about 1.1km away.
	arrived, err := l.CheckArrival(ctx, "p-1")
	if err != nil || arrived {
		t.Fatalf("far away: arrived=%v err=%v", arrived, err)
	}

	// Move within 50m of the destination.
	if err := mem.Merge(ctx, models.PresencePath(models.RolePassenger, "p-1"), map[string]any{
		"lat": 16.0500 - 20*degPerMeterLat, "last_update": now,
	}); err != nil {
		t.Fatal(err)
	}
	arrived, err = l.CheckArrival(ctx, "p-1")
	if err != nil {
		t.Fatalf("arrival: %v", err)
	}
	if !arrived {
		t.Fatal("expected arrival inside the radius")
	}
	if len(events) != 1 || events[0].Kind != notify.KindPassengerArrived {
		t.Fatalf("events = %v", events)
	}

	rec := getPassenger(t, mem, "p-1")
	if rec.Online {
		t.Fatal("arrival must tombstone the tracking record")
	}
	if rec.LinkedDriverID != "" || rec.Destination != nil {
		t.Fatalf("arrival must clear link and destination: %+v", rec)
	}

	// Claim must be gone so a later session can link again.
	var claim linkClaim
	if found, _ := mem.Get(ctx, models.LinkClaimPath("p-1"), &claim); found {
		t.Fatal("claim record should be deleted on arrival")
	}
}

func TestCheckArrivalWithoutLink(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{ArrivalRadius: 50}, mem, nil, nil)
	ctx := context.Background()

	// Unlinked passenger standing at their own destination: arrival
	// depends on distance alone, never on a vehicle binding.
	dest := models.Position{Lat: 16.0400, Lng: 120.3300, Timestamp: now}
	putPassenger(t, mem, "p-walk", 16.0400, 120.3300, now)
	if err := mem.Merge(ctx, models.PresencePath(models.RolePassenger, "p-walk"), map[string]any{
		"destination": dest,
	}); err != nil {
		t.Fatal(err)
	}

	arrived, err := l.CheckArrival(ctx, "p-walk")
	if err != nil {
		t.Fatalf("arrival: %v", err)
	}
	if !arrived {
		t.Fatal("unlinked passenger at the destination must arrive")
	}
	rec := getPassenger(t, mem, "p-walk")
	if rec.Online || rec.Destination != nil {
		t.Fatalf("arrival must tombstone the record: %+v", rec)
	}
}

func TestUnlinkAllowsRelink(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 0, now)
	putPassenger(t, mem, "p-1", 16.0400, 120.3300, now)
	if _, err := l.LinkPassengers(ctx, "drv-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := l.Unlink(ctx, "p-1"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if got := getPassenger(t, mem, "p-1").LinkedDriverID; got != "" {
		t.Fatalf("linked_driver = %q after unlink", got)
	}

	putDriver(t, mem, "drv-2", 16.0400, 120.3300, 0, now)
	linked, err := l.LinkPassengers(ctx, "drv-2")
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if len(linked) != 1 || linked[0] != "p-1" {
		t.Fatalf("relink = %v, want [p-1]", linked)
	}
	if got := getPassenger(t, mem, "p-1").LinkedDriverID; got != "drv-2" {
		t.Fatalf("linked_driver = %q, want drv-2", got)
	}
}

func TestLinkedPassengers(t *testing.T) {
	mem, now := newTestStore()
	l := New(Config{}, mem, nil, nil)
	ctx := context.Background()

	putDriver(t, mem, "drv-1", 16.0400, 120.3300, 0, now)
	putPassenger(t, mem, "p-1", 16.0400, 120.3300, now)
	putPassenger(t, mem, "p-2", 16.2000, 120.3300, now)
	if _, err := l.LinkPassengers(ctx, "drv-1"); err != nil {
		t.Fatalf("link: %v", err)
	}

	ids, err := l.LinkedPassengers(ctx, "drv-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p-1" {
		t.Fatalf("linked passengers = %v, want [p-1]", ids)
	}
}
