package models

import (
	"math"
	"time"
)

// Role is the resolved identity of an actor as reported by the role oracle.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
	RoleAdmin     Role = "admin"
	RoleNone      Role = "norole"
)

// FreshnessWindow is how long a presence record's online flag stays
// meaningful after its last update. Past this, consumers must treat the
// actor as offline no matter what the stored flag says.
const FreshnessWindow = 150 * time.Second

// Position is a single location fix.
type Position struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	BearingDeg float64   `json:"bearing_deg,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

// Valid reports whether both coordinates are finite numbers.
func (p Position) Valid() bool {
	return isFinite(p.Lat) && isFinite(p.Lng)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// PresenceRecord is the live location + liveness state of one actor.
// One record per actor; stopping tracking tombstones it (online=false,
// last position kept) rather than deleting it.
type PresenceRecord struct {
	ActorID        string    `json:"actor_id"`
	Role           Role      `json:"role"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	BearingDeg     float64   `json:"bearing_deg,omitempty"`
	Online         bool      `json:"online"`
	Active         bool      `json:"active,omitempty"` // trip-bound (drivers)
	TripID         string    `json:"trip_id,omitempty"`
	Route          string    `json:"route,omitempty"`
	CapacityFull   bool      `json:"full,omitempty"`
	Companions     int       `json:"waiting,omitempty"`
	Destination    *Position `json:"destination,omitempty"`
	LinkedDriverID string    `json:"linked_driver,omitempty"`
	LastUpdate     time.Time `json:"last_update"`
}

// ComputeOnline is the effective liveness of a record: the stored flag
// gated by the freshness window. The stored flag alone cannot be trusted
// because a client may vanish without ever writing its tombstone.
func ComputeOnline(rec PresenceRecord, now time.Time) bool {
	return rec.Online && now.Sub(rec.LastUpdate) < FreshnessWindow
}

// Trip statuses. An active trip transitions to exactly one terminal
// status; both terminal states are absorbing.
const (
	TripActive    = "active"
	TripCompleted = "completed"
	TripCancelled = "cancelled"
)

// ReasonSuperseded marks trips cancelled by stale-trip reconciliation.
const ReasonSuperseded = "superseded"

// Trip is an append-only trip record. Trips are never deleted.
type Trip struct {
	TripID      string    `json:"trip_id"`
	DriverID    string    `json:"driver_uid"`
	Route       string    `json:"route"`
	JeepneyType string    `json:"jeepney_type"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Date        string    `json:"date"` // YYYY-MM-DD, local
	Start       Position  `json:"start"`
	End         *Position `json:"end,omitempty"`
	LastPoint   *Position `json:"last_point,omitempty"`
	DistanceM   float64   `json:"distance_m"`
	DurationMs  int64     `json:"duration_ms"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TripPoint is one recorded point of a trip path.
type TripPoint struct {
	Lat  float64   `json:"lat"`
	Lng  float64   `json:"lng"`
	TS   time.Time `json:"ts"`
	Kind string    `json:"kind,omitempty"` // "" or "end"
}

// Dispatch statuses. The allowed transition graph lives in the
// dispatchflow package; the record itself is shared.
const (
	DispatchPending   = "pending"
	DispatchAccepted  = "accepted"
	DispatchEnroute   = "enroute"
	DispatchCompleted = "completed"
	DispatchCanceled  = "canceled"
)

// DispatchRecord is one admin-scheduled vehicle run.
type DispatchRecord struct {
	DispatchID    string    `json:"id"`
	Date          string    `json:"date"` // YYYY-MM-DD
	DepartureTime string    `json:"dep_time"`
	Route         string    `json:"route"`
	JeepneyType   string    `json:"jeepney_type,omitempty"`
	VehicleID     string    `json:"jeep_id"`
	DriverID      string    `json:"driver_uid,omitempty"`
	Status        string    `json:"status"`
	Notes         string    `json:"notes,omitempty"`
	StatusBy      string    `json:"status_by"`
	StatusAt      time.Time `json:"status_ts"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DriverProfile is the stored metadata for a driver account.
type DriverProfile struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Route string `json:"route,omitempty"`
	Type  string `json:"type,omitempty"` // "modern" or "traditional"
	Plate string `json:"plate,omitempty"`
}

// PassengerProfile is the stored metadata for a passenger account.
type PassengerProfile struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// DateKey formats t as the local calendar-day key used throughout the
// store tree (user_trips, schedules).
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
