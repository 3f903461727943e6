package models

// Store tree layout. Every component addresses the shared store through
// these helpers so the hierarchy stays in one place.

func PresencePath(role Role, actorID string) string {
	if role == RoleDriver {
		return "drivers_location/" + actorID
	}
	return "passengers_location/" + actorID
}

func TripPath(tripID string) string {
	return "trip_logs/" + tripID
}

func TripLocationsPath(tripID string) string {
	return "trip_logs/" + tripID + "/locations"
}

func UserTripsPath(driverID, date string) string {
	return "user_trips/" + driverID + "/" + date
}

func UserTripPath(driverID, date, tripID string) string {
	return "user_trips/" + driverID + "/" + date + "/" + tripID
}

func SchedulesPath(date string) string {
	return "schedules/" + date
}

func DispatchPath(date, dispatchID string) string {
	return "schedules/" + date + "/" + dispatchID
}

// LinkClaimPath is the exclusive-claim record that makes passenger
// linking a zero-to-one operation under concurrent drivers.
func LinkClaimPath(passengerID string) string {
	return "passenger_links/" + passengerID
}
