// Package notify carries user-visible events out of the core and
// messages out to the SMS gateway. The core raises events and moves on;
// it never blocks waiting for the presentation layer.
package notify

// Event kinds raised by the core.
const (
	KindGeolocationDenied = "geolocation_denied"
	KindPassengerArrived  = "passenger_arrived"
	KindTrackingStopped   = "tracking_stopped"
	KindDispatchUpdated   = "dispatch_updated"
)

// Event is an abstract notification the presentation layer may render.
type Event struct {
	Kind    string `json:"kind"`
	ActorID string `json:"actor_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Func receives an event and reports whether default handling should
// proceed; returning false cancels it. A nil Func proceeds.
type Func func(Event) bool

// Emit invokes f if set and returns whether to proceed.
func (f Func) Emit(ev Event) bool {
	if f == nil {
		return true
	}
	return f(ev)
}
