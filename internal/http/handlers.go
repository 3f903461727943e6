package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/transit-tracker/internal/dispatchflow"
	"github.com/example/transit-tracker/internal/faults"
	"github.com/example/transit-tracker/internal/identity"
	"github.com/example/transit-tracker/internal/ingest"
	"github.com/example/transit-tracker/internal/linker"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/notify"
	"github.com/example/transit-tracker/internal/observability"
	"github.com/example/transit-tracker/internal/presence"
	"github.com/example/transit-tracker/internal/store"
	"github.com/example/transit-tracker/internal/trips"
)

// Server is the HTTP and WebSocket surface over the tracking core.
type Server struct {
	Store    store.Store
	Roles    identity.Oracle
	Trips    *trips.Manager
	Linker   *linker.Linker
	Dispatch *dispatchflow.Workflow
	SMS      *notify.SMSClient
	Kafka    *ingest.KafkaProducer
	WSReg    *notify.WSRegistry
	Render   *presence.RenderCache

	SyncInterval time.Duration

	logger *slog.Logger
	mux    *mux.Router

	// throttle state per actor for the direct-ingest path
	lastPersist syncMap
}

func NewServer(st store.Store, roles identity.Oracle, tm *trips.Manager, lk *linker.Linker, wf *dispatchflow.Workflow, sms *notify.SMSClient, kp *ingest.KafkaProducer, wsreg *notify.WSRegistry, render *presence.RenderCache, syncInterval time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if syncInterval <= 0 {
		syncInterval = presence.DefaultSyncInterval
	}
	s := &Server{
		Store: st, Roles: roles, Trips: tm, Linker: lk, Dispatch: wf,
		SMS: sms, Kafka: kp, WSReg: wsreg, Render: render,
		SyncInterval: syncInterval, logger: logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/positions", s.handlePositionFix).Methods("POST")
	s.mux.HandleFunc("/api/v1/presence/{actor_id}", s.handleGetPresence).Methods("GET")
	s.mux.HandleFunc("/api/v1/presence/{actor_id}/stop", s.handleStopTracking).Methods("POST")
	s.mux.HandleFunc("/api/v1/presence/{actor_id}/waiting", s.handleSetWaiting).Methods("POST")

	s.mux.HandleFunc("/api/v1/trips", s.handleStartTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/active", s.handleActiveTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/locations", s.handleAppendLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/end", s.handleEndTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips", s.handleListTrips).Methods("GET").Queries("date", "{date}")

	s.mux.HandleFunc("/api/v1/dispatches", s.handleCreateDispatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/dispatches", s.handleListDispatches).Methods("GET")
	s.mux.HandleFunc("/api/v1/dispatches/{dispatch_id}/driver", s.handleAssignDriver).Methods("PUT")
	s.mux.HandleFunc("/api/v1/dispatches/{dispatch_id}/status", s.handleSetStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/dispatches/{dispatch_id}/notes", s.handleUpdateNotes).Methods("PUT")
	s.mux.HandleFunc("/api/v1/assignments", s.handleMyAssignments).Methods("GET")

	s.mux.HandleFunc("/api/v1/sms", s.handleSendSMS).Methods("POST")
	s.mux.HandleFunc("/api/v1/sms/recipients", s.handleSMSRecipients).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{actor_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func actorID(r *http.Request) string { return r.Header.Get("X-Actor-ID") }

// writeFault maps the error taxonomy onto HTTP statuses.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var fe *faults.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case faults.AuthenticationRequired:
			status = http.StatusUnauthorized
		case faults.PermissionDenied:
			status = http.StatusForbidden
		case faults.ValidationError:
			status = http.StatusBadRequest
		case faults.InvalidState:
			status = http.StatusConflict
		case faults.GeolocationUnavailable:
			status = http.StatusFailedDependency
		case faults.WriteFailed:
			status = http.StatusBadGateway
		}
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handlePositionFix ingests one fix. With Kafka configured the fix goes
// through the broker and the consumer applies it; otherwise it is
// applied inline with the same throttle the tracker uses.
func (s *Server) handlePositionFix(w http.ResponseWriter, r *http.Request) {
	var fix ingest.PositionFix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if fix.ActorID == "" {
		fix.ActorID = actorID(r)
	}
	if fix.ActorID == "" {
		s.writeFault(w, faults.New(faults.AuthenticationRequired, "http.PositionFix", "missing actor"))
		return
	}
	pos := models.Position{Lat: fix.Lat, Lng: fix.Lng}
	if !pos.Valid() {
		s.writeFault(w, faults.New(faults.ValidationError, "http.PositionFix", "non-finite coordinates"))
		return
	}
	if fix.Role == "" {
		role, err := s.Roles.ResolveRole(r.Context(), fix.ActorID)
		if err != nil {
			s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.PositionFix", err))
			return
		}
		fix.Role = role
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = s.Store.Now(r.Context())
	}

	observability.PositionFixesTotal.Inc()

	if s.Kafka != nil {
		if err := s.Kafka.PublishFix(fix); err != nil {
			s.logger.Error("kafka publish failed", "error", err, "actor_id", fix.ActorID)
			s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.PositionFix", err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := s.applyFix(r, fix); err != nil {
		s.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) applyFix(r *http.Request, fix ingest.PositionFix) error {
	const op = "http.PositionFix"
	ctx := r.Context()
	now := s.Store.Now(ctx)

	if last, ok := s.lastPersist.get(fix.ActorID); ok && now.Sub(last) < s.SyncInterval {
		return nil
	}
	fields := map[string]any{
		"actor_id":    fix.ActorID,
		"role":        fix.Role,
		"lat":         fix.Lat,
		"lng":         fix.Lng,
		"online":      true,
		"last_update": now,
	}
	if err := s.Store.Merge(ctx, models.PresencePath(fix.Role, fix.ActorID), fields); err != nil {
		observability.PresenceWriteErrs.Inc()
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	s.lastPersist.put(fix.ActorID, now)

	if fix.Role == models.RoleDriver && s.Linker != nil {
		if linked, err := s.Linker.LinkPassengers(ctx, fix.ActorID); err == nil {
			for range linked {
				observability.PassengersLinked.Inc()
			}
		}
	}
	if fix.Role == models.RolePassenger && s.Linker != nil {
		if arrived, err := s.Linker.CheckArrival(ctx, fix.ActorID); err == nil && arrived {
			observability.ArrivalsTotal.Inc()
		}
	}
	return nil
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["actor_id"]
	role, err := s.Roles.ResolveRole(r.Context(), id)
	if err != nil {
		s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.GetPresence", err))
		return
	}
	var rec models.PresenceRecord
	found, err := s.Store.Get(r.Context(), models.PresencePath(role, id), &rec)
	if err != nil {
		s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.GetPresence", err))
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	resp := map[string]any{
		"record": rec,
		"online": models.ComputeOnline(rec, s.Store.Now(r.Context())),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["actor_id"]
	if caller := actorID(r); caller != "" && caller != id {
		s.writeFault(w, faults.New(faults.PermissionDenied, "http.StopTracking", "actors may only stop their own tracking"))
		return
	}
	role, err := s.Roles.ResolveRole(r.Context(), id)
	if err != nil {
		s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.StopTracking", err))
		return
	}
	if role == models.RolePassenger {
		if err := linker.ReleaseClaim(r.Context(), s.Store, id); err != nil {
			s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.StopTracking", err))
			return
		}
	}
	fields := map[string]any{
		"online":        false,
		"active":        false,
		"trip_id":       "",
		"linked_driver": "",
		"last_update":   s.Store.Now(r.Context()),
	}
	if err := s.Store.Merge(r.Context(), models.PresencePath(role, id), fields); err != nil {
		s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.StopTracking", err))
		return
	}
	if s.Render != nil {
		s.Render.Remove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetWaiting(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["actor_id"]
	var body struct {
		Companions  *int             `json:"companions"`
		Destination *models.Position `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fields := map[string]any{}
	if body.Companions != nil {
		if *body.Companions < 0 {
			s.writeFault(w, faults.New(faults.ValidationError, "http.SetWaiting", "negative companion count"))
			return
		}
		fields["waiting"] = *body.Companions
	}
	if body.Destination != nil {
		if !body.Destination.Valid() {
			s.writeFault(w, faults.New(faults.ValidationError, "http.SetWaiting", "non-finite destination"))
			return
		}
		fields["destination"] = body.Destination
	}
	if len(fields) == 0 {
		s.writeFault(w, faults.New(faults.ValidationError, "http.SetWaiting", "nothing to update"))
		return
	}
	if err := s.Store.Merge(r.Context(), models.PresencePath(models.RolePassenger, id), fields); err != nil {
		s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.SetWaiting", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	driver := actorID(r)
	if driver == "" {
		s.writeFault(w, faults.New(faults.AuthenticationRequired, "http.StartTrip", "missing actor"))
		return
	}
	var body struct {
		Start models.Position `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trip, err := s.Trips.StartTrip(r.Context(), driver, body.Start)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	observability.TripsStarted.Inc()
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleActiveTrip(w http.ResponseWriter, r *http.Request) {
	driver := actorID(r)
	if driver == "" {
		s.writeFault(w, faults.New(faults.AuthenticationRequired, "http.ActiveTrip", "missing actor"))
		return
	}
	trip, err := s.Trips.GetActiveTrip(r.Context(), driver)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if trip == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleAppendLocation(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var pos models.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Trips.AppendLocation(r.Context(), tripID, pos); err != nil {
		s.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var body struct {
		End models.Position `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trip, err := s.Trips.EndTrip(r.Context(), tripID, body.End)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	observability.TripsCompleted.Inc()
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var body struct {
		End    *models.Position `json:"end"`
		Reason string           `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "user request"
	}
	trip, err := s.Trips.CancelTrip(r.Context(), tripID, body.Reason, body.End)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	driver := actorID(r)
	if driver == "" {
		s.writeFault(w, faults.New(faults.AuthenticationRequired, "http.ListTrips", "missing actor"))
		return
	}
	date := r.URL.Query().Get("date")
	list, err := s.Trips.ListTrips(r.Context(), driver, date)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Date          string `json:"date"`
		DepartureTime string `json:"dep_time"`
		Route         string `json:"route"`
		VehicleID     string `json:"jeep_id"`
		Notes         string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.Dispatch.CreateDispatch(r.Context(), actorID(r), body.Date, body.DepartureTime, body.Route, body.VehicleID, body.Notes)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = models.DateKey(s.Store.Now(r.Context()))
	}
	list, err := s.Dispatch.ListDispatches(r.Context(), date)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	dispatchID := mux.Vars(r)["dispatch_id"]
	var body struct {
		Date     string `json:"date"`
		DriverID string `json:"driver_uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Dispatch.AssignDriver(r.Context(), actorID(r), body.Date, dispatchID, body.DriverID); err != nil {
		s.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	dispatchID := mux.Vars(r)["dispatch_id"]
	var body struct {
		Date   string `json:"date"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller := actorID(r)
	role, err := s.Roles.ResolveRole(r.Context(), caller)
	if err != nil {
		s.writeFault(w, faults.Wrap(faults.WriteFailed, "http.SetStatus", err))
		return
	}
	switch role {
	case models.RoleAdmin:
		err = s.Dispatch.AdminSetStatus(r.Context(), caller, body.Date, dispatchID, body.Status)
	case models.RoleDriver:
		if body.Status == models.DispatchAccepted {
			err = s.Dispatch.AcceptDispatch(r.Context(), caller, body.Date, dispatchID)
		} else {
			err = s.Dispatch.DriverSetStatus(r.Context(), caller, body.Date, dispatchID, body.Status)
		}
	default:
		err = faults.New(faults.PermissionDenied, "http.SetStatus", "role %s cannot change dispatch status", role)
	}
	if err != nil {
		s.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	dispatchID := mux.Vars(r)["dispatch_id"]
	var body struct {
		Date  string `json:"date"`
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Dispatch.UpdateNotes(r.Context(), actorID(r), body.Date, dispatchID, body.Notes); err != nil {
		s.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMyAssignments(w http.ResponseWriter, r *http.Request) {
	driver := actorID(r)
	if driver == "" {
		s.writeFault(w, faults.New(faults.AuthenticationRequired, "http.MyAssignments", "missing actor"))
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = models.DateKey(s.Store.Now(r.Context()))
	}
	list, err := s.Dispatch.MyAssignments(r.Context(), driver, date)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	if s.SMS == nil {
		http.Error(w, "sms gateway not configured", http.StatusServiceUnavailable)
		return
	}
	role, err := s.Roles.ResolveRole(r.Context(), actorID(r))
	if err != nil || role != models.RoleAdmin {
		s.writeFault(w, faults.New(faults.PermissionDenied, "http.SendSMS", "admin only"))
		return
	}
	var body struct {
		Phones  []string `json:"phones"`
		Message string   `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	statuses, err := s.SMS.SendBatch(r.Context(), body.Phones, body.Message)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	observability.SMSMessagesSent.Inc()
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleSMSRecipients(w http.ResponseWriter, r *http.Request) {
	role, err := s.Roles.ResolveRole(r.Context(), actorID(r))
	if err != nil || role != models.RoleAdmin {
		s.writeFault(w, faults.New(faults.PermissionDenied, "http.SMSRecipients", "admin only"))
		return
	}
	list, err := notify.Recipients(r.Context(), s.Store)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["actor_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)

	// Read pump: inbound frames are discarded, but the read loop is what
	// notices the peer going away so the session can be dropped.
	go func() {
		defer s.WSReg.Remove(id)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
