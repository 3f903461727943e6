// Package dispatchflow manages admin-scheduled vehicle runs and their
// status graph. Admins own scheduling and cancellation; a driver may
// only advance their own assignment along the happy path.
package dispatchflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/transit-tracker/internal/faults"
	"github.com/example/transit-tracker/internal/identity"
	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/notify"
	"github.com/example/transit-tracker/internal/store"
)

// transitions is the full status graph. Anything not listed is
// rejected, so completed and canceled are absorbing.
var transitions = map[string][]string{
	models.DispatchPending:  {models.DispatchAccepted, models.DispatchCanceled},
	models.DispatchAccepted: {models.DispatchEnroute, models.DispatchCanceled},
	models.DispatchEnroute:  {models.DispatchCompleted},
}

// driverTransitions is the subset a driver may perform, and only on
// their own assignment.
var driverTransitions = map[string]string{
	models.DispatchAccepted: models.DispatchEnroute,
	models.DispatchEnroute:  models.DispatchCompleted,
}

func allowed(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Workflow coordinates dispatch records in the shared store.
type Workflow struct {
	store  store.Store
	roles  identity.Oracle
	notify notify.Func
	logger *slog.Logger
}

func New(st store.Store, roles identity.Oracle, fn notify.Func, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: st, roles: roles, notify: fn, logger: logger}
}

// CreateDispatch schedules a run for a calendar day. Admin only.
func (w *Workflow) CreateDispatch(ctx context.Context, actorID, date, depTime, route, vehicleID, notes string) (*models.DispatchRecord, error) {
	const op = "dispatchflow.CreateDispatch"

	if err := w.requireAdmin(ctx, op, actorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(date) == "" || strings.TrimSpace(depTime) == "" {
		return nil, faults.New(faults.ValidationError, op, "date and departure time are required")
	}
	if strings.TrimSpace(vehicleID) == "" {
		return nil, faults.New(faults.ValidationError, op, "vehicle id is required")
	}

	now := w.store.Now(ctx)
	rec := &models.DispatchRecord{
		DispatchID:    store.PushKey(now),
		Date:          date,
		DepartureTime: depTime,
		Route:         identity.NormalizeRoute(route),
		VehicleID:     vehicleID,
		Notes:         notes,
		Status:        models.DispatchPending,
		StatusBy:      actorID,
		StatusAt:      now,
		CreatedBy:     actorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := w.store.Set(ctx, models.DispatchPath(date, rec.DispatchID), rec); err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	return rec, nil
}

// AssignDriver attaches a driver to a dispatch that has not reached a
// terminal status. Admin only; assignment alone never changes the
// status.
func (w *Workflow) AssignDriver(ctx context.Context, actorID, date, dispatchID, driverID string) error {
	const op = "dispatchflow.AssignDriver"

	if err := w.requireAdmin(ctx, op, actorID); err != nil {
		return err
	}
	rec, err := w.get(ctx, op, date, dispatchID)
	if err != nil {
		return err
	}
	if rec.Status == models.DispatchCompleted || rec.Status == models.DispatchCanceled {
		return faults.New(faults.InvalidState, op, "dispatch %s is %s", dispatchID, rec.Status)
	}

	now := w.store.Now(ctx)
	if err := w.store.Merge(ctx, models.DispatchPath(date, dispatchID), map[string]any{
		"driver_uid": driverID,
		"updated_at": now,
	}); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	return nil
}

// AdminSetStatus moves a dispatch to any status the graph allows.
func (w *Workflow) AdminSetStatus(ctx context.Context, actorID, date, dispatchID, status string) error {
	const op = "dispatchflow.AdminSetStatus"

	if err := w.requireAdmin(ctx, op, actorID); err != nil {
		return err
	}
	rec, err := w.get(ctx, op, date, dispatchID)
	if err != nil {
		return err
	}
	if !allowed(rec.Status, status) {
		return faults.New(faults.InvalidState, op, "cannot move dispatch %s from %s to %s", dispatchID, rec.Status, status)
	}
	return w.setStatus(ctx, op, actorID, date, dispatchID, status)
}

// DriverSetStatus lets a driver advance their own assignment: accepted
// to enroute, enroute to completed, nothing else. A denied call leaves
// the record untouched.
func (w *Workflow) DriverSetStatus(ctx context.Context, actorID, date, dispatchID, status string) error {
	const op = "dispatchflow.DriverSetStatus"

	role, err := w.roles.ResolveRole(ctx, actorID)
	if err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	if role != models.RoleDriver {
		return faults.New(faults.PermissionDenied, op, "actor %s is not a driver", actorID)
	}
	rec, err := w.get(ctx, op, date, dispatchID)
	if err != nil {
		return err
	}
	if rec.DriverID != actorID {
		return faults.New(faults.PermissionDenied, op, "dispatch %s is not assigned to %s", dispatchID, actorID)
	}
	if next, ok := driverTransitions[rec.Status]; !ok || next != status {
		return faults.New(faults.PermissionDenied, op, "driver cannot move dispatch from %s to %s", rec.Status, status)
	}
	return w.setStatus(ctx, op, actorID, date, dispatchID, status)
}

// AcceptDispatch is the driver's pending-to-accepted step on an
// assignment made in their name.
func (w *Workflow) AcceptDispatch(ctx context.Context, actorID, date, dispatchID string) error {
	const op = "dispatchflow.AcceptDispatch"

	role, err := w.roles.ResolveRole(ctx, actorID)
	if err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	if role != models.RoleDriver {
		return faults.New(faults.PermissionDenied, op, "actor %s is not a driver", actorID)
	}
	rec, err := w.get(ctx, op, date, dispatchID)
	if err != nil {
		return err
	}
	if rec.DriverID != actorID {
		return faults.New(faults.PermissionDenied, op, "dispatch %s is not assigned to %s", dispatchID, actorID)
	}
	if rec.Status != models.DispatchPending {
		return faults.New(faults.InvalidState, op, "dispatch %s is %s", dispatchID, rec.Status)
	}
	return w.setStatus(ctx, op, actorID, date, dispatchID, models.DispatchAccepted)
}

// UpdateNotes replaces the free-form notes on a dispatch. Admin only.
func (w *Workflow) UpdateNotes(ctx context.Context, actorID, date, dispatchID, notes string) error {
	const op = "dispatchflow.UpdateNotes"

	if err := w.requireAdmin(ctx, op, actorID); err != nil {
		return err
	}
	if _, err := w.get(ctx, op, date, dispatchID); err != nil {
		return err
	}
	if err := w.store.Merge(ctx, models.DispatchPath(date, dispatchID), map[string]any{
		"notes":      notes,
		"updated_at": w.store.Now(ctx),
	}); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	return nil
}

// ListDispatches returns all dispatches for a day ordered by departure
// time, then creation time for equal departures.
func (w *Workflow) ListDispatches(ctx context.Context, date string) ([]models.DispatchRecord, error) {
	const op = "dispatchflow.ListDispatches"

	children, err := w.store.List(ctx, models.SchedulesPath(date))
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	out := make([]models.DispatchRecord, 0, len(children))
	for id, raw := range children {
		var rec models.DispatchRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.DispatchID == "" {
			rec.DispatchID = id
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DepartureTime != out[j].DepartureTime {
			return out[i].DepartureTime < out[j].DepartureTime
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MyAssignments filters a day's dispatches down to one driver's.
func (w *Workflow) MyAssignments(ctx context.Context, driverID, date string) ([]models.DispatchRecord, error) {
	all, err := w.ListDispatches(ctx, date)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, rec := range all {
		if rec.DriverID == driverID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (w *Workflow) setStatus(ctx context.Context, op, actorID, date, dispatchID, status string) error {
	now := w.store.Now(ctx)
	if err := w.store.Merge(ctx, models.DispatchPath(date, dispatchID), map[string]any{
		"status":     status,
		"status_by":  actorID,
		"status_ts":  now,
		"updated_at": now,
	}); err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	w.logger.Info("dispatch status changed",
		slog.String("dispatch_id", dispatchID),
		slog.String("status", status),
		slog.String("by", actorID))
	w.notify.Emit(notify.Event{Kind: notify.KindDispatchUpdated, ActorID: actorID, Message: dispatchID + " " + status})
	return nil
}

func (w *Workflow) get(ctx context.Context, op, date, dispatchID string) (*models.DispatchRecord, error) {
	var rec models.DispatchRecord
	found, err := w.store.Get(ctx, models.DispatchPath(date, dispatchID), &rec)
	if err != nil {
		return nil, faults.Wrap(faults.WriteFailed, op, err)
	}
	if !found {
		return nil, faults.New(faults.InvalidState, op, "dispatch %s does not exist on %s", dispatchID, date)
	}
	if rec.DispatchID == "" {
		rec.DispatchID = dispatchID
	}
	return &rec, nil
}

func (w *Workflow) requireAdmin(ctx context.Context, op, actorID string) error {
	if actorID == "" {
		return faults.New(faults.AuthenticationRequired, op, "missing actor")
	}
	role, err := w.roles.ResolveRole(ctx, actorID)
	if err != nil {
		return faults.Wrap(faults.WriteFailed, op, err)
	}
	if role != models.RoleAdmin {
		return faults.New(faults.PermissionDenied, op, "actor %s is not an admin", actorID)
	}
	return nil
}
