// Package identity resolves authenticated actors to roles and route
// metadata. Authentication itself is external; this package only reads
// what the identity tree already holds.
package identity

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/example/transit-tracker/internal/models"
	"github.com/example/transit-tracker/internal/store"
)

// Oracle resolves an actor id to a role.
type Oracle interface {
	ResolveRole(ctx context.Context, actorID string) (models.Role, error)
}

// StoreOracle resolves roles with one authoritative, ordered fallback:
//  1. the role field at all_users/<uid>/role, if it names a known role
//  2. driver, if a driver profile exists at drivers/<uid>
//  3. passenger otherwise
type StoreOracle struct {
	Store store.Store
}

func (o *StoreOracle) ResolveRole(ctx context.Context, actorID string) (models.Role, error) {
	var rec struct {
		Role string `json:"role"`
	}
	found, err := o.Store.Get(ctx, "all_users/"+actorID, &rec)
	if err != nil {
		return models.RoleNone, err
	}
	if found {
		switch models.Role(strings.ToLower(rec.Role)) {
		case models.RoleAdmin:
			return models.RoleAdmin, nil
		case models.RoleDriver:
			return models.RoleDriver, nil
		case models.RolePassenger:
			return models.RolePassenger, nil
		}
	}
	var prof models.DriverProfile
	isDriver, err := o.Store.Get(ctx, "drivers/"+actorID, &prof)
	if err != nil {
		return models.RoleNone, err
	}
	if isDriver {
		return models.RoleDriver, nil
	}
	return models.RolePassenger, nil
}

// RouteMeta is a driver's current route and vehicle type.
type RouteMeta struct {
	Route string
	Type  string // "modern" or "traditional"
}

const (
	defaultRoute = "Gueset"
	defaultType  = "modern"
	routeMetaTTL = time.Minute
)

// RouteResolver finds the route/type a driver is running today,
// preferring the day's dispatch assignment over the driver profile.
// Results are memoized per resolver so concurrent sessions stay
// independent.
type RouteResolver struct {
	Store store.Store

	mu    sync.Mutex
	cache map[string]cachedMeta
}

type cachedMeta struct {
	meta RouteMeta
	at   time.Time
}

func (r *RouteResolver) Resolve(ctx context.Context, driverID string) RouteMeta {
	now := r.Store.Now(ctx)
	r.mu.Lock()
	if c, ok := r.cache[driverID]; ok && now.Sub(c.at) < routeMetaTTL {
		r.mu.Unlock()
		return c.meta
	}
	r.mu.Unlock()

	meta := r.lookup(ctx, driverID, now)

	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[string]cachedMeta)
	}
	r.cache[driverID] = cachedMeta{meta: meta, at: now}
	r.mu.Unlock()
	return meta
}

func (r *RouteResolver) lookup(ctx context.Context, driverID string, now time.Time) RouteMeta {
	// today's dispatch assignment wins
	day := models.DateKey(now)
	if rows, err := r.Store.List(ctx, "schedules/"+day); err == nil {
		var fallback *models.DispatchRecord
		for _, raw := range rows {
			var d models.DispatchRecord
			if err := json.Unmarshal(raw, &d); err != nil || d.DriverID != driverID {
				continue
			}
			switch d.Status {
			case models.DispatchAccepted, models.DispatchEnroute:
				return RouteMeta{Route: NormalizeRoute(d.Route), Type: normType(d.JeepneyType)}
			default:
				if fallback == nil {
					cp := d
					fallback = &cp
				}
			}
		}
		if fallback != nil {
			return RouteMeta{Route: NormalizeRoute(fallback.Route), Type: normType(fallback.JeepneyType)}
		}
	}

	// then the driver profile
	var prof models.DriverProfile
	if found, err := r.Store.Get(ctx, "drivers/"+driverID, &prof); err == nil && found {
		return RouteMeta{Route: NormalizeRoute(prof.Route), Type: normType(prof.Type)}
	}

	return RouteMeta{Route: defaultRoute, Type: defaultType}
}

// NormalizeRoute title-cases a route name, defaulting when empty.
func NormalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return defaultRoute
	}
	// Split on the first rune, not the first byte, so multi-byte names
	// are not mangled.
	r := []rune(strings.ToLower(route))
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

func normType(t string) string {
	if strings.ToLower(strings.TrimSpace(t)) == "traditional" {
		return "traditional"
	}
	return defaultType
}
