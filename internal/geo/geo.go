package geo

import (
	"math"

	"github.com/example/transit-tracker/internal/models"
)

const (
	earthRadiusM = 6371000.0
	// Meters per degree of latitude; longitude degrees shrink with
	// cos(lat) and are corrected per point.
	metersPerDegLat = 40075016.686 / 360.0
)

func toRad(deg float64) float64 { return deg * math.Pi / 180.0 }
func toDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// Haversine distance in meters between two lat/lng points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Bearing returns the initial great-circle bearing in degrees [0,360)
// from point 1 toward point 2. ok is false when the points coincide and
// no heading exists.
func Bearing(lat1, lng1, lat2, lng2 float64) (deg float64, ok bool) {
	p1 := toRad(lat1)
	p2 := toRad(lat2)
	dL := toRad(lng2 - lng1)
	y := math.Sin(dL) * math.Cos(p2)
	x := math.Cos(p1)*math.Sin(p2) - math.Sin(p1)*math.Cos(p2)*math.Cos(dL)
	if x == 0 && y == 0 {
		return 0, false
	}
	return math.Mod(toDeg(math.Atan2(y, x))+360, 360), true
}

// ProjectPoint returns the point distanceM meters from (lat,lng) along
// the given bearing, on a spherical earth.
func ProjectPoint(lat, lng, distanceM, bearingDeg float64) (float64, float64) {
	delta := distanceM / earthRadiusM
	theta := toRad(bearingDeg)
	p1 := toRad(lat)
	l1 := toRad(lng)

	sinP2 := math.Sin(p1)*math.Cos(delta) + math.Cos(p1)*math.Sin(delta)*math.Cos(theta)
	p2 := math.Asin(sinP2)
	y := math.Sin(theta) * math.Sin(delta) * math.Cos(p1)
	x := math.Cos(delta) - math.Sin(p1)*sinP2
	l2 := l1 + math.Atan2(y, x)

	return toDeg(p2), toDeg(l2)
}

// PathDistance sums consecutive-pair haversine distances over a path.
func PathDistance(points []models.Position) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1].Lat, points[i-1].Lng, points[i].Lat, points[i].Lng)
	}
	return total
}

// CapacityZone is the geofence for a vehicle's physical footprint: an
// oriented rectangle LengthM along the heading by WidthM across it,
// centered on the vehicle position.
type CapacityZone struct {
	LengthM float64
	WidthM  float64
}

// Contains tests point-in-rectangle containment. Degree offsets are
// converted to meters with latitude-corrected longitude scaling, then
// rotated into the vehicle frame by bearingDeg (heading from north).
func (z CapacityZone) Contains(centerLat, centerLng, bearingDeg, lat, lng float64) bool {
	metersPerDegLng := metersPerDegLat * math.Cos(toRad(centerLat))
	dx := (lng - centerLng) * metersPerDegLng // east
	dy := (lat - centerLat) * metersPerDegLat // north

	theta := toRad(bearingDeg)
	along := dx*math.Sin(theta) + dy*math.Cos(theta)
	cross := dx*math.Cos(theta) - dy*math.Sin(theta)

	return math.Abs(along) <= z.LengthM/2 && math.Abs(cross) <= z.WidthM/2
}
