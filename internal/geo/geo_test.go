package geo

import (
	"math"
	"testing"

	"github.com/example/transit-tracker/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeAtEquator(t *testing.T) {
	d := Haversine(0, 0, 0, 1)
	// one degree of longitude at the equator is ~111.19 km
	if math.Abs(d-111195) > 200 {
		t.Fatalf("unexpected distance: %f", d)
	}
}

func TestBearingCardinals(t *testing.T) {
	cases := []struct {
		lat2, lng2 float64
		want       float64
	}{
		{1, 0, 0},    // due north
		{0, 1, 90},   // due east
		{-1, 0, 180}, // due south
		{0, -1, 270}, // due west
	}
	for _, c := range cases {
		got, ok := Bearing(0, 0, c.lat2, c.lng2)
		if !ok {
			t.Fatalf("no bearing for (%f,%f)", c.lat2, c.lng2)
		}
		if math.Abs(got-c.want) > 0.01 {
			t.Fatalf("bearing to (%f,%f): want %f got %f", c.lat2, c.lng2, c.want, got)
		}
	}
}

func TestBearingSamePoint(t *testing.T) {
	if _, ok := Bearing(12.5, 121.0, 12.5, 121.0); ok {
		t.Fatal("expected no bearing for coincident points")
	}
}

func TestProjectPointRoundTrip(t *testing.T) {
	lat, lng := ProjectPoint(16.0431, 120.3331, 500, 45)
	back := Haversine(16.0431, 120.3331, lat, lng)
	if math.Abs(back-500) > 1 {
		t.Fatalf("projected distance off: %f", back)
	}
}

func TestPathDistanceConsecutivePairs(t *testing.T) {
	path := []models.Position{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 0, Lng: 2}}
	want := Haversine(0, 0, 0, 1) + Haversine(0, 1, 0, 2)
	got := PathDistance(path)
	if math.Abs(got-want) > 1 {
		t.Fatalf("want %f got %f", want, got)
	}
}

func TestCapacityZoneContains(t *testing.T) {
	z := CapacityZone{LengthM: 12, WidthM: 6}

	// heading north: along = latitude axis
	latAhead, lngAhead := ProjectPoint(16.0431, 120.3331, 5, 0)
	if !z.Contains(16.0431, 120.3331, 0, latAhead, lngAhead) {
		t.Fatal("point 5m ahead should be inside a 12m-long zone")
	}
	latFar, lngFar := ProjectPoint(16.0431, 120.3331, 8, 0)
	if z.Contains(16.0431, 120.3331, 0, latFar, lngFar) {
		t.Fatal("point 8m ahead should be outside")
	}

	// 5m to the side exceeds half the 6m width
	latSide, lngSide := ProjectPoint(16.0431, 120.3331, 5, 90)
	if z.Contains(16.0431, 120.3331, 0, latSide, lngSide) {
		t.Fatal("point 5m abeam should be outside a 6m-wide zone")
	}

	// rotate the vehicle east: the same point is now along the length
	if !z.Contains(16.0431, 120.3331, 90, latSide, lngSide) {
		t.Fatal("point 5m ahead of an east-facing vehicle should be inside")
	}
}

func TestCapacityZoneCenter(t *testing.T) {
	z := CapacityZone{LengthM: 12, WidthM: 6}
	if !z.Contains(16.0431, 120.3331, 123, 16.0431, 120.3331) {
		t.Fatal("center must always be contained")
	}
}
