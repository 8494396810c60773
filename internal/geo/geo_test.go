package geo

import (
	"math"
	"testing"
)

func TestHaversineZeroForSamePoint(t *testing.T) {
	pts := []Point{
		{0, 0},
		{53.9006, 27.559},
		{-33.8688, 151.2093},
		{89.9, -179.9},
	}
	for _, p := range pts {
		if d := DistanceKm(p, p); d != 0 {
			t.Errorf("DistanceKm(%v, %v) = %v, want 0", p, p, d)
		}
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Minsk railway station to the national library, roughly 7.3 km.
	d := HaversineKm(53.8906, 27.5512, 53.9312, 27.6459)
	if d < 7.0 || d > 7.7 {
		t.Errorf("got %v km, want ~7.3", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := Point{53.9, 27.56}
	b := Point{53.7, 27.3}
	if d1, d2 := DistanceKm(a, b), DistanceKm(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Errorf("asymmetric distance: %v vs %v", d1, d2)
	}
}

func TestNearestTieGoesToLowestIndex(t *testing.T) {
	p := Point{0, 0}
	same := Point{0, 0.01}
	idx, _ := Nearest(p, []Point{same, same, same})
	if idx != 0 {
		t.Errorf("tie broke to index %d, want 0", idx)
	}
}

func TestNearestEmpty(t *testing.T) {
	if idx, _ := Nearest(Point{0, 0}, nil); idx != -1 {
		t.Errorf("got %d, want -1", idx)
	}
}

func TestNearestPicksClosest(t *testing.T) {
	p := Point{53.9, 27.56}
	cands := []Point{{53.0, 27.0}, {53.91, 27.57}, {54.5, 28.0}}
	idx, d := Nearest(p, cands)
	if idx != 1 {
		t.Fatalf("got index %d, want 1", idx)
	}
	if d > 2.0 {
		t.Errorf("distance %v km unexpectedly large", d)
	}
}

func TestPathDistanceKm(t *testing.T) {
	pts := []Point{{0, 0}, {0, 1}, {0, 2}}
	whole := PathDistanceKm(pts)
	direct := DistanceKm(pts[0], pts[2])
	if math.Abs(whole-direct) > 0.001 {
		t.Errorf("equator path should equal direct distance: %v vs %v", whole, direct)
	}
	if PathDistanceKm(nil) != 0 || PathDistanceKm(pts[:1]) != 0 {
		t.Error("degenerate polylines should have zero length")
	}
}

func TestValidLatLon(t *testing.T) {
	cases := []struct {
		lat, lng float64
		want     bool
	}{
		{53.9, 27.56, true},
		{90, 180, true},
		{-90, -180, true},
		{91, 0, false},
		{0, 181, false},
		{-90.01, 0, false},
		{math.NaN(), 0, false},
		{0, math.NaN(), false},
	}
	for _, c := range cases {
		if got := ValidLatLon(c.lat, c.lng); got != c.want {
			t.Errorf("ValidLatLon(%v, %v) = %v, want %v", c.lat, c.lng, got, c.want)
		}
	}
}
