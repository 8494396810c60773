package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for great-circle math.
const EarthRadiusKm = 6371.0

// Point is a WGS-84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HaversineKm returns the great-circle distance between two coordinates in
// kilometers. Stable well below 100 m, which is what direction inference and
// ETA math need from it.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dphi := (lat2 - lat1) * math.Pi / 180
	dl := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dphi/2)*math.Sin(dphi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dl/2)*math.Sin(dl/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(a, b Point) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// PathDistanceKm sums consecutive-pair distances along a polyline.
func PathDistanceKm(points []Point) float64 {
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		total += DistanceKm(points[i], points[i+1])
	}
	return total
}

// Nearest returns the index of the candidate closest to p and the distance to
// it. Ties go to the lowest index. Returns -1 when candidates is empty.
func Nearest(p Point, candidates []Point) (int, float64) {
	best := -1
	bestDist := math.MaxFloat64
	for i, c := range candidates {
		if d := DistanceKm(p, c); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist
}

// ValidLatLon reports whether lat/lng are inside WGS-84 bounds.
func ValidLatLon(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
