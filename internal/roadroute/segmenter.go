package roadroute

import (
	"context"
	"log/slog"

	"bustrack/services/vehicle-tracker/internal/geo"
)

// Polyline is a road-following path through an ordered waypoint list.
type Polyline struct {
	Points     []geo.Point `json:"points"`
	DistanceKm float64     `json:"distance_km"`
	// RoadUnavailable is set when at least one segment fell back to the
	// straight line between its endpoints. Callers surface it as a status
	// flag, never as an error.
	RoadUnavailable bool `json:"road_unavailable"`
}

// Segmenter builds polylines pair by pair through a Router.
type Segmenter struct {
	router Router
	// onFallback, when set, is invoked once per segment that degraded to a
	// straight line. Used for metrics.
	onFallback func()
}

func NewSegmenter(router Router) *Segmenter {
	return &Segmenter{router: router}
}

// OnFallback registers a callback fired for every degraded segment.
func (s *Segmenter) OnFallback(fn func()) { s.onFallback = fn }

// BuildPolyline routes each consecutive waypoint pair independently and
// concatenates the legs, so the result visits the waypoints in exactly the
// given order. A segment whose routing request fails (after one retry) is
// replaced by the straight line between its endpoints; other segments are not
// affected. Never returns an error: the worst case is a fully straight-line
// polyline with RoadUnavailable set.
func (s *Segmenter) BuildPolyline(ctx context.Context, waypoints []geo.Point) Polyline {
	if len(waypoints) < 2 {
		return Polyline{Points: waypoints}
	}

	var out Polyline
	for i := 0; i < len(waypoints)-1; i++ {
		from, to := waypoints[i], waypoints[i+1]
		leg, err := s.routeWithRetry(ctx, from, to)
		if err != nil {
			slog.Warn("road segment unavailable, using straight line",
				"segment", i, "error", err)
			leg = Leg{Points: []geo.Point{from, to}, DistanceKm: geo.DistanceKm(from, to)}
			out.RoadUnavailable = true
			if s.onFallback != nil {
				s.onFallback()
			}
		}
		// Drop the duplicated joint point between legs. A router returning
		// an empty leg without an error gets the same straight-line shape.
		if len(leg.Points) == 0 {
			leg = Leg{Points: []geo.Point{from, to}, DistanceKm: geo.DistanceKm(from, to)}
		}
		if len(out.Points) > 0 {
			leg.Points = leg.Points[1:]
		}
		out.Points = append(out.Points, leg.Points...)
		out.DistanceKm += leg.DistanceKm
	}
	return out
}

// routeWithRetry tries the router at most twice per segment. One retry keeps
// latency bounded for a live UI while riding out transient failures.
func (s *Segmenter) routeWithRetry(ctx context.Context, from, to geo.Point) (Leg, error) {
	leg, err := s.router.Route(ctx, from, to)
	if err == nil {
		return leg, nil
	}
	if ctx.Err() != nil {
		return Leg{}, ctx.Err()
	}
	return s.router.Route(ctx, from, to)
}
