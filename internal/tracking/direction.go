package tracking

import (
	"bustrack/services/vehicle-tracker/internal/geo"
	"bustrack/services/vehicle-tracker/internal/transit"
)

// Direction is the travel direction along a route's fixed stop order.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionForward           // first terminus -> last terminus
	DirectionReverse           // last terminus -> first terminus
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionReverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// movementEpsilonKm is the GPS noise floor: terminus-distance deltas smaller
// than this are treated as no movement.
const movementEpsilonKm = 0.02

// InferDirection decides whether the vehicle is travelling first-to-last
// (forward) or last-to-first (reverse) along the route.
//
// Primary rule: between the previous and current fix, moving closer to the
// last terminus while moving away from the first means forward; the mirror
// case means reverse.
//
// When that is ambiguous (noise, or the vehicle is near a terminus) and the
// rider's stop lies strictly between the termini, the vehicle's side of the
// rider's stop disambiguates: closer to the stop's earlier neighbour in route
// order means the vehicle still has the stop ahead going forward; closer to
// the later neighbour means reverse.
//
// Final fallback is a heuristic, not a proof: a vehicle nearer the last
// terminus is assumed forward, nearer the first assumed reverse. Within the
// noise band of equidistant it stays unknown. Mid-route idling geometries can
// fool this rule; it exists so a single fix still yields a usable answer.
func InferDirection(cur geo.Point, prev *geo.Point, route *transit.Route, riderStopID string) Direction {
	if !route.Valid() {
		return DirectionUnknown
	}
	first := route.Stops[0].Position
	last := route.Stops[len(route.Stops)-1].Position

	curToFirst := geo.DistanceKm(cur, first)
	curToLast := geo.DistanceKm(cur, last)

	if prev != nil {
		prevToFirst := geo.DistanceKm(*prev, first)
		prevToLast := geo.DistanceKm(*prev, last)

		towardLast := prevToLast-curToLast > movementEpsilonKm
		awayFromFirst := curToFirst-prevToFirst > movementEpsilonKm
		towardFirst := prevToFirst-curToFirst > movementEpsilonKm
		awayFromLast := curToLast-prevToLast > movementEpsilonKm

		if towardLast && awayFromFirst {
			return DirectionForward
		}
		if towardFirst && awayFromLast {
			return DirectionReverse
		}

		if d := riderNeighbourHint(cur, *prev, route, riderStopID); d != DirectionUnknown {
			return d
		}
	}

	// Nearer-terminus fallback.
	switch {
	case curToFirst-curToLast > movementEpsilonKm:
		return DirectionForward
	case curToLast-curToFirst > movementEpsilonKm:
		return DirectionReverse
	default:
		return DirectionUnknown
	}
}

// riderNeighbourHint resolves an ambiguous fix using the rider's stop: if the
// vehicle is moving toward that stop, whichever of the stop's immediate route
// neighbours the vehicle sits closer to tells which side it is approaching
// from.
func riderNeighbourHint(cur, prev geo.Point, route *transit.Route, riderStopID string) Direction {
	if riderStopID == "" {
		return DirectionUnknown
	}
	idx := route.IndexOf(riderStopID)
	if idx <= 0 || idx >= len(route.Stops)-1 {
		// Only a stop strictly between the termini can disambiguate.
		return DirectionUnknown
	}
	riderPos := route.Stops[idx].Position
	if geo.DistanceKm(prev, riderPos)-geo.DistanceKm(cur, riderPos) <= movementEpsilonKm {
		// Not measurably moving toward the rider's stop.
		return DirectionUnknown
	}
	earlier := route.Stops[idx-1].Position
	later := route.Stops[idx+1].Position
	dEarlier := geo.DistanceKm(cur, earlier)
	dLater := geo.DistanceKm(cur, later)
	switch {
	case dLater-dEarlier > movementEpsilonKm:
		return DirectionForward
	case dEarlier-dLater > movementEpsilonKm:
		return DirectionReverse
	default:
		return DirectionUnknown
	}
}
