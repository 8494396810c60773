package tracking

import (
	"math"

	"bustrack/services/vehicle-tracker/internal/geo"
	"bustrack/services/vehicle-tracker/internal/roadroute"
)

// Status is the rider-facing classification of a vehicle relative to the
// rider's stop.
type Status string

const (
	StatusApproaching Status = "approaching"
	StatusPassed      Status = "passed"
	StatusFar         Status = "far"
)

const (
	// ApproachRadiusKm is the flat approach threshold. Fixed for all routes;
	// flagged as a tuning parameter, not config.
	ApproachRadiusKm = 1.0
	// StoppedSpeedKmh is the speed below which an ETA is not meaningfully
	// time-bound.
	StoppedSpeedKmh = 5.0
	// EtaStopped is the sentinel ETA for a stopped vehicle.
	EtaStopped = -1
	// EtaArrivingNow is reported when the computed ETA rounds below one
	// minute.
	EtaArrivingNow = 0
)

// Assessment is one classification of a vehicle against a rider stop.
type Assessment struct {
	Status          Status  `json:"status"`
	EtaMinutes      int     `json:"eta_minutes"` // EtaStopped when the vehicle is stopped
	DistanceKm      float64 `json:"distance_km"`
	RoadDistance    bool    `json:"road_distance"`          // distance came from a road polyline
	RoadUnavailable bool    `json:"road_route_unavailable"` // polyline contains straight-line fallbacks
}

// Classify derives the rider-facing status and ETA from tracked state. road
// may be nil, in which case the straight-line distance is used.
// defaultCruiseKmh backs the ETA when neither a reported nor a derived speed
// exists.
func Classify(st *VehicleTrackState, riderStopID string, road *roadroute.Polyline, defaultCruiseKmh float64) Assessment {
	a := Assessment{Status: StatusFar}

	var riderPos *geo.Point
	if st.Route != nil {
		if s := st.Route.StopByID(riderStopID); s != nil {
			p := s.Position
			riderPos = &p
		}
	}

	if road != nil && len(road.Points) >= 2 {
		a.DistanceKm = road.DistanceKm
		a.RoadDistance = true
		a.RoadUnavailable = road.RoadUnavailable
	} else if riderPos != nil && st.hasFix {
		a.DistanceKm = geo.DistanceKm(st.Current, *riderPos)
	}

	a.EtaMinutes = etaMinutes(st, a.DistanceKm, defaultCruiseKmh)

	switch st.Phase {
	case PhaseCompleted:
		// The run is over; every stop on the route is behind the vehicle.
		a.Status = StatusPassed
	case PhaseTracking:
		riderIdx := st.StopIndexInTravelOrder(riderStopID)
		if riderIdx < 0 {
			break
		}
		if riderIdx < st.nextIdx {
			a.Status = StatusPassed
		} else if a.DistanceKm <= ApproachRadiusKm {
			a.Status = StatusApproaching
		}
	}
	return a
}

// etaMinutes applies the speed ladder: reported speed, then speed derived
// from consecutive fixes, then the configured cruising speed. A known speed
// under the stopped threshold yields the stopped sentinel; a missing or zero
// derived speed falls through to the cruise default rather than reporting an
// undefined ETA.
func etaMinutes(st *VehicleTrackState, distanceKm, defaultCruiseKmh float64) int {
	speed := defaultCruiseKmh
	switch {
	case st.SpeedKmh != nil:
		if *st.SpeedKmh < StoppedSpeedKmh {
			return EtaStopped
		}
		speed = *st.SpeedKmh
	case st.DerivedKmh != nil && *st.DerivedKmh > 0:
		if *st.DerivedKmh < StoppedSpeedKmh {
			return EtaStopped
		}
		speed = *st.DerivedKmh
	}
	if speed <= 0 {
		return EtaArrivingNow
	}
	mins := int(math.Round(distanceKm / speed * 60))
	if mins < 1 {
		return EtaArrivingNow
	}
	return mins
}
