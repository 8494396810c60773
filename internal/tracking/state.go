package tracking

import (
	"errors"
	"fmt"
	"time"

	"bustrack/services/vehicle-tracker/internal/geo"
	"bustrack/services/vehicle-tracker/internal/transit"
)

// Phase is the lifecycle state of a tracked vehicle.
type Phase int

const (
	PhaseUninitialized Phase = iota // no resolvable direction yet
	PhaseTracking
	PhaseCompleted // last stop in travel direction reached
	PhaseOffline
)

func (p Phase) String() string {
	switch p {
	case PhaseTracking:
		return "tracking"
	case PhaseCompleted:
		return "completed"
	case PhaseOffline:
		return "offline"
	default:
		return "uninitialized"
	}
}

// arrivalProximityKm is how close to the final stop counts as having reached
// it.
const arrivalProximityKm = 0.2

// ErrStaleReport rejects a report older than the last applied one. Reports
// must be applied in recorded order or direction inference sees phantom
// movement.
var ErrStaleReport = errors.New("position report older than last applied")

// VehicleTrackState is the per-vehicle record every inbound report mutates.
// It is owned by exactly one writer at a time; the service serializes access.
type VehicleTrackState struct {
	VehicleID string
	Route     *transit.Route // nil until the directory resolves the vehicle

	Phase     Phase
	Direction Direction

	Current    geo.Point
	Previous   *geo.Point
	SpeedKmh   *float64 // last reported speed, if any
	DerivedKmh *float64 // speed derived from the last two fixes
	ReportedAt time.Time

	// ordered is the route's stop list in travel direction: the route order
	// itself, or its exact reverse. Never filtered or re-sorted.
	ordered []transit.Stop
	// nextIdx indexes the next stop ahead within ordered; len(ordered) is
	// the route-complete sentinel.
	nextIdx int

	hasFix bool
}

func NewVehicleTrackState(vehicleID string, route *transit.Route) *VehicleTrackState {
	return &VehicleTrackState{VehicleID: vehicleID, Route: route, Phase: PhaseUninitialized}
}

// ApplyResult reports what an applied fix changed.
type ApplyResult struct {
	Duplicate        bool
	DirectionChanged bool
	MovedKm          float64
}

// Apply folds one position report into the state machine. riderStopID, when
// non-empty, biases direction inference for ambiguous fixes.
func (s *VehicleTrackState) Apply(rep *PositionReport, riderStopID string) (ApplyResult, error) {
	var res ApplyResult

	// The staleness guard runs against the last applied fix before any
	// offline reset: a queued pre-gap report must never restart tracking
	// from outdated data.
	if s.hasFix {
		if rep.RecordedAt.Before(s.ReportedAt) {
			return res, fmt.Errorf("%w: %s < %s", ErrStaleReport,
				rep.RecordedAt.Format(time.RFC3339), s.ReportedAt.Format(time.RFC3339))
		}
		if rep.RecordedAt.Equal(s.ReportedAt) {
			// At-least-once redelivery; applying it again must not drift
			// direction or next-stop state.
			res.Duplicate = true
			return res, nil
		}
	}

	if s.Phase == PhaseOffline {
		// A direction inferred before an offline gap is not trustworthy.
		s.reset()
	}

	pos := rep.Position()
	var prev *geo.Point
	if s.hasFix {
		p := s.Current
		prev = &p
		res.MovedKm = geo.DistanceKm(p, pos)
		elapsed := rep.RecordedAt.Sub(s.ReportedAt)
		if elapsed > 0 {
			v := res.MovedKm / elapsed.Hours()
			s.DerivedKmh = &v
		}
	}

	s.Previous = prev
	s.Current = pos
	s.SpeedKmh = rep.SpeedKmh
	s.ReportedAt = rep.RecordedAt
	s.hasFix = true

	if s.Route == nil {
		// First-ever report for an unconfigured vehicle; hold until the
		// directory knows it.
		return res, nil
	}

	dir := InferDirection(pos, prev, s.Route, riderStopID)
	if dir == DirectionUnknown {
		if s.Direction == DirectionUnknown {
			return res, nil
		}
		dir = s.Direction // keep the established direction through a noisy fix
	}

	if dir != s.Direction {
		res.DirectionChanged = true
		s.Direction = dir
		s.rebuildOrdered()
		s.Phase = PhaseTracking
		// Next stop restarts from the whole list after a direction change.
		rel, _ := geo.Nearest(pos, transit.StopPositions(s.ordered))
		s.nextIdx = rel
	} else if s.Phase == PhaseTracking || s.Phase == PhaseCompleted {
		s.advanceNextStop(pos)
	}

	s.checkCompleted(pos)
	return res, nil
}

// advanceNextStop recomputes the next stop as the nearest stop within the
// not-yet-passed suffix of the travel-direction list. Scanning only the
// suffix is what makes passed-stop status monotone: nextIdx never moves
// backwards while the direction holds.
func (s *VehicleTrackState) advanceNextStop(pos geo.Point) {
	if s.nextIdx >= len(s.ordered) {
		return
	}
	suffix := transit.StopPositions(s.ordered[s.nextIdx:])
	rel, _ := geo.Nearest(pos, suffix)
	if rel > 0 {
		s.nextIdx += rel
	}
}

func (s *VehicleTrackState) checkCompleted(pos geo.Point) {
	if s.Phase != PhaseTracking || s.nextIdx != len(s.ordered)-1 {
		return
	}
	last := s.ordered[len(s.ordered)-1].Position
	if geo.DistanceKm(pos, last) <= arrivalProximityKm {
		s.Phase = PhaseCompleted
		s.nextIdx = len(s.ordered)
		return
	}
	// Past the terminus: the vehicle sits farther from the penultimate stop
	// than the terminus itself does, with the terminus still nearest.
	penult := s.ordered[len(s.ordered)-2].Position
	if geo.DistanceKm(pos, penult) > geo.DistanceKm(penult, last)+movementEpsilonKm &&
		geo.DistanceKm(pos, last) < geo.DistanceKm(pos, penult) {
		s.Phase = PhaseCompleted
		s.nextIdx = len(s.ordered)
	}
}

func (s *VehicleTrackState) rebuildOrdered() {
	if s.Direction == DirectionReverse {
		s.ordered = s.Route.Reversed()
	} else {
		s.ordered = append([]transit.Stop(nil), s.Route.Stops...)
	}
}

func (s *VehicleTrackState) reset() {
	s.Phase = PhaseUninitialized
	s.Direction = DirectionUnknown
	s.Previous = nil
	s.SpeedKmh = nil
	s.DerivedKmh = nil
	s.ordered = nil
	s.nextIdx = 0
	s.hasFix = false
}

// MarkOffline drops the vehicle into the offline phase. The next report
// starts over from scratch.
func (s *VehicleTrackState) MarkOffline() {
	s.Phase = PhaseOffline
}

// Progress is the O(1) read view over maintained state.
type Progress struct {
	Direction      Direction      `json:"direction"`
	NextStop       *transit.Stop  `json:"next_stop,omitempty"`
	PassedStops    []transit.Stop `json:"passed_stops"`
	RemainingStops []transit.Stop `json:"remaining_stops"`
}

// Progress returns the current next/passed/remaining view. It only slices
// already-maintained state; nothing is recomputed.
func (s *VehicleTrackState) Progress() Progress {
	p := Progress{Direction: s.Direction}
	if len(s.ordered) == 0 {
		return p
	}
	cut := s.nextIdx
	if cut > len(s.ordered) {
		cut = len(s.ordered)
	}
	p.PassedStops = s.ordered[:cut]
	p.RemainingStops = s.ordered[cut:]
	if s.Phase == PhaseTracking && s.nextIdx < len(s.ordered) {
		p.NextStop = &s.ordered[s.nextIdx]
	}
	return p
}

// StopIndexInTravelOrder returns the rider stop's index within the current
// travel-direction ordering, or -1.
func (s *VehicleTrackState) StopIndexInTravelOrder(stopID string) int {
	for i := range s.ordered {
		if s.ordered[i].ID == stopID {
			return i
		}
	}
	return -1
}

// NextStopIndex exposes the current next-stop cursor; len(ordered) means the
// route is complete.
func (s *VehicleTrackState) NextStopIndex() int { return s.nextIdx }
