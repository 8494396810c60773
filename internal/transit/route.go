package transit

import "bustrack/services/vehicle-tracker/internal/geo"

// Stop is one platform on a route. Stops are immutable once loaded; the
// engine only ever reads them.
type Stop struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Code     string    `json:"code"`
	Position geo.Point `json:"position"`
}

// Route is an ordered sequence of stops, traversable in either direction.
// The first and last stops are the route's two termini and the order is
// fixed: a vehicle either runs first-to-last or last-to-first, never a
// reordered subset.
type Route struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stops []Stop `json:"stops"`
}

// Valid reports whether the route has enough stops for direction and
// segmenting logic to apply.
func (r *Route) Valid() bool {
	return r != nil && len(r.Stops) >= 2
}

// IndexOf returns the index of a stop id in route order, or -1.
func (r *Route) IndexOf(stopID string) int {
	for i, s := range r.Stops {
		if s.ID == stopID {
			return i
		}
	}
	return -1
}

// StopByID returns the stop with the given id, or nil.
func (r *Route) StopByID(stopID string) *Stop {
	if i := r.IndexOf(stopID); i >= 0 {
		return &r.Stops[i]
	}
	return nil
}

// Reversed returns the stop sequence in last-to-first order. The underlying
// route is not modified.
func (r *Route) Reversed() []Stop {
	out := make([]Stop, len(r.Stops))
	for i, s := range r.Stops {
		out[len(r.Stops)-1-i] = s
	}
	return out
}

// StopPositions extracts the coordinates of an ordered stop list.
func StopPositions(stops []Stop) []geo.Point {
	pts := make([]geo.Point, len(stops))
	for i, s := range stops {
		pts[i] = s.Position
	}
	return pts
}
