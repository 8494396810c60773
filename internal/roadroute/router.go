// Package roadroute builds road-following polylines between ordered stops by
// asking an external routing engine for each consecutive stop pair
// independently. One multi-waypoint request would let the router reorder or
// shortcut waypoints; stop order is a hard invariant here, so each pair is
// routed on its own and the legs are concatenated.
package roadroute

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"bustrack/services/vehicle-tracker/internal/geo"
)

// Leg is one routed stretch between two points.
type Leg struct {
	Points     []geo.Point
	DistanceKm float64
}

// Router is the shortest-path collaborator. A successful Leg carries at
// least the two endpoints. Implementations may block on network I/O;
// callers are expected to keep them off the report path.
type Router interface {
	Route(ctx context.Context, from, to geo.Point) (Leg, error)
}

// OSRMRouter talks to an OSRM HTTP instance (route service, geojson geometry).
type OSRMRouter struct {
	baseURL string
	client  *http.Client
}

func NewOSRMRouter(baseURL string, timeout time.Duration) *OSRMRouter {
	return &OSRMRouter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"` // meters
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"` // [lng, lat]
		} `json:"geometry"`
	} `json:"routes"`
}

func (r *OSRMRouter) Route(ctx context.Context, from, to geo.Point) (Leg, error) {
	u := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?%s",
		r.baseURL, from.Lng, from.Lat, to.Lng, to.Lat,
		url.Values{
			"overview":   {"full"},
			"geometries": {"geojson"},
			"steps":      {"false"},
		}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Leg{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Leg{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Leg{}, fmt.Errorf("osrm: unexpected status %d", resp.StatusCode)
	}

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Leg{}, err
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Leg{}, fmt.Errorf("osrm: no route (code=%s)", body.Code)
	}

	best := body.Routes[0]
	leg := Leg{DistanceKm: best.Distance / 1000.0}
	for _, c := range best.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		leg.Points = append(leg.Points, geo.Point{Lat: c[1], Lng: c[0]})
	}
	if len(leg.Points) < 2 {
		return Leg{}, fmt.Errorf("osrm: empty geometry")
	}
	return leg, nil
}
