package tracking

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"bustrack/services/vehicle-tracker/internal/geo"
)

var validate = validator.New()

// PositionReport is one GPS fix for a vehicle. Reports are ephemeral: the
// engine keeps only what direction inference needs (the previous fix).
type PositionReport struct {
	VehicleID  string    `json:"vehicle_id" validate:"required"`
	Lat        float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng        float64   `json:"lng" validate:"gte=-180,lte=180"`
	SpeedKmh   *float64  `json:"speed_kmh,omitempty" validate:"omitempty,gte=0"`
	HeadingDeg *float64  `json:"heading_deg,omitempty" validate:"omitempty,gte=0,lte=360"`
	RecordedAt time.Time `json:"recorded_at" validate:"required"`
}

// Position returns the report's coordinate.
func (r *PositionReport) Position() geo.Point {
	return geo.Point{Lat: r.Lat, Lng: r.Lng}
}

// Validate rejects malformed or out-of-range reports before they can touch
// vehicle state.
func (r *PositionReport) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid position report: %w", err)
	}
	// validator bounds don't catch NaN.
	if !geo.ValidLatLon(r.Lat, r.Lng) {
		return fmt.Errorf("invalid position report: lat/lng out of range (%v, %v)", r.Lat, r.Lng)
	}
	if r.RecordedAt.IsZero() {
		return fmt.Errorf("invalid position report: missing recorded_at")
	}
	return nil
}
