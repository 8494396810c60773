package tracking

import (
	"math"
	"testing"
	"time"
)

func TestReportValidate(t *testing.T) {
	now := time.Now()
	speed := 35.0
	negSpeed := -1.0
	heading := 400.0

	cases := []struct {
		name   string
		rep    PositionReport
		wantOK bool
	}{
		{"valid", PositionReport{VehicleID: "bus-1", Lat: 53.9, Lng: 27.5, SpeedKmh: &speed, RecordedAt: now}, true},
		{"valid no speed", PositionReport{VehicleID: "bus-1", Lat: 53.9, Lng: 27.5, RecordedAt: now}, true},
		{"missing vehicle id", PositionReport{Lat: 53.9, Lng: 27.5, RecordedAt: now}, false},
		{"lat out of range", PositionReport{VehicleID: "bus-1", Lat: 91, Lng: 27.5, RecordedAt: now}, false},
		{"lng out of range", PositionReport{VehicleID: "bus-1", Lat: 53.9, Lng: -181, RecordedAt: now}, false},
		{"nan coordinate", PositionReport{VehicleID: "bus-1", Lat: math.NaN(), Lng: 27.5, RecordedAt: now}, false},
		{"negative speed", PositionReport{VehicleID: "bus-1", Lat: 53.9, Lng: 27.5, SpeedKmh: &negSpeed, RecordedAt: now}, false},
		{"heading out of range", PositionReport{VehicleID: "bus-1", Lat: 53.9, Lng: 27.5, HeadingDeg: &heading, RecordedAt: now}, false},
		{"missing timestamp", PositionReport{VehicleID: "bus-1", Lat: 53.9, Lng: 27.5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rep.Validate()
			if tc.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
