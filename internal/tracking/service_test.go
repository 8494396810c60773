package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bustrack/services/vehicle-tracker/internal/geo"
	"bustrack/services/vehicle-tracker/internal/roadroute"
	"bustrack/services/vehicle-tracker/internal/transit"
)

type fakeDirectory struct {
	routes map[string]*transit.Route
}

func (d *fakeDirectory) RouteForVehicle(_ context.Context, vehicleID string) (*transit.Route, error) {
	r, ok := d.routes[vehicleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transit.ErrVehicleNotConfigured, vehicleID)
	}
	return r, nil
}

// straightRouter answers every pair with the direct line so service tests do
// not depend on routing behavior.
type straightRouter struct {
	mu    sync.Mutex
	calls int
}

func (r *straightRouter) Route(_ context.Context, from, to geo.Point) (roadroute.Leg, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return roadroute.Leg{Points: []geo.Point{from, to}, DistanceKm: geo.DistanceKm(from, to)}, nil
}

func newTestService() (*Service, *Gate) {
	dir := &fakeDirectory{routes: map[string]*transit.Route{"bus-1": lineRoute()}}
	gate := NewGate()
	seg := roadroute.NewSegmenter(&straightRouter{})
	svc := NewService(dir, seg, gate, Config{DefaultCruiseKmh: 30})
	return svc, gate
}

func TestStartTrackingUnknownVehicle(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.StartTracking(context.Background(), "ghost", "c")
	if !errors.Is(err, transit.ErrVehicleNotConfigured) {
		t.Fatalf("err = %v, want ErrVehicleNotConfigured", err)
	}
	// The failed start must not leave vehicle state behind.
	if _, err := svc.CurrentStatus("ghost", "c"); !errors.Is(err, ErrUnknownVehicle) {
		t.Fatalf("err = %v, want ErrUnknownVehicle", err)
	}
}

func TestStartTrackingStopNotOnRoute(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.StartTracking(context.Background(), "bus-1", "elsewhere")
	if !errors.Is(err, ErrStopNotOnRoute) {
		t.Fatalf("err = %v, want ErrStopNotOnRoute", err)
	}
}

func TestTrackingFlowEmitsApproaching(t *testing.T) {
	svc, gate := newTestService()
	ctx := context.Background()

	var mu sync.Mutex
	var events []Notification
	gate.Subscribe(func(n Notification) {
		mu.Lock()
		events = append(events, n)
		mu.Unlock()
	})

	snap, err := svc.StartTracking(ctx, "bus-1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != "uninitialized" {
		t.Fatalf("initial phase = %s", snap.Phase)
	}

	// Equidistant first fix resolves nothing; the second fix is a decisive
	// move toward the last terminus.
	t0 := time.Now()
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.93, 27.50, t0)); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.935, 27.50, t0.Add(2*time.Minute))); err != nil {
		t.Fatal(err)
	}

	snap, err = svc.CurrentStatus("bus-1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != "tracking" {
		t.Fatalf("phase = %s, want tracking", snap.Phase)
	}
	if snap.Progress.Direction != DirectionForward {
		t.Fatalf("direction = %v, want forward", snap.Progress.Direction)
	}
	if snap.Progress.NextStop == nil || snap.Progress.NextStop.ID != "c" {
		t.Fatalf("next stop = %+v, want c", snap.Progress.NextStop)
	}
	if snap.Assessment.Status != StatusApproaching {
		t.Fatalf("status = %s, want approaching", snap.Assessment.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("no notification emitted")
	}
	if events[0].EventType != EventVehicleApproaching {
		t.Fatalf("event = %s, want %s", events[0].EventType, EventVehicleApproaching)
	}
	if events[0].Data.VehicleID != "bus-1" || events[0].Data.RiderStopID != "c" {
		t.Fatalf("payload = %+v", events[0].Data)
	}
}

func TestDuplicateReportDoesNotReemit(t *testing.T) {
	svc, gate := newTestService()
	ctx := context.Background()

	var mu sync.Mutex
	var emitted int
	gate.Subscribe(func(Notification) {
		mu.Lock()
		emitted++
		mu.Unlock()
	})

	if _, err := svc.StartTracking(ctx, "bus-1", "c"); err != nil {
		t.Fatal(err)
	}
	t0 := time.Now()
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.90, 27.50, t0)); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.935, 27.50, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	before := emitted
	mu.Unlock()

	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.935, 27.50, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if emitted != before {
		t.Fatalf("duplicate report changed emission count %d -> %d", before, emitted)
	}
}

func TestHandleReportRejectsInvalid(t *testing.T) {
	svc, _ := newTestService()
	rep := &PositionReport{VehicleID: "bus-1", Lat: 200, Lng: 27.5, RecordedAt: time.Now()}
	if err := svc.HandleReport(context.Background(), rep); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestReportBeforeTrackingIsKept(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	t0 := time.Now()

	// The vehicle reports before any rider watches it.
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.90, 27.50, t0)); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.935, 27.50, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	// A session opened afterwards sees the already-inferred state.
	snap, err := svc.StartTracking(ctx, "bus-1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != "tracking" || snap.Progress.Direction != DirectionForward {
		t.Fatalf("snapshot = phase %s direction %v, want tracking/forward",
			snap.Phase, snap.Progress.Direction)
	}
	if snap.Assessment.Status != StatusApproaching {
		t.Fatalf("status = %s, want approaching", snap.Assessment.Status)
	}
}

func TestDirectoryRetriedWhileRouteUnresolved(t *testing.T) {
	dir := &fakeDirectory{routes: map[string]*transit.Route{}}
	svc := NewService(dir, roadroute.NewSegmenter(&straightRouter{}), NewGate(), Config{})
	ctx := context.Background()
	t0 := time.Now()

	// The vehicle reports before the directory knows it.
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.93, 27.50, t0)); err != nil {
		t.Fatal(err)
	}

	// The assignment lands, and the next report resolves the route without
	// any session having to repair it.
	dir.routes["bus-1"] = lineRoute()
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.935, 27.50, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	snap, err := svc.StartTracking(ctx, "bus-1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != "tracking" || snap.Progress.Direction != DirectionForward {
		t.Fatalf("snapshot = phase %s direction %v, want tracking/forward",
			snap.Phase, snap.Progress.Direction)
	}
}

func TestStopTrackingReleasesSession(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.StartTracking(ctx, "bus-1", "c"); err != nil {
		t.Fatal(err)
	}
	if err := svc.StopTracking("bus-1", "c"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CurrentStatus("bus-1", "c"); !errors.Is(err, ErrUnknownVehicle) {
		t.Fatalf("err = %v, want ErrUnknownVehicle after last session closed", err)
	}
	if err := svc.StopTracking("bus-1", "c"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMarkOfflineThenReportResets(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.StartTracking(ctx, "bus-1", "c"); err != nil {
		t.Fatal(err)
	}
	t0 := time.Now()
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.90, 27.50, t0)); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.935, 27.50, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	if err := svc.MarkOffline("bus-1"); err != nil {
		t.Fatal(err)
	}
	snap, err := svc.CurrentStatus("bus-1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != "offline" {
		t.Fatalf("phase = %s, want offline", snap.Phase)
	}
	if snap.RoadPolyline != nil {
		t.Error("offline vehicle kept a stale polyline")
	}

	// Fresh reports after the gap start inference from scratch.
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.93, 27.50, t0.Add(10*time.Minute))); err != nil {
		t.Fatal(err)
	}
	snap, err = svc.CurrentStatus("bus-1", "c")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != "uninitialized" {
		t.Fatalf("phase = %s, want uninitialized", snap.Phase)
	}

	if err := svc.MarkOffline("ghost"); !errors.Is(err, ErrUnknownVehicle) {
		t.Fatalf("err = %v, want ErrUnknownVehicle", err)
	}
}

func TestPolylineArrivesAsynchronously(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.StartTracking(ctx, "bus-1", "c"); err != nil {
		t.Fatal(err)
	}
	t0 := time.Now()
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.90, 27.50, t0)); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.935, 27.50, t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		snap, err := svc.CurrentStatus("bus-1", "c")
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.RoadPolyline) >= 2 {
			if !snap.Assessment.RoadDistance {
				t.Error("assessment not reclassified from road distance")
			}
			last := snap.RoadPolyline[len(snap.RoadPolyline)-1]
			if last != (geo.Point{Lat: 53.94, Lng: 27.50}) {
				t.Errorf("polyline ends at %+v, want the rider stop", last)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("polyline never landed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestKafkaEnvelopeAdapter(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.StartTracking(ctx, "bus-1", "c"); err != nil {
		t.Fatal(err)
	}

	value := []byte(`{
		"event_id": "e-1",
		"event_type": "vehicle.position",
		"occurred_at": "2026-08-29T10:00:00Z",
		"data": {"vehicle_id": "bus-1", "lat": 53.93, "lng": 27.50}
	}`)
	if err := svc.HandleEvent(ctx, "vehicles.positions", nil, value); err != nil {
		t.Fatal(err)
	}
	snap, err := svc.CurrentStatus("bus-1", "c")
	if err != nil {
		t.Fatal(err)
	}
	// recorded_at fell back to the envelope timestamp and the fix landed:
	// the session now has a straight-line distance to the rider's stop.
	if snap.Assessment.DistanceKm < 1.0 || snap.Assessment.DistanceKm > 1.3 {
		t.Fatalf("distance = %.2f km, want ~1.11 from the applied fix", snap.Assessment.DistanceKm)
	}

	if err := svc.HandleEvent(ctx, "vehicles.positions", nil, []byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSweeperMarksQuietWatchedVehicleOffline(t *testing.T) {
	svc, _ := newTestService()
	svc.cfg.OfflineTimeout = 50 * time.Millisecond
	ctx := context.Background()
	if _, err := svc.StartTracking(ctx, "bus-1", "c"); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleReport(ctx, reportAt("bus-1", 53.90, 27.50, time.Now())); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		svc.sweepOffline()
		snap, err := svc.CurrentStatus("bus-1", "c")
		if err != nil {
			t.Fatal(err)
		}
		if snap.Phase == "offline" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("vehicle never swept offline, phase %s", snap.Phase)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
