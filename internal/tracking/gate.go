package tracking

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"bustrack/services/vehicle-tracker/internal/transit"
)

// Notification is the domain event emitted when a rider-facing status
// changes. Same envelope shape the rest of the platform uses.
type Notification struct {
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Data       NotificationData `json:"data"`
}

type NotificationData struct {
	VehicleID   string  `json:"vehicle_id"`
	RiderStopID string  `json:"rider_stop_id"`
	Status      Status  `json:"status"`
	EtaMinutes  int     `json:"eta_minutes"`
	DistanceKm  float64 `json:"distance_km"`
	NextStopID  string  `json:"next_stop_id,omitempty"`
}

const (
	EventVehicleApproaching = "vehicle.approaching"
	EventVehiclePassed      = "vehicle.passed"
)

// Subscriber receives notification events. Callbacks run on the reporting
// goroutine and must not block.
type Subscriber func(Notification)

// Gate turns level status into edge events: one event per transition into
// approaching or passed, none for repeats, none for transitions into far.
type Gate struct {
	mu     sync.Mutex
	last   map[string]Status // session key -> last notified status
	subs   []Subscriber
	onEmit func()
}

func NewGate() *Gate {
	return &Gate{last: make(map[string]Status)}
}

// Subscribe registers a callback for every emitted notification.
func (g *Gate) Subscribe(fn Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, fn)
}

// OnEmit registers a counter hook fired once per emitted event.
func (g *Gate) OnEmit(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEmit = fn
}

// OnStatusComputed records the newly computed status for a session and emits
// at most one event. Repeated identical statuses are idempotent.
func (g *Gate) OnStatusComputed(vehicleID, riderStopID string, a Assessment, next *transit.Stop) bool {
	key := vehicleID + "|" + riderStopID

	g.mu.Lock()
	prev, seen := g.last[key]
	if seen && prev == a.Status {
		g.mu.Unlock()
		return false
	}
	g.last[key] = a.Status

	var eventType string
	switch a.Status {
	case StatusApproaching:
		eventType = EventVehicleApproaching
	case StatusPassed:
		eventType = EventVehiclePassed
	default:
		// Moving into far is not newsworthy on its own, but it is recorded
		// so a later re-approach fires again.
		g.mu.Unlock()
		return false
	}

	n := Notification{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Data: NotificationData{
			VehicleID:   vehicleID,
			RiderStopID: riderStopID,
			Status:      a.Status,
			EtaMinutes:  a.EtaMinutes,
			DistanceKm:  a.DistanceKm,
		},
	}
	if next != nil {
		n.Data.NextStopID = next.ID
	}
	subs := append([]Subscriber(nil), g.subs...)
	onEmit := g.onEmit
	g.mu.Unlock()

	if onEmit != nil {
		onEmit()
	}
	for _, fn := range subs {
		fn(n)
	}
	return true
}

// Forget drops a session's notification memory when tracking stops.
func (g *Gate) Forget(vehicleID, riderStopID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, vehicleID+"|"+riderStopID)
}
