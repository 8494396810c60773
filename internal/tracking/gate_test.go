package tracking

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"bustrack/services/vehicle-tracker/internal/transit"
)

func TestGateEmitsOnEdgeOnly(t *testing.T) {
	g := NewGate()
	var got []Notification
	g.Subscribe(func(n Notification) { got = append(got, n) })

	approach := Assessment{Status: StatusApproaching, EtaMinutes: 3, DistanceKm: 0.8}
	if !g.OnStatusComputed("bus-1", "c", approach, nil) {
		t.Fatal("first approaching transition should emit")
	}
	if g.OnStatusComputed("bus-1", "c", approach, nil) {
		t.Fatal("repeated approaching must be silent")
	}
	if g.OnStatusComputed("bus-1", "c", Assessment{Status: StatusPassed}, nil) != true {
		t.Fatal("approaching -> passed should emit")
	}
	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2", len(got))
	}
	if got[0].EventType != EventVehicleApproaching || got[1].EventType != EventVehiclePassed {
		t.Fatalf("event types = %s, %s", got[0].EventType, got[1].EventType)
	}
	if got[0].EventID == "" || got[0].EventID == got[1].EventID {
		t.Error("events need distinct non-empty ids")
	}
	if got[0].Data.EtaMinutes != 3 || got[0].Data.DistanceKm != 0.8 {
		t.Errorf("payload = %+v", got[0].Data)
	}
}

func TestGateFarRecordsButDoesNotEmit(t *testing.T) {
	g := NewGate()
	var emitted int
	g.Subscribe(func(Notification) { emitted++ })

	g.OnStatusComputed("bus-1", "c", Assessment{Status: StatusApproaching}, nil)
	if g.OnStatusComputed("bus-1", "c", Assessment{Status: StatusFar}, nil) {
		t.Fatal("moving into far must not emit")
	}
	// Far was recorded, so coming back counts as a fresh edge.
	if !g.OnStatusComputed("bus-1", "c", Assessment{Status: StatusApproaching}, nil) {
		t.Fatal("re-approach after far should emit again")
	}
	if emitted != 2 {
		t.Fatalf("emitted %d, want 2", emitted)
	}
}

func TestGateInitialFarIsSilent(t *testing.T) {
	g := NewGate()
	if g.OnStatusComputed("bus-1", "c", Assessment{Status: StatusFar}, nil) {
		t.Fatal("a session that starts far has nothing to announce")
	}
}

func TestGateSessionsAreIndependent(t *testing.T) {
	g := NewGate()
	var emitted int
	g.Subscribe(func(Notification) { emitted++ })

	a := Assessment{Status: StatusApproaching}
	g.OnStatusComputed("bus-1", "c", a, nil)
	g.OnStatusComputed("bus-1", "d", a, nil)
	g.OnStatusComputed("bus-2", "c", a, nil)
	if emitted != 3 {
		t.Fatalf("emitted %d, want one per distinct session", emitted)
	}
}

func TestGateForgetResetsMemory(t *testing.T) {
	g := NewGate()
	a := Assessment{Status: StatusApproaching}
	g.OnStatusComputed("bus-1", "c", a, nil)
	g.Forget("bus-1", "c")
	if !g.OnStatusComputed("bus-1", "c", a, nil) {
		t.Fatal("forgotten session should emit like a new one")
	}
}

func TestGateHookRegistrationIsConcurrencySafe(t *testing.T) {
	g := NewGate()
	var emitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			g.OnEmit(func() { emitted.Add(1) })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			g.OnStatusComputed("bus-1", fmt.Sprintf("s%d", i), Assessment{Status: StatusApproaching}, nil)
		}
	}()
	wg.Wait()
	// Every session key was fresh, so every call emitted; the hook may have
	// been registered partway through.
	if emitted.Load() > 100 {
		t.Fatalf("hook fired %d times for 100 events", emitted.Load())
	}
}

func TestGateCarriesNextStop(t *testing.T) {
	g := NewGate()
	var got Notification
	g.Subscribe(func(n Notification) { got = n })
	next := &transit.Stop{ID: "c", Name: "Third"}
	g.OnStatusComputed("bus-1", "c", Assessment{Status: StatusApproaching}, next)
	if got.Data.NextStopID != "c" {
		t.Fatalf("next stop id = %q, want c", got.Data.NextStopID)
	}
	var hook int
	g.OnEmit(func() { hook++ })
	g.OnStatusComputed("bus-1", "c", Assessment{Status: StatusPassed}, nil)
	if hook != 1 {
		t.Fatalf("emit hook fired %d times, want 1", hook)
	}
}
