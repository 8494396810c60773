package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bustrack/services/vehicle-tracker/internal/geo"
	"bustrack/services/vehicle-tracker/internal/metrics"
	"bustrack/services/vehicle-tracker/internal/roadroute"
	"bustrack/services/vehicle-tracker/internal/transit"
)

var (
	ErrStopNotOnRoute  = errors.New("rider stop not on vehicle route")
	ErrUnknownVehicle  = errors.New("vehicle not tracked")
	ErrSessionNotFound = errors.New("tracking session not found")
)

// Config holds the engine's tunables. The approach radius and stopped-speed
// threshold are deliberately not here; those are classifier constants.
type Config struct {
	// DefaultCruiseKmh backs ETA when no live or derived speed exists.
	DefaultCruiseKmh float64
	// OfflineTimeout is how long a vehicle may stay silent before the
	// sweeper marks it offline.
	OfflineTimeout time.Duration
	// RouteDebounce is the minimum interval between polyline recomputations
	// for one session, absent a direction change.
	RouteDebounce time.Duration
	// RouteRefreshKm is how far the vehicle must move before a fresh
	// polyline is worth fetching.
	RouteRefreshKm float64
}

// Service is the position-interpretation engine. One instance serves all
// vehicles; each vehicle's state has a single writer at a time.
type Service struct {
	dir  transit.Directory
	seg  *roadroute.Segmenter
	gate *Gate
	cfg  Config

	mu       sync.Mutex
	vehicles map[string]*vehicleEntry
}

// vehicleEntry pairs a vehicle's track state with its open rider sessions.
// entry.mu serializes the per-vehicle update path; the registry lock is never
// held while applying a report, so vehicles update in parallel.
type vehicleEntry struct {
	mu       sync.Mutex
	state    *VehicleTrackState
	sessions map[string]*session
	lastSeen time.Time
}

// session is one rider stop being watched against one vehicle.
type session struct {
	riderStopID string

	// Road polyline state. Recomputed asynchronously: a slow router must
	// never delay status delivery, and a stale result must never land.
	polyline    *roadroute.Polyline
	polylineAt  time.Time
	polylinePos geo.Point
	routeGen    uint64
	routeCancel context.CancelFunc

	lastAssessment Assessment
}

func NewService(dir transit.Directory, seg *roadroute.Segmenter, gate *Gate, cfg Config) *Service {
	if cfg.DefaultCruiseKmh <= 0 {
		cfg.DefaultCruiseKmh = 30
	}
	if cfg.RouteDebounce <= 0 {
		cfg.RouteDebounce = 10 * time.Second
	}
	if cfg.RouteRefreshKm <= 0 {
		cfg.RouteRefreshKm = 0.25
	}
	return &Service{
		dir:      dir,
		seg:      seg,
		gate:     gate,
		cfg:      cfg,
		vehicles: make(map[string]*vehicleEntry),
	}
}

// Subscribe registers a callback for notification events.
func (s *Service) Subscribe(fn Subscriber) { s.gate.Subscribe(fn) }

// Snapshot is the rider-facing view of one session.
type Snapshot struct {
	VehicleID    string      `json:"vehicle_id"`
	RiderStopID  string      `json:"rider_stop_id"`
	Phase        string      `json:"phase"`
	Assessment   Assessment  `json:"assessment"`
	Progress     Progress    `json:"progress"`
	RoadPolyline []geo.Point `json:"road_polyline,omitempty"`
}

// StartTracking opens a session for a rider stop against a vehicle and
// returns the initial snapshot. A directory miss is fatal to the session:
// no partial state is created.
func (s *Service) StartTracking(ctx context.Context, vehicleID, riderStopID string) (Snapshot, error) {
	route, err := s.dir.RouteForVehicle(ctx, vehicleID)
	if err != nil {
		return Snapshot{}, err
	}
	if route.IndexOf(riderStopID) < 0 {
		return Snapshot{}, fmt.Errorf("%w: stop %s, route %s", ErrStopNotOnRoute, riderStopID, route.ID)
	}

	entry := s.entryFor(vehicleID)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state == nil {
		entry.state = NewVehicleTrackState(vehicleID, route)
	} else if entry.state.Route == nil {
		// The vehicle reported before the directory knew it.
		entry.state.Route = route
	}
	sess, ok := entry.sessions[riderStopID]
	if !ok {
		sess = &session{riderStopID: riderStopID}
		entry.sessions[riderStopID] = sess
		metrics.ActiveSessions.Inc()
	}
	sess.lastAssessment = Classify(entry.state, riderStopID, sess.polyline, s.cfg.DefaultCruiseKmh)
	if entry.state.hasFix {
		s.maybeRecomputeRoute(entry, sess, false)
	}
	return s.snapshotLocked(entry, sess), nil
}

// StopTracking closes a session and releases vehicle state once nothing
// watches it.
func (s *Service) StopTracking(vehicleID, riderStopID string) error {
	s.mu.Lock()
	entry, ok := s.vehicles[vehicleID]
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	entry.mu.Lock()
	sess, ok := entry.sessions[riderStopID]
	if !ok {
		entry.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.routeCancel != nil {
		sess.routeCancel()
	}
	delete(entry.sessions, riderStopID)
	metrics.ActiveSessions.Dec()
	empty := len(entry.sessions) == 0
	entry.mu.Unlock()

	s.gate.Forget(vehicleID, riderStopID)
	if empty {
		s.removeVehicle(vehicleID)
	}
	return nil
}

// CurrentStatus returns the session snapshot from maintained state. O(1),
// nothing recomputed.
func (s *Service) CurrentStatus(vehicleID, riderStopID string) (Snapshot, error) {
	s.mu.Lock()
	entry, ok := s.vehicles[vehicleID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrUnknownVehicle
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	sess, ok := entry.sessions[riderStopID]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshotLocked(entry, sess), nil
}

// HandleReport feeds one position report through the engine. Status and ETA
// update synchronously for every open session; road polylines refresh in the
// background.
func (s *Service) HandleReport(ctx context.Context, rep *PositionReport) error {
	if err := rep.Validate(); err != nil {
		metrics.RejectedReportsTotal.Inc()
		slog.Warn("rejected position report", "vehicle_id", rep.VehicleID, "error", err)
		return err
	}

	entry := s.entryFor(rep.VehicleID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state == nil || entry.state.Route == nil {
		// First-ever report is indistinguishable from a misrouted one, so
		// it creates fresh state instead of failing. While the route stays
		// unresolved, each report retries the lookup.
		route, err := s.dir.RouteForVehicle(ctx, rep.VehicleID)
		if err != nil {
			if !errors.Is(err, transit.ErrVehicleNotConfigured) {
				slog.Warn("directory lookup failed", "vehicle_id", rep.VehicleID, "error", err)
			}
			route = nil
		}
		if entry.state == nil {
			entry.state = NewVehicleTrackState(rep.VehicleID, route)
		} else {
			entry.state.Route = route
		}
	}

	res, err := entry.state.Apply(rep, s.riderHintLocked(entry))
	if err != nil {
		metrics.RejectedReportsTotal.Inc()
		slog.Warn("rejected position report", "vehicle_id", rep.VehicleID, "error", err)
		return err
	}
	entry.lastSeen = time.Now()
	if res.Duplicate {
		return nil
	}
	metrics.PositionReportsTotal.Inc()
	if res.DirectionChanged {
		metrics.DirectionChangesTotal.Inc()
		slog.Info("direction resolved", "vehicle_id", rep.VehicleID,
			"direction", entry.state.Direction.String())
	}

	for _, sess := range entry.sessions {
		sess.lastAssessment = Classify(entry.state, sess.riderStopID, sess.polyline, s.cfg.DefaultCruiseKmh)
		s.gate.OnStatusComputed(rep.VehicleID, sess.riderStopID, sess.lastAssessment, entry.state.Progress().NextStop)
		s.maybeRecomputeRoute(entry, sess, res.DirectionChanged)
	}
	return nil
}

// MarkOffline transitions a vehicle to offline. Its next report starts a
// fresh inference cycle.
func (s *Service) MarkOffline(vehicleID string) error {
	s.mu.Lock()
	entry, ok := s.vehicles[vehicleID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownVehicle
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state != nil {
		entry.state.MarkOffline()
	}
	for _, sess := range entry.sessions {
		if sess.routeCancel != nil {
			sess.routeCancel()
			sess.routeCancel = nil
		}
		sess.polyline = nil
	}
	slog.Info("vehicle marked offline", "vehicle_id", vehicleID)
	return nil
}

// Run drives the offline sweeper until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.OfflineTimeout <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(s.cfg.OfflineTimeout / 4)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOffline()
		}
	}
}

func (s *Service) sweepOffline() {
	cutoff := time.Now().Add(-s.cfg.OfflineTimeout)

	s.mu.Lock()
	ids := make([]string, 0, len(s.vehicles))
	for id := range s.vehicles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		entry, ok := s.vehicles[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		entry.mu.Lock()
		quiet := !entry.lastSeen.IsZero() && entry.lastSeen.Before(cutoff)
		watched := len(entry.sessions) > 0
		alreadyOffline := entry.state != nil && entry.state.Phase == PhaseOffline
		entry.mu.Unlock()
		if !quiet || alreadyOffline {
			continue
		}
		if watched {
			_ = s.MarkOffline(id)
		} else {
			// Nobody watching and nothing reporting: drop the state.
			s.removeVehicle(id)
		}
	}
}

// HandleEvent adapts the engine to the platform's Kafka envelope. It is the
// consumer callback for the position topic.
func (s *Service) HandleEvent(ctx context.Context, topic string, _, value []byte) error {
	var envelope struct {
		EventID    string          `json:"event_id"`
		OccurredAt time.Time       `json:"occurred_at"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil {
		metrics.RejectedReportsTotal.Inc()
		return err
	}
	var rep PositionReport
	if err := json.Unmarshal(envelope.Data, &rep); err != nil {
		metrics.RejectedReportsTotal.Inc()
		return err
	}
	if rep.RecordedAt.IsZero() {
		rep.RecordedAt = envelope.OccurredAt
	}
	return s.HandleReport(ctx, &rep)
}

func (s *Service) entryFor(vehicleID string) *vehicleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.vehicles[vehicleID]
	if !ok {
		entry = &vehicleEntry{sessions: make(map[string]*session)}
		s.vehicles[vehicleID] = entry
		metrics.TrackedVehicles.Set(float64(len(s.vehicles)))
	}
	return entry
}

func (s *Service) removeVehicle(vehicleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.vehicles[vehicleID]; ok {
		entry.mu.Lock()
		for _, sess := range entry.sessions {
			if sess.routeCancel != nil {
				sess.routeCancel()
			}
		}
		entry.mu.Unlock()
		delete(s.vehicles, vehicleID)
		metrics.TrackedVehicles.Set(float64(len(s.vehicles)))
	}
}

// riderHintLocked picks a stable rider stop to bias direction inference.
// Caller holds entry.mu.
func (s *Service) riderHintLocked(entry *vehicleEntry) string {
	if len(entry.sessions) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.sessions))
	for k := range entry.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

func (s *Service) snapshotLocked(entry *vehicleEntry, sess *session) Snapshot {
	snap := Snapshot{
		VehicleID:   entry.state.VehicleID,
		RiderStopID: sess.riderStopID,
		Phase:       entry.state.Phase.String(),
		Assessment:  sess.lastAssessment,
		Progress:    entry.state.Progress(),
	}
	if sess.polyline != nil {
		snap.RoadPolyline = sess.polyline.Points
	}
	return snap
}

// maybeRecomputeRoute starts a background polyline rebuild when the vehicle
// has moved materially, the direction flipped, or no polyline exists yet.
// The routing call runs off the report path; a newer generation invalidates
// whatever an older in-flight request returns. Caller holds entry.mu.
func (s *Service) maybeRecomputeRoute(entry *vehicleEntry, sess *session, directionChanged bool) {
	st := entry.state
	if st == nil || !st.hasFix || st.Route == nil {
		return
	}
	if !directionChanged && sess.polyline != nil {
		if time.Since(sess.polylineAt) < s.cfg.RouteDebounce {
			return
		}
		if geo.DistanceKm(st.Current, sess.polylinePos) < s.cfg.RouteRefreshKm {
			return
		}
	}

	waypoints := s.routeWaypointsLocked(st, sess.riderStopID)
	if len(waypoints) < 2 {
		return
	}

	if sess.routeCancel != nil {
		sess.routeCancel()
	}
	sess.routeGen++
	gen := sess.routeGen
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sess.routeCancel = cancel
	pos := st.Current

	go func() {
		defer cancel()
		poly := s.seg.BuildPolyline(ctx, waypoints)
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if sess.routeGen != gen {
			// A newer position superseded this request; discard.
			return
		}
		sess.polyline = &poly
		sess.polylineAt = time.Now()
		sess.polylinePos = pos
		// Road distance can move the status across the approach boundary.
		sess.lastAssessment = Classify(entry.state, sess.riderStopID, sess.polyline, s.cfg.DefaultCruiseKmh)
		s.gate.OnStatusComputed(entry.state.VehicleID, sess.riderStopID, sess.lastAssessment, entry.state.Progress().NextStop)
	}()
}

// routeWaypointsLocked builds the waypoint list from the vehicle through the
// not-yet-passed stops up to and including the rider's stop, in travel order.
// With no resolved direction it degrades to vehicle -> rider stop.
func (s *Service) routeWaypointsLocked(st *VehicleTrackState, riderStopID string) []geo.Point {
	riderStop := st.Route.StopByID(riderStopID)
	if riderStop == nil {
		return nil
	}
	pts := []geo.Point{st.Current}
	if st.Phase != PhaseTracking {
		return append(pts, riderStop.Position)
	}
	riderIdx := st.StopIndexInTravelOrder(riderStopID)
	if riderIdx < st.nextIdx {
		// Already passed; the only meaningful path is vehicle -> stop.
		return append(pts, riderStop.Position)
	}
	for i := st.nextIdx; i <= riderIdx; i++ {
		pts = append(pts, st.ordered[i].Position)
	}
	return pts
}
