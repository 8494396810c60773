package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"bustrack/services/vehicle-tracker/internal/tracking"
	"bustrack/services/vehicle-tracker/internal/transit"
	whub "bustrack/services/vehicle-tracker/internal/websocket"
)

// Server is the rider-facing REST surface over the tracking engine.
type Server struct {
	svc *tracking.Service
	hub *whub.Hub
	db  Pinger
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func NewServer(svc *tracking.Service, hub *whub.Hub, db Pinger) *Server {
	return &Server{svc: svc, hub: hub, db: db}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /track", s.handleTrack)
	mux.HandleFunc("POST /untrack", s.handleUntrack)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /offline", s.handleOffline)
	if s.hub != nil {
		mux.HandleFunc("GET /ws/updates", s.hub.ServeWS)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.db != nil {
			if err := s.db.Ping(r.Context()); err != nil {
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

type trackRequest struct {
	VehicleID   string `json:"vehicle_id"`
	RiderStopID string `json:"rider_stop_id"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VehicleID == "" || req.RiderStopID == "" {
		http.Error(w, "vehicle_id and rider_stop_id required", http.StatusBadRequest)
		return
	}
	snap, err := s.svc.StartTracking(r.Context(), req.VehicleID, req.RiderStopID)
	if err != nil {
		s.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VehicleID == "" || req.RiderStopID == "" {
		http.Error(w, "vehicle_id and rider_stop_id required", http.StatusBadRequest)
		return
	}
	if err := s.svc.StopTracking(req.VehicleID, req.RiderStopID); err != nil {
		s.writeTrackingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.URL.Query().Get("vehicle_id")
	riderStopID := r.URL.Query().Get("rider_stop_id")
	if vehicleID == "" || riderStopID == "" {
		http.Error(w, "vehicle_id and rider_stop_id required", http.StatusBadRequest)
		return
	}
	snap, err := s.svc.CurrentStatus(vehicleID, riderStopID)
	if err != nil {
		s.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleID string `json:"vehicle_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VehicleID == "" {
		http.Error(w, "vehicle_id required", http.StatusBadRequest)
		return
	}
	if err := s.svc.MarkOffline(req.VehicleID); err != nil {
		s.writeTrackingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeTrackingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transit.ErrVehicleNotConfigured),
		errors.Is(err, tracking.ErrStopNotOnRoute):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, tracking.ErrUnknownVehicle),
		errors.Is(err, tracking.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
