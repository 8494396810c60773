package transit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrVehicleNotConfigured means the directory has no route assignment for a
// vehicle. A tracking session cannot start against such a vehicle.
var ErrVehicleNotConfigured = errors.New("vehicle not configured")

// Directory resolves a vehicle id to its assigned route. The fleet database
// is the system of record; the engine only reads it.
type Directory interface {
	RouteForVehicle(ctx context.Context, vehicleID string) (*Route, error)
}

// PGDirectory reads routes, stops and vehicle assignments from Postgres.
type PGDirectory struct {
	db *pgxpool.Pool
}

func NewPGDirectory(db *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) RouteForVehicle(ctx context.Context, vehicleID string) (*Route, error) {
	var routeID, routeName string
	err := d.db.QueryRow(ctx, `
		SELECT r.route_id, r.name
		FROM vehicle_assignments va
		JOIN routes r ON r.route_id = va.route_id
		WHERE va.vehicle_id = $1
	`, vehicleID).Scan(&routeID, &routeName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrVehicleNotConfigured, vehicleID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := d.db.Query(ctx, `
		SELECT s.stop_id, s.name, s.code, s.lat, s.lng
		FROM route_stops rs
		JOIN stops s ON s.stop_id = rs.stop_id
		WHERE rs.route_id = $1
		ORDER BY rs.seq
	`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	route := &Route{ID: routeID, Name: routeName}
	for rows.Next() {
		var s Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Code, &s.Position.Lat, &s.Position.Lng); err != nil {
			return nil, err
		}
		route.Stops = append(route.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !route.Valid() {
		return nil, fmt.Errorf("%w: route %s has %d stops", ErrVehicleNotConfigured, routeID, len(route.Stops))
	}
	return route, nil
}
