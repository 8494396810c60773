package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bustrack/services/vehicle-tracker/internal/tracking"
)

// The outbox decouples notification emission from websocket delivery: the
// gate's callback must not block, and a flapping hub must not lose
// approaching/passed events riders asked for.

// DB is the subset of pgxpool.Pool the outbox needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Broadcaster delivers one payload to every connected client.
type Broadcaster interface {
	BroadcastJSON(payload interface{}) error
}

func EnsureSchema(db DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notification_outbox (
			id UUID PRIMARY KEY,
			event_type TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			rider_stop_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_notification_outbox_next_attempt ON notification_outbox(next_attempt_time)`); err != nil {
		return err
	}
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notification_dead_letters (
			id UUID PRIMARY KEY,
			source_id UUID NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			last_error TEXT,
			attempts INT NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Enqueue persists one notification for delivery. Safe to call from the
// gate's subscriber callback; a single insert, no transaction needed.
func Enqueue(db DB, n tracking.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = db.Exec(ctx, `
		INSERT INTO notification_outbox(id, event_type, vehicle_id, rider_stop_id, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`, n.EventID, n.EventType, n.Data.VehicleID, n.Data.RiderStopID, payload, n.OccurredAt)
	return err
}

type row struct {
	id        string
	eventType string
	payload   []byte
}

func fetchPending(ctx context.Context, db DB, limit int) ([]row, error) {
	rows, err := db.Query(ctx, `
		SELECT id, event_type, payload
		FROM notification_outbox
		WHERE status IN ('pending','error') AND next_attempt_time <= NOW()
		ORDER BY next_attempt_time
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.eventType, &r.payload); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func markPublished(ctx context.Context, db DB, id string) error {
	_, err := db.Exec(ctx, `UPDATE notification_outbox SET status='published', attempts=attempts+1 WHERE id=$1`, id)
	return err
}

func markFailed(ctx context.Context, db DB, id, lastError string) error {
	var attempts int
	if err := db.QueryRow(ctx, `SELECT attempts FROM notification_outbox WHERE id=$1`, id).Scan(&attempts); err != nil {
		return err
	}
	if attempts >= 9 {
		if _, err := db.Exec(ctx, `
			INSERT INTO notification_dead_letters(id, source_id, event_type, payload, last_error, attempts)
			SELECT $1, id, event_type, payload, $2, attempts+1
			FROM notification_outbox WHERE id=$3
		`, uuid.NewString(), lastError, id); err != nil {
			return err
		}
		_, err := db.Exec(ctx, `UPDATE notification_outbox SET status='dead', attempts=attempts+1, last_error=$2 WHERE id=$1`, id, lastError)
		return err
	}
	var nextSeconds int
	switch {
	case attempts < 3:
		nextSeconds = 1
	case attempts < 6:
		nextSeconds = 5
	default:
		nextSeconds = 30
	}
	_, err := db.Exec(ctx, `
		UPDATE notification_outbox
		SET attempts=attempts+1, last_error=$2, status='error', next_attempt_time=NOW() + ($3 * INTERVAL '1 second')
		WHERE id=$1
	`, id, lastError, nextSeconds)
	return err
}

// drainOnce pushes one batch of pending notifications to the hub.
func drainOnce(ctx context.Context, db DB, hub Broadcaster) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pending, err := fetchPending(pctx, db, 100)
	cancel()
	if err != nil {
		slog.Warn("outbox fetch failed", "error", err)
		return
	}
	for _, r := range pending {
		var msg map[string]interface{}
		if err := json.Unmarshal(r.payload, &msg); err != nil {
			fctx, fcancel := context.WithTimeout(ctx, 5*time.Second)
			_ = markFailed(fctx, db, r.id, err.Error())
			fcancel()
			continue
		}
		if err := hub.BroadcastJSON(msg); err != nil {
			fctx, fcancel := context.WithTimeout(ctx, 5*time.Second)
			_ = markFailed(fctx, db, r.id, err.Error())
			fcancel()
			continue
		}
		mctx, mcancel := context.WithTimeout(ctx, 5*time.Second)
		_ = markPublished(mctx, db, r.id)
		mcancel()
	}
}

// StartPublisher drains pending notifications to the websocket hub until ctx
// is done.
func StartPublisher(ctx context.Context, db DB, hub Broadcaster) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			drainOnce(ctx, db, hub)
		}
	}
}
