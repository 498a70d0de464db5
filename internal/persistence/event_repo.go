package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/events"
)

// EventRecord is one stored device event.
type EventRecord struct {
	ID     string
	Serial string
	Kind   events.DeviceEventKind
	State  adb.DeviceState
	At     time.Time
}

type EventRepo struct {
	db    *sql.DB
	newID func() string
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db, newID: uuid.NewString}
}

// Append stores ev and returns its generated id.
func (r *EventRepo) Append(ctx context.Context, ev events.DeviceEvent) (string, error) {
	id := r.newID()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_events(id, serial, kind, state, at)
		VALUES (?, ?, ?, ?, ?)
	`, id, ev.Device.Serial, string(ev.Kind), string(ev.Device.State), toUnixMillis(ev.At))
	if err != nil {
		return "", fmt.Errorf("append device event: %w", err)
	}
	return id, nil
}

// ListBySerial returns up to limit events of serial, newest first. A non-positive limit
// returns all of them.
func (r *EventRepo) ListBySerial(ctx context.Context, serial string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, serial, kind, state, at
		FROM device_events
		WHERE serial = ?
		ORDER BY at DESC, rowid DESC
		LIMIT ?
	`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("list device events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec   EventRecord
			kind  string
			state string
			atMs  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Serial, &kind, &state, &atMs); err != nil {
			return nil, fmt.Errorf("scan device event: %w", err)
		}
		rec.Kind = events.DeviceEventKind(kind)
		rec.State = adb.ParseDeviceState(state)
		rec.At = fromUnixMillis(atMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device events: %w", err)
	}
	return out, nil
}
