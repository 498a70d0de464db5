package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skobkin/adbwire/internal/adb"
)

// DeviceRecord is the last known state of a device.
type DeviceRecord struct {
	Device     adb.Device
	LastSeenAt time.Time
}

type DeviceRepo struct {
	db *sql.DB
}

func NewDeviceRepo(db *sql.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// Upsert stores d as seen at seenAt. Empty descriptive fields keep their stored value so a
// short-format update does not erase what a long-format list reported earlier.
func (r *DeviceRepo) Upsert(ctx context.Context, d adb.Device, seenAt time.Time) error {
	features, err := marshalJSONNullable(d.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices(serial, state, product, model, name, transport_id, features, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			state = excluded.state,
			product = COALESCE(excluded.product, devices.product),
			model = COALESCE(excluded.model, devices.model),
			name = COALESCE(excluded.name, devices.name),
			transport_id = excluded.transport_id,
			features = COALESCE(excluded.features, devices.features),
			last_seen_at = excluded.last_seen_at
	`, d.Serial, string(d.State), nullableString(d.Product), nullableString(d.Model), nullableString(d.Name),
		// #nosec G115 -- transport ids are small counters assigned by the adb server.
		int64(d.TransportID), features, toUnixMillis(seenAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// List returns every known device, most recently seen first.
func (r *DeviceRepo) List(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT serial, state, product, model, name, transport_id, features, last_seen_at
		FROM devices
		ORDER BY last_seen_at DESC, serial ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var (
			rec         DeviceRecord
			state       string
			product     sql.NullString
			model       sql.NullString
			name        sql.NullString
			transportID int64
			features    sql.NullString
			seenMs      int64
		)
		if err := rows.Scan(&rec.Device.Serial, &state, &product, &model, &name, &transportID, &features, &seenMs); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		rec.Device.State = adb.ParseDeviceState(state)
		rec.Device.Product = product.String
		rec.Device.Model = model.String
		rec.Device.Name = name.String
		// #nosec G115 -- written from a uint64 by Upsert.
		rec.Device.TransportID = uint64(transportID)
		if features.Valid {
			if err := json.Unmarshal([]byte(features.String), &rec.Device.Features); err != nil {
				return nil, fmt.Errorf("decode features of %s: %w", rec.Device.Serial, err)
			}
		}
		rec.LastSeenAt = fromUnixMillis(seenMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}
