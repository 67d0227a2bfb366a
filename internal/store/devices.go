// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var (
	deviceRepoOnce     sync.Once
	deviceRepoInstance *DeviceRepository
)

// Device is a per-device catalog row: its send policy and running counters.
type Device struct {
	ID           string `db:"id"`
	SendLogs     bool   `db:"send_logs"`
	FilterLevel  int    `db:"filter_level"`
	SendInterval int    `db:"send_interval"`
	BytesSent    int64  `db:"bytes_sent"`
	LogsCount    int64  `db:"logs_count"`
	CreatedAt    int64  `db:"created_at"`
	LastUploadAt *int64 `db:"last_upload_at"`
}

// DeviceProp is one (key, value) metadata pair attached to a device, e.g.
// its OS, app version, or hardware model.
type DeviceProp struct {
	DeviceID string `db:"device_id"`
	Key      string `db:"key"`
	Value    string `db:"value"`
}

// DeviceSettings is the subset of a device row an operator may edit, either
// one at a time or in a bulk edit across a device-id set.
type DeviceSettings struct {
	SendLogs     bool
	FilterLevel  int
	SendInterval int
}

var deviceColumns = []string{
	"id", "send_logs", "filter_level", "send_interval",
	"bytes_sent", "logs_count", "created_at", "last_upload_at",
}

// DeviceRepository owns the devices and device_props catalog tables.
type DeviceRepository struct {
	DB *sqlx.DB

	stmtCache *sq.StmtCache
}

// GetDeviceRepository returns the process-wide device repository.
func GetDeviceRepository() *DeviceRepository {
	deviceRepoOnce.Do(func() {
		db := GetConnection()
		deviceRepoInstance = &DeviceRepository{
			DB:        db.DB,
			stmtCache: sq.NewStmtCache(db.DB),
		}
	})

	return deviceRepoInstance
}

func scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	d := &Device{}
	var lastUploadAt sql.NullInt64
	if err := row.Scan(
		&d.ID,
		&d.SendLogs,
		&d.FilterLevel,
		&d.SendInterval,
		&d.BytesSent,
		&d.LogsCount,
		&d.CreatedAt,
		&lastUploadAt,
	); err != nil {
		return nil, err
	}
	if lastUploadAt.Valid {
		d.LastUploadAt = &lastUploadAt.Int64
	}
	return d, nil
}

// GetDevice returns the device row for id, or sql.ErrNoRows if it does not
// exist yet.
func (r *DeviceRepository) GetDevice(id string) (*Device, error) {
	q := sq.Select(deviceColumns...).From("devices").Where(sq.Eq{"id": id})
	return scanDevice(q.RunWith(r.stmtCache).QueryRow())
}

// ListDevices returns every known device, ordered by id.
func (r *DeviceRepository) ListDevices() ([]*Device, error) {
	rows, err := sq.Select(deviceColumns...).From("devices").OrderBy("id").RunWith(r.stmtCache).Query()
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*Device, 0, 16)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

// UpdateDeviceStats records an upload from device id: it upserts the device
// row (creating it with default settings on first contact), adds bytes and
// count to the running totals, and stamps last_upload_at. Failure here must
// be logged by the caller but must never abort the ingest pipeline.
func (r *DeviceRepository) UpdateDeviceStats(id string, bytes int64, count int64, now int64) error {
	_, err := r.DB.Exec(`
		INSERT INTO devices (id, created_at, last_upload_at, bytes_sent, logs_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_upload_at = excluded.last_upload_at,
			bytes_sent = devices.bytes_sent + excluded.bytes_sent,
			logs_count = devices.logs_count + excluded.logs_count
	`, id, now, now, bytes, count)
	if err != nil {
		return fmt.Errorf("store: update device stats %s: %w", id, err)
	}

	return nil
}

// UpdateDeviceSettings applies an operator-edited send policy to a device,
// creating the row first if the device has never uploaded.
func (r *DeviceRepository) UpdateDeviceSettings(id string, s DeviceSettings, now int64) error {
	_, err := r.DB.Exec(`
		INSERT INTO devices (id, send_logs, filter_level, send_interval, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			send_logs = excluded.send_logs,
			filter_level = excluded.filter_level,
			send_interval = excluded.send_interval
	`, id, s.SendLogs, s.FilterLevel, s.SendInterval, now)
	if err != nil {
		return fmt.Errorf("store: update device settings %s: %w", id, err)
	}

	return nil
}

// BulkUpdateDeviceSettings applies s to every device in ids, matching the
// operator's bulk-edit workflow.
func (r *DeviceRepository) BulkUpdateDeviceSettings(ids []string, s DeviceSettings, now int64) error {
	for _, id := range ids {
		if err := r.UpdateDeviceSettings(id, s, now); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDeviceMetadata replaces a device's metadata property set with props.
func (r *DeviceRepository) UpdateDeviceMetadata(id string, props []DeviceProp) error {
	tx, err := r.DB.Beginx()
	if err != nil {
		return fmt.Errorf("store: begin device metadata tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM device_props WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("store: clear device props %s: %w", id, err)
	}

	stmt, err := tx.Preparex(`INSERT OR IGNORE INTO device_props (device_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare device props insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range props {
		if _, err := stmt.Exec(id, p.Key, p.Value); err != nil {
			return fmt.Errorf("store: insert device prop %s=%s: %w", p.Key, p.Value, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit device metadata tx: %w", err)
	}

	return nil
}

// DeviceMetadata returns the metadata property set for a device.
func (r *DeviceRepository) DeviceMetadata(id string) ([]DeviceProp, error) {
	rows, err := sq.Select("device_id", "key", "value").
		From("device_props").
		Where(sq.Eq{"device_id": id}).
		RunWith(r.stmtCache).
		Query()
	if err != nil {
		return nil, fmt.Errorf("store: query device metadata: %w", err)
	}
	defer rows.Close()

	props := make([]DeviceProp, 0, 8)
	for rows.Next() {
		var p DeviceProp
		if err := rows.Scan(&p.DeviceID, &p.Key, &p.Value); err != nil {
			return nil, err
		}
		props = append(props, p)
	}

	return props, rows.Err()
}
