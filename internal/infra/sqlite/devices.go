package sqlite

import (
	"database/sql"

	"github.com/carnitrack/edge/internal/domain"
)

// ─── Device Repository ──────────────────────────────────────────────────────

// UpsertDevice inserts or updates a device record.
func (d *DB) UpsertDevice(dev domain.Device) error {
	_, err := d.db.Exec(
		`INSERT INTO devices (device_id, global_device_id, display_name, location, device_type,
			status, tcp_connected, last_heartbeat_at, last_event_at, heartbeat_count,
			event_count, connected_at, source_ip, active_cloud_session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			global_device_id=excluded.global_device_id,
			display_name=excluded.display_name,
			location=excluded.location,
			device_type=excluded.device_type,
			status=excluded.status,
			tcp_connected=excluded.tcp_connected,
			last_heartbeat_at=excluded.last_heartbeat_at,
			last_event_at=excluded.last_event_at,
			heartbeat_count=excluded.heartbeat_count,
			event_count=excluded.event_count,
			connected_at=excluded.connected_at,
			source_ip=excluded.source_ip,
			active_cloud_session_id=excluded.active_cloud_session_id`,
		dev.DeviceID, dev.GlobalDeviceID, dev.DisplayName, dev.Location, string(dev.Type),
		string(dev.Status), dev.TCPConnected,
		nullableUnixMilli(dev.LastHeartbeatAt), nullableUnixMilli(dev.LastEventAt),
		dev.HeartbeatCount, dev.EventCount, nullableUnixMilli(dev.ConnectedAt),
		dev.SourceIP, dev.ActiveCloudSessionID,
	)
	return err
}

// GetDevice retrieves a single device by id. Returns (nil, nil) if absent.
func (d *DB) GetDevice(deviceID string) (*domain.Device, error) {
	row := d.db.QueryRow(deviceSelect+` WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

// ListDevices returns all known devices ordered by device id.
func (d *DB) ListDevices() ([]domain.Device, error) {
	rows, err := d.db.Query(deviceSelect + ` ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

const deviceSelect = `SELECT device_id, global_device_id, display_name, location, device_type,
	status, tcp_connected, last_heartbeat_at, last_event_at, heartbeat_count,
	event_count, connected_at, source_ip, active_cloud_session_id
	FROM devices`

func scanDevice(s scanner) (*domain.Device, error) {
	var dev domain.Device
	var devType, status string
	var lastHB, lastEvent, connectedAt sql.NullInt64

	err := s.Scan(&dev.DeviceID, &dev.GlobalDeviceID, &dev.DisplayName, &dev.Location,
		&devType, &status, &dev.TCPConnected, &lastHB, &lastEvent,
		&dev.HeartbeatCount, &dev.EventCount, &connectedAt,
		&dev.SourceIP, &dev.ActiveCloudSessionID)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	dev.Type = domain.DeviceType(devType)
	dev.Status = domain.DeviceStatus(status)
	dev.LastHeartbeatAt = timeFromMilli(lastHB)
	dev.LastEventAt = timeFromMilli(lastEvent)
	dev.ConnectedAt = timeFromMilli(connectedAt)
	return &dev, nil
}
