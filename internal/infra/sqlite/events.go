package sqlite

import (
	"database/sql"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// ─── Event Repository ───────────────────────────────────────────────────────
// Sync-state guards live here: once an event is synced no update touches
// it again, so the state machine cannot regress even under races.

// InsertEvent persists a freshly captured event.
func (d *DB) InsertEvent(e domain.WeighingEvent) error {
	_, err := d.db.Exec(
		`INSERT INTO events (id, device_id, cloud_session_id, offline_mode, offline_batch_id,
			plu_code, product_name, weight_grams, barcode, scale_timestamp,
			received_at, source_ip, raw_data, sync_status, cloud_id, synced_at,
			sync_attempts, last_sync_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.CloudSessionID, e.OfflineMode, nullableString(e.OfflineBatchID),
		e.PLUCode, e.ProductName, e.WeightGrams, e.Barcode, e.ScaleTimestamp,
		e.ReceivedAt.UnixMilli(), e.SourceIP, e.RawData, string(e.SyncStatus),
		e.CloudID, nullableUnixMilli(e.SyncedAt), e.SyncAttempts, e.LastSyncError,
	)
	return err
}

// GetEvent retrieves a single event by id. Returns (nil, nil) if absent.
func (d *DB) GetEvent(id string) (*domain.WeighingEvent, error) {
	row := d.db.QueryRow(eventSelect+` WHERE id = ?`, id)
	return scanEvent(row)
}

// MarkEventStreaming moves a pending event to streaming and counts the
// attempt. Synced events are never touched.
func (d *DB) MarkEventStreaming(id string) error {
	_, err := d.db.Exec(
		`UPDATE events SET sync_status = ?, sync_attempts = sync_attempts + 1
		 WHERE id = ? AND sync_status != ?`,
		string(domain.SyncStreaming), id, string(domain.SyncSynced),
	)
	return err
}

// MarkEventSynced records a successful (or duplicate) ack. Terminal.
func (d *DB) MarkEventSynced(id, cloudID string, at time.Time) error {
	_, err := d.db.Exec(
		`UPDATE events SET sync_status = ?, cloud_id = ?, synced_at = ?, last_sync_error = ''
		 WHERE id = ? AND sync_status != ?`,
		string(domain.SyncSynced), cloudID, at.UnixMilli(), id, string(domain.SyncSynced),
	)
	return err
}

// MarkEventFailed records a failed delivery. Rejected events (the Cloud
// said no, with a reason) leave the retry pool permanently; transport
// failures remain eligible for RequeueFailed.
func (d *DB) MarkEventFailed(id, reason string, rejected bool) error {
	_, err := d.db.Exec(
		`UPDATE events SET sync_status = ?, last_sync_error = ?, rejected = ?
		 WHERE id = ? AND sync_status != ?`,
		string(domain.SyncFailed), reason, rejected, id, string(domain.SyncSynced),
	)
	return err
}

// RequeueFailed moves non-rejected failed events back to pending so the
// retry timer can re-send them. Returns the number requeued.
func (d *DB) RequeueFailed() (int64, error) {
	res, err := d.db.Exec(
		`UPDATE events SET sync_status = ? WHERE sync_status = ? AND rejected = 0`,
		string(domain.SyncPending), string(domain.SyncFailed),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingEvents returns up to limit pending events, oldest first.
func (d *DB) PendingEvents(limit int) ([]domain.WeighingEvent, error) {
	rows, err := d.db.Query(
		eventSelect+` WHERE sync_status = ? ORDER BY received_at ASC LIMIT ?`,
		string(domain.SyncPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// RecentEvents returns up to limit events, newest first. Used by the
// admin API.
func (d *DB) RecentEvents(limit int) ([]domain.WeighingEvent, error) {
	rows, err := d.db.Query(
		eventSelect+` ORDER BY received_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CountBatchEvents counts all events assigned to an offline batch.
func (d *DB) CountBatchEvents(batchID string) (int64, error) {
	var n int64
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE offline_batch_id = ?`, batchID,
	).Scan(&n)
	return n, err
}

// UnsyncedBatchEvents counts events in a batch that have not reached
// synced yet. Zero means the batch can be marked synced locally.
func (d *DB) UnsyncedBatchEvents(batchID string) (int64, error) {
	var n int64
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE offline_batch_id = ? AND sync_status != ?`,
		batchID, string(domain.SyncSynced),
	).Scan(&n)
	return n, err
}

// PruneSyncedEvents deletes synced events received before cutoff.
func (d *DB) PruneSyncedEvents(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(
		`DELETE FROM events WHERE sync_status = ? AND received_at < ?`,
		string(domain.SyncSynced), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const eventSelect = `SELECT id, device_id, cloud_session_id, offline_mode, offline_batch_id,
	plu_code, product_name, weight_grams, barcode, scale_timestamp,
	received_at, source_ip, raw_data, sync_status, cloud_id, synced_at,
	sync_attempts, last_sync_error
	FROM events`

func scanEvent(s scanner) (*domain.WeighingEvent, error) {
	var e domain.WeighingEvent
	var batchID sql.NullString
	var status string
	var receivedAt int64
	var syncedAt sql.NullInt64

	err := s.Scan(&e.ID, &e.DeviceID, &e.CloudSessionID, &e.OfflineMode, &batchID,
		&e.PLUCode, &e.ProductName, &e.WeightGrams, &e.Barcode, &e.ScaleTimestamp,
		&receivedAt, &e.SourceIP, &e.RawData, &status, &e.CloudID, &syncedAt,
		&e.SyncAttempts, &e.LastSyncError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.OfflineBatchID = batchID.String
	e.SyncStatus = domain.SyncStatus(status)
	e.ReceivedAt = time.UnixMilli(receivedAt)
	e.SyncedAt = timeFromMilli(syncedAt)
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]domain.WeighingEvent, error) {
	var events []domain.WeighingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
