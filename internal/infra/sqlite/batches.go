package sqlite

import (
	"database/sql"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// ─── Offline Batch Repository ───────────────────────────────────────────────

// InsertBatch persists a newly opened batch.
func (d *DB) InsertBatch(b domain.OfflineBatch) error {
	_, err := d.db.Exec(
		`INSERT INTO offline_batches (batch_id, device_id, started_at, ended_at,
			event_count, total_weight_grams, reconciliation_status,
			cloud_session_id, reconciled_at, reconciled_by, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, nullableString(b.DeviceID), b.StartedAt.UnixMilli(),
		nullableUnixMilli(b.EndedAt), b.EventCount, b.TotalWeightGrams,
		string(b.ReconciliationStatus), b.CloudSessionID,
		nullableUnixMilli(b.ReconciledAt), b.ReconciledBy, b.Notes,
	)
	return err
}

// AddBatchEvent atomically bumps a batch's counters.
func (d *DB) AddBatchEvent(batchID string, weightGrams int64) error {
	_, err := d.db.Exec(
		`UPDATE offline_batches
		 SET event_count = event_count + 1, total_weight_grams = total_weight_grams + ?
		 WHERE batch_id = ?`,
		weightGrams, batchID,
	)
	return err
}

// RemoveBatchEvent reverses AddBatchEvent when the counted event was
// never persisted.
func (d *DB) RemoveBatchEvent(batchID string, weightGrams int64) error {
	_, err := d.db.Exec(
		`UPDATE offline_batches
		 SET event_count = event_count - 1, total_weight_grams = total_weight_grams - ?
		 WHERE batch_id = ? AND event_count > 0`,
		weightGrams, batchID,
	)
	return err
}

// EndBatch sets ended_at on an open batch.
func (d *DB) EndBatch(batchID string, at time.Time) error {
	_, err := d.db.Exec(
		`UPDATE offline_batches SET ended_at = ? WHERE batch_id = ? AND ended_at IS NULL`,
		at.UnixMilli(), batchID,
	)
	return err
}

// SetBatchStatus mirrors the Cloud's reconciliation progression.
func (d *DB) SetBatchStatus(batchID string, status domain.ReconciliationStatus) error {
	_, err := d.db.Exec(
		`UPDATE offline_batches SET reconciliation_status = ? WHERE batch_id = ?`,
		string(status), batchID,
	)
	return err
}

// GetBatch retrieves a batch by id. Returns (nil, nil) if absent.
func (d *DB) GetBatch(batchID string) (*domain.OfflineBatch, error) {
	row := d.db.QueryRow(batchSelect+` WHERE batch_id = ?`, batchID)
	return scanBatch(row)
}

// ListBatches returns all batches, newest first.
func (d *DB) ListBatches() ([]domain.OfflineBatch, error) {
	rows, err := d.db.Query(batchSelect + ` ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

// UnreconciledClosedBatches returns ended batches not yet reconciled
// (pending or in_progress), oldest first. The sync service flushes
// these after every reconnect; in_progress batches re-flush so a crash
// mid-flush cannot strand them.
func (d *DB) UnreconciledClosedBatches() ([]domain.OfflineBatch, error) {
	rows, err := d.db.Query(
		batchSelect+` WHERE ended_at IS NOT NULL AND reconciliation_status IN (?, ?)
		 ORDER BY started_at ASC`,
		string(domain.ReconPending), string(domain.ReconInProgress),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

// OpenBatches returns batches that have not been ended, e.g. after a
// crash while offline. The batch manager re-adopts them on startup.
func (d *DB) OpenBatches() ([]domain.OfflineBatch, error) {
	rows, err := d.db.Query(batchSelect + ` WHERE ended_at IS NULL ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

// PruneBatches deletes reconciled batches that started before cutoff.
func (d *DB) PruneBatches(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(
		`DELETE FROM offline_batches WHERE reconciliation_status = ? AND started_at < ?`,
		string(domain.ReconReconciled), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const batchSelect = `SELECT batch_id, device_id, started_at, ended_at, event_count,
	total_weight_grams, reconciliation_status, cloud_session_id,
	reconciled_at, reconciled_by, notes
	FROM offline_batches`

func scanBatch(s scanner) (*domain.OfflineBatch, error) {
	var b domain.OfflineBatch
	var deviceID sql.NullString
	var status string
	var startedAt int64
	var endedAt, reconciledAt sql.NullInt64

	err := s.Scan(&b.BatchID, &deviceID, &startedAt, &endedAt, &b.EventCount,
		&b.TotalWeightGrams, &status, &b.CloudSessionID,
		&reconciledAt, &b.ReconciledBy, &b.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b.DeviceID = deviceID.String
	b.ReconciliationStatus = domain.ReconciliationStatus(status)
	b.StartedAt = time.UnixMilli(startedAt)
	b.EndedAt = timeFromMilli(endedAt)
	b.ReconciledAt = timeFromMilli(reconciledAt)
	return &b, nil
}

func collectBatches(rows *sql.Rows) ([]domain.OfflineBatch, error) {
	var batches []domain.OfflineBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}
