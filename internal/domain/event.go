package domain

import "time"

// SyncStatus is the per-event delivery state machine:
//
//	pending → streaming → synced
//	              └─────→ failed → pending (retry timer, transport failures only)
//
// synced is terminal. Explicit Cloud rejections stay failed.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncStreaming SyncStatus = "streaming"
	SyncSynced    SyncStatus = "synced"
	SyncFailed    SyncStatus = "failed"
)

// WeighingEvent is one weighing/print record captured from a scale,
// keyed by a locally generated UUID.
type WeighingEvent struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	CloudSessionID string     `json:"cloud_session_id,omitempty"`
	OfflineMode    bool       `json:"offline_mode"`
	OfflineBatchID string     `json:"offline_batch_id,omitempty"`
	PLUCode        string     `json:"plu_code"`
	ProductName    string     `json:"product_name"`
	WeightGrams    int64      `json:"weight_grams"`
	Barcode        string     `json:"barcode"`
	ScaleTimestamp string     `json:"scale_timestamp"`
	ReceivedAt     time.Time  `json:"received_at"`
	SourceIP       string     `json:"source_ip,omitempty"`
	RawData        string     `json:"raw_data,omitempty"`
	SyncStatus     SyncStatus `json:"sync_status"`
	CloudID        string     `json:"cloud_id,omitempty"`
	SyncedAt       time.Time  `json:"synced_at,omitempty"`
	SyncAttempts   int        `json:"sync_attempts"`
	LastSyncError  string     `json:"last_sync_error,omitempty"`
}
