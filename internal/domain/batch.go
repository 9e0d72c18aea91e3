package domain

import "time"

// ReconciliationStatus tracks the Cloud-side progression of an offline
// batch. The edge only mirrors it; reconciliation itself is a Cloud
// operation.
type ReconciliationStatus string

const (
	ReconPending    ReconciliationStatus = "pending"
	ReconInProgress ReconciliationStatus = "in_progress"
	ReconReconciled ReconciliationStatus = "reconciled"
	ReconFailed     ReconciliationStatus = "failed"
)

// OfflineBatch groups events captured while the Cloud was unreachable.
// One open batch per device; DeviceID empty would mean a gateway-wide
// batch, which the schema allows but the gateway never creates.
type OfflineBatch struct {
	BatchID              string               `json:"batch_id"`
	DeviceID             string               `json:"device_id,omitempty"`
	StartedAt            time.Time            `json:"started_at"`
	EndedAt              time.Time            `json:"ended_at,omitempty"`
	EventCount           int64                `json:"event_count"`
	TotalWeightGrams     int64                `json:"total_weight_grams"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status"`
	CloudSessionID       string               `json:"cloud_session_id,omitempty"`
	ReconciledAt         time.Time            `json:"reconciled_at,omitempty"`
	ReconciledBy         string               `json:"reconciled_by,omitempty"`
	Notes                string               `json:"notes,omitempty"`
}

// Closed reports whether the batch has been ended.
func (b *OfflineBatch) Closed() bool {
	return !b.EndedAt.IsZero()
}
