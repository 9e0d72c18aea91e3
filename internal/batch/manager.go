// Package batch owns offline batches: opened while the Cloud is
// unreachable, closed on recovery, and held in "pending" until the
// Cloud reconciles them.
package batch

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/infra/metrics"
)

// Store is the durable side of the batch manager.
type Store interface {
	InsertBatch(domain.OfflineBatch) error
	AddBatchEvent(batchID string, weightGrams int64) error
	RemoveBatchEvent(batchID string, weightGrams int64) error
	EndBatch(batchID string, at time.Time) error
	SetBatchStatus(batchID string, status domain.ReconciliationStatus) error
	OpenBatches() ([]domain.OfflineBatch, error)
}

// Manager holds the open-batch slot per device. Batches are per-device:
// a gateway-wide batch is representable but never created here.
type Manager struct {
	mu        sync.Mutex
	store     Store
	open      map[string]*domain.OfflineBatch // keyed by device id
	maxEvents int64
}

// NewManager creates a batch manager. maxEvents bounds the batch size;
// reaching it rolls over to a successor transparently.
func NewManager(store Store, maxEvents int64) *Manager {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Manager{
		store:     store,
		open:      make(map[string]*domain.OfflineBatch),
		maxEvents: maxEvents,
	}
}

// Load re-adopts batches left open by a crash while offline.
func (m *Manager) Load() error {
	batches, err := m.store.OpenBatches()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range batches {
		b := batches[i]
		m.open[b.DeviceID] = &b
		log.Printf("[batch] re-adopted open batch %s for %s (%d events)", b.BatchID, b.DeviceID, b.EventCount)
	}
	metrics.BatchesOpen.Set(float64(len(m.open)))
	return nil
}

// OpenBatch opens a fresh batch for the device. At most one open batch
// per device; opening over an existing one returns the existing.
func (m *Manager) OpenBatch(deviceID string) (*domain.OfflineBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(deviceID)
}

func (m *Manager) openLocked(deviceID string) (*domain.OfflineBatch, error) {
	if b, ok := m.open[deviceID]; ok {
		cp := *b
		return &cp, nil
	}

	b := &domain.OfflineBatch{
		BatchID:              "batch-" + uuid.NewString(),
		DeviceID:             deviceID,
		StartedAt:            time.Now(),
		ReconciliationStatus: domain.ReconPending,
	}
	if err := m.store.InsertBatch(*b); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	m.open[deviceID] = b
	metrics.BatchesOpen.Set(float64(len(m.open)))
	log.Printf("[batch] opened %s for %s", b.BatchID, deviceID)

	cp := *b
	return &cp, nil
}

// AssignEvent places one offline event into the device's open batch,
// opening one if needed. When the open batch is already at capacity the
// event lands in a fresh successor. Returns the batch id the event
// belongs to.
func (m *Manager) AssignEvent(deviceID string, weightGrams int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.open[deviceID]
	if !ok {
		var err error
		if _, err = m.openLocked(deviceID); err != nil {
			return "", err
		}
		b = m.open[deviceID]
	}

	if b.EventCount >= m.maxEvents {
		if err := m.endLocked(b); err != nil {
			return "", err
		}
		delete(m.open, deviceID)
		if _, err := m.openLocked(deviceID); err != nil {
			return "", err
		}
		b = m.open[deviceID]
	}

	if err := m.store.AddBatchEvent(b.BatchID, weightGrams); err != nil {
		return "", fmt.Errorf("count batch event: %w", err)
	}
	b.EventCount++
	b.TotalWeightGrams += weightGrams
	return b.BatchID, nil
}

// UnassignEvent reverses AssignEvent for an event that was never
// persisted, keeping batch counters equal to the stored events.
func (m *Manager) UnassignEvent(batchID string, weightGrams int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.RemoveBatchEvent(batchID, weightGrams); err != nil {
		return fmt.Errorf("uncount batch event: %w", err)
	}
	for _, b := range m.open {
		if b.BatchID == batchID && b.EventCount > 0 {
			b.EventCount--
			b.TotalWeightGrams -= weightGrams
			break
		}
	}
	return nil
}

// OpenFor returns the device's open batch id, if any.
func (m *Manager) OpenFor(deviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.open[deviceID]
	if !ok {
		return "", false
	}
	return b.BatchID, true
}

// EndAll closes every open batch on an offline→online transition and
// returns the closed batch ids.
func (m *Manager) EndAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for deviceID, b := range m.open {
		if err := m.endLocked(b); err != nil {
			log.Printf("[batch] end %s: %v", b.BatchID, err)
			continue
		}
		ids = append(ids, b.BatchID)
		delete(m.open, deviceID)
	}
	metrics.BatchesOpen.Set(float64(len(m.open)))
	return ids
}

// EndBatch closes one batch explicitly.
func (m *Manager) EndBatch(batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for deviceID, b := range m.open {
		if b.BatchID == batchID {
			if err := m.endLocked(b); err != nil {
				return err
			}
			delete(m.open, deviceID)
			metrics.BatchesOpen.Set(float64(len(m.open)))
			return nil
		}
	}
	return domain.ErrBatchNotFound
}

func (m *Manager) endLocked(b *domain.OfflineBatch) error {
	now := time.Now()
	if err := m.store.EndBatch(b.BatchID, now); err != nil {
		return fmt.Errorf("end batch: %w", err)
	}
	b.EndedAt = now
	log.Printf("[batch] closed %s (%d events, %dg)", b.BatchID, b.EventCount, b.TotalWeightGrams)
	return nil
}

// ─── Reconciliation mirror ──────────────────────────────────────────────────

// MarkSyncing mirrors the Cloud moving the batch to in_progress.
func (m *Manager) MarkSyncing(batchID string) error {
	return m.store.SetBatchStatus(batchID, domain.ReconInProgress)
}

// MarkSynced mirrors a completed reconciliation.
func (m *Manager) MarkSynced(batchID string) error {
	return m.store.SetBatchStatus(batchID, domain.ReconReconciled)
}

// MarkFailed mirrors a failed reconciliation.
func (m *Manager) MarkFailed(batchID string) error {
	return m.store.SetBatchStatus(batchID, domain.ReconFailed)
}
