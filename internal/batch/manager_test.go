package batch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	batches map[string]*domain.OfflineBatch
	fail    bool
}

func newMemStore() *memStore {
	return &memStore{batches: make(map[string]*domain.OfflineBatch)}
}

func (s *memStore) InsertBatch(b domain.OfflineBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.batches[b.BatchID] = &b
	return nil
}

func (s *memStore) AddBatchEvent(batchID string, weightGrams int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	b.EventCount++
	b.TotalWeightGrams += weightGrams
	return nil
}

func (s *memStore) RemoveBatchEvent(batchID string, weightGrams int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if b.EventCount > 0 {
		b.EventCount--
		b.TotalWeightGrams -= weightGrams
	}
	return nil
}

func (s *memStore) EndBatch(batchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if b.EndedAt.IsZero() {
		b.EndedAt = at
	}
	return nil
}

func (s *memStore) SetBatchStatus(batchID string, status domain.ReconciliationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	b.ReconciliationStatus = status
	return nil
}

func (s *memStore) OpenBatches() ([]domain.OfflineBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OfflineBatch
	for _, b := range s.batches {
		if b.EndedAt.IsZero() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStore) get(batchID string) *domain.OfflineBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[batchID]
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

func TestOpenBatchIsIdempotentPerDevice(t *testing.T) {
	m := NewManager(newMemStore(), 100)

	first, err := m.OpenBatch("SCALE-01")
	if err != nil {
		t.Fatalf("OpenBatch: %v", err)
	}
	second, err := m.OpenBatch("SCALE-01")
	if err != nil {
		t.Fatalf("OpenBatch again: %v", err)
	}
	if first.BatchID != second.BatchID {
		t.Errorf("second open returned a new batch %s, want %s", second.BatchID, first.BatchID)
	}

	other, _ := m.OpenBatch("SCALE-02")
	if other.BatchID == first.BatchID {
		t.Error("different devices share a batch")
	}
}

func TestAssignEventCounts(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, 100)

	id1, err := m.AssignEvent("SCALE-01", 500)
	if err != nil {
		t.Fatalf("AssignEvent: %v", err)
	}
	id2, _ := m.AssignEvent("SCALE-01", 250)
	if id1 != id2 {
		t.Errorf("events landed in different batches: %s, %s", id1, id2)
	}

	b := store.get(id1)
	if b.EventCount != 2 {
		t.Errorf("EventCount = %d, want 2", b.EventCount)
	}
	if b.TotalWeightGrams != 750 {
		t.Errorf("TotalWeightGrams = %d, want 750", b.TotalWeightGrams)
	}
}

func TestUnassignEventReversesCounters(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, 100)

	id, err := m.AssignEvent("SCALE-01", 500)
	if err != nil {
		t.Fatalf("AssignEvent: %v", err)
	}
	m.AssignEvent("SCALE-01", 250)

	if err := m.UnassignEvent(id, 250); err != nil {
		t.Fatalf("UnassignEvent: %v", err)
	}

	b := store.get(id)
	if b.EventCount != 1 || b.TotalWeightGrams != 500 {
		t.Errorf("after unassign: count=%d weight=%d, want 1/500", b.EventCount, b.TotalWeightGrams)
	}

	// The in-memory open slot mirrors the store, so the rollover
	// threshold sees the compensated count too.
	m.AssignEvent("SCALE-01", 100)
	b = store.get(id)
	if b.EventCount != 2 || b.TotalWeightGrams != 600 {
		t.Errorf("after re-assign: count=%d weight=%d, want 2/600", b.EventCount, b.TotalWeightGrams)
	}
}

func TestAssignEventRollsOverAtCapacity(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, 3)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.AssignEvent("SCALE-01", 100)
		if err != nil {
			t.Fatalf("AssignEvent %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Errorf("first three events should share a batch: %v", ids[:3])
	}
	if ids[3] == ids[0] {
		t.Error("fourth event should land in a successor batch")
	}

	full := store.get(ids[0])
	if full.EventCount != 3 {
		t.Errorf("full batch holds %d events, want 3", full.EventCount)
	}
	if full.EndedAt.IsZero() {
		t.Error("rolled-over batch was not ended")
	}

	successor := store.get(ids[3])
	if successor.EventCount != 1 {
		t.Errorf("successor holds %d events, want 1", successor.EventCount)
	}
	if !successor.EndedAt.IsZero() {
		t.Error("successor should stay open")
	}
}

func TestEndAllClosesEverything(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, 100)

	a, _ := m.AssignEvent("SCALE-01", 100)
	b, _ := m.AssignEvent("SCALE-02", 200)

	ids := m.EndAll()
	if len(ids) != 2 {
		t.Fatalf("EndAll closed %d batches, want 2", len(ids))
	}
	for _, id := range []string{a, b} {
		if store.get(id).EndedAt.IsZero() {
			t.Errorf("batch %s still open", id)
		}
	}
	if _, ok := m.OpenFor("SCALE-01"); ok {
		t.Error("device still has an open batch after EndAll")
	}

	// A later offline spell opens a fresh batch.
	c, _ := m.AssignEvent("SCALE-01", 100)
	if c == a {
		t.Error("new offline spell reused the closed batch")
	}
}

func TestLoadReAdoptsOpenBatches(t *testing.T) {
	store := newMemStore()
	store.InsertBatch(domain.OfflineBatch{
		BatchID:              "batch-crashed",
		DeviceID:             "SCALE-01",
		StartedAt:            time.Now().Add(-time.Hour),
		EventCount:           7,
		ReconciliationStatus: domain.ReconPending,
	})
	store.InsertBatch(domain.OfflineBatch{
		BatchID:              "batch-done",
		DeviceID:             "SCALE-02",
		StartedAt:            time.Now().Add(-2 * time.Hour),
		EndedAt:              time.Now().Add(-time.Hour),
		ReconciliationStatus: domain.ReconReconciled,
	})

	m := NewManager(store, 100)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	id, ok := m.OpenFor("SCALE-01")
	if !ok || id != "batch-crashed" {
		t.Errorf("OpenFor = %q,%v, want batch-crashed", id, ok)
	}
	if _, ok := m.OpenFor("SCALE-02"); ok {
		t.Error("closed batch was re-adopted")
	}

	// The re-adopted batch continues from its persisted count.
	got, _ := m.AssignEvent("SCALE-01", 100)
	if got != "batch-crashed" {
		t.Errorf("event assigned to %s, want the re-adopted batch", got)
	}
	if store.get("batch-crashed").EventCount != 8 {
		t.Errorf("EventCount = %d, want 8", store.get("batch-crashed").EventCount)
	}
}

func TestReconciliationMirror(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, 100)
	id, _ := m.AssignEvent("SCALE-01", 100)

	if err := m.MarkSyncing(id); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if got := store.get(id).ReconciliationStatus; got != domain.ReconInProgress {
		t.Errorf("status = %s, want in_progress", got)
	}

	if err := m.MarkSynced(id); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if got := store.get(id).ReconciliationStatus; got != domain.ReconReconciled {
		t.Errorf("status = %s, want reconciled", got)
	}
}

func TestEndBatchUnknownID(t *testing.T) {
	m := NewManager(newMemStore(), 100)
	if err := m.EndBatch("nope"); !errors.Is(err, domain.ErrBatchNotFound) {
		t.Errorf("EndBatch = %v, want ErrBatchNotFound", err)
	}
}
