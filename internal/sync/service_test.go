package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carnitrack/edge/internal/cloud"
	"github.com/carnitrack/edge/internal/domain"
)

type fakeCloud struct {
	mu        sync.Mutex
	online    bool
	sent      []cloud.EventPayload
	batches   [][]cloud.EventPayload
	ends      []string
	ack       cloud.EventAck
	ackErr    error
	batchResp func(events []cloud.EventPayload) *cloud.BatchResponse
	batchErr  error
}

func (c *fakeCloud) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeCloud) SendEvent(ctx context.Context, p cloud.EventPayload) (*cloud.EventAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	if c.ackErr != nil {
		return nil, c.ackErr
	}
	ack := c.ack
	if ack.Status == "" {
		ack = cloud.EventAck{CloudEventID: "cloud-" + p.LocalEventID, Status: cloud.AckAccepted}
	}
	return &ack, nil
}

func (c *fakeCloud) SendEventBatch(ctx context.Context, events []cloud.EventPayload) (*cloud.BatchResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, events)
	if c.batchErr != nil {
		return nil, c.batchErr
	}
	if c.batchResp != nil {
		return c.batchResp(events), nil
	}
	resp := &cloud.BatchResponse{}
	for _, e := range events {
		resp.Results = append(resp.Results, cloud.BatchResult{
			LocalEventID: e.LocalEventID,
			CloudEventID: "cloud-" + e.LocalEventID,
			Status:       cloud.AckAccepted,
		})
	}
	return resp, nil
}

func (c *fakeCloud) NotifyOfflineBatchEnd(ctx context.Context, b domain.OfflineBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends = append(c.ends, b.BatchID)
	return nil
}

type fakeEvents struct {
	mu        sync.Mutex
	events    map[string]*domain.WeighingEvent
	order     []string
	subs      []func(domain.WeighingEvent)
	requeued  int64
	fullBatch map[string]bool
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		events:    make(map[string]*domain.WeighingEvent),
		fullBatch: make(map[string]bool),
	}
}

func (f *fakeEvents) add(e domain.WeighingEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[e.ID] = &e
	f.order = append(f.order, e.ID)
}

func (f *fakeEvents) Subscribe(fn func(domain.WeighingEvent)) {
	f.subs = append(f.subs, fn)
}

func (f *fakeEvents) MarkStreaming(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.SyncStatus = domain.SyncStreaming
	return nil
}

func (f *fakeEvents) MarkSynced(id, cloudID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.SyncStatus = domain.SyncSynced
	e.CloudID = cloudID
	return nil
}

func (f *fakeEvents) MarkFailed(id, reason string, rejected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.SyncStatus = domain.SyncFailed
	e.LastSyncError = reason
	if rejected {
		e.LastSyncError = "rejected: " + reason
	}
	return nil
}

func (f *fakeEvents) RequeueFailed() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued++
	return 0, nil
}

func (f *fakeEvents) Pending(limit int) ([]domain.WeighingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WeighingEvent
	for _, id := range f.order {
		e := f.events[id]
		if e.SyncStatus == domain.SyncPending && len(out) < limit {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEvents) BatchFullySynced(batchID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullBatch[batchID], nil
}

func (f *fakeEvents) status(id string) domain.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id].SyncStatus
}

type fakeBatches struct {
	mu      sync.Mutex
	ended   []string
	syncing []string
	synced  []string
}

func (b *fakeBatches) EndAll() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

func (b *fakeBatches) MarkSyncing(batchID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncing = append(b.syncing, batchID)
	return nil
}

func (b *fakeBatches) MarkSynced(batchID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synced = append(b.synced, batchID)
	return nil
}

type fakeBatchStore struct {
	closed []domain.OfflineBatch
}

func (s *fakeBatchStore) UnreconciledClosedBatches() ([]domain.OfflineBatch, error) {
	return s.closed, nil
}

type fakeDevices struct {
	globals map[string]string
}

func (d *fakeDevices) Get(deviceID string) (*domain.Device, bool) {
	g, ok := d.globals[deviceID]
	if !ok {
		return nil, false
	}
	return &domain.Device{DeviceID: deviceID, GlobalDeviceID: g}, true
}

func testService(online bool) (*Service, *fakeCloud, *fakeEvents, *fakeBatches, *fakeBatchStore) {
	fc := &fakeCloud{online: online}
	fe := newFakeEvents()
	fb := &fakeBatches{}
	fs := &fakeBatchStore{}
	fd := &fakeDevices{globals: map[string]string{"SCALE-01": "global-1"}}
	s := NewService(fc, fe, fb, fs, fd, DefaultConfig())
	return s, fc, fe, fb, fs
}

func pendingEvent(id string) domain.WeighingEvent {
	return domain.WeighingEvent{
		ID:          id,
		DeviceID:    "SCALE-01",
		PLUCode:     "00001",
		WeightGrams: 100,
		ReceivedAt:  time.Now(),
		SyncStatus:  domain.SyncPending,
	}
}

func TestStreamAcceptedAck(t *testing.T) {
	s, fc, fe, _, _ := testService(true)

	e := pendingEvent("e1")
	fe.add(e)
	s.stream(context.Background(), e)

	if got := fe.status("e1"); got != domain.SyncSynced {
		t.Errorf("status = %s, want synced", got)
	}
	if fe.events["e1"].CloudID != "cloud-e1" {
		t.Errorf("CloudID = %q", fe.events["e1"].CloudID)
	}
	if len(fc.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(fc.sent))
	}
	if fc.sent[0].GlobalDeviceID != "global-1" {
		t.Errorf("payload GlobalDeviceID = %q, want enriched from registry", fc.sent[0].GlobalDeviceID)
	}
}

func TestStreamDuplicateAckIsSynced(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	fc.ack = cloud.EventAck{CloudEventID: "cloud-dup", Status: cloud.AckDuplicate}

	e := pendingEvent("e1")
	fe.add(e)
	s.stream(context.Background(), e)

	if got := fe.status("e1"); got != domain.SyncSynced {
		t.Errorf("duplicate ack left status %s, want synced", got)
	}
}

func TestStreamRejectionAckIsTerminal(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	fc.ack = cloud.EventAck{Status: cloud.AckFailed, Error: "unknown device"}

	e := pendingEvent("e1")
	fe.add(e)
	s.stream(context.Background(), e)

	if got := fe.status("e1"); got != domain.SyncFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if fe.events["e1"].LastSyncError != "rejected: unknown device" {
		t.Errorf("LastSyncError = %q, rejection should be marked terminal", fe.events["e1"].LastSyncError)
	}
}

func TestStreamTransportErrorIsRetryable(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	fc.ackErr = errors.New("connection refused")

	e := pendingEvent("e1")
	fe.add(e)
	s.stream(context.Background(), e)

	if got := fe.status("e1"); got != domain.SyncFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if fe.events["e1"].LastSyncError == "" {
		t.Error("transport failure did not record a reason")
	}
	// Not prefixed "rejected:": the retry timer may requeue it.
	if got := fe.events["e1"].LastSyncError; got != "connection refused" {
		t.Errorf("LastSyncError = %q", got)
	}
}

func TestStreamAPIErrorIsRejected(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	fc.ackErr = &cloud.APIError{Status: 422, Body: "bad payload"}

	e := pendingEvent("e1")
	fe.add(e)
	s.stream(context.Background(), e)

	got := fe.events["e1"].LastSyncError
	if got == "" || got[:9] != "rejected:" {
		t.Errorf("LastSyncError = %q, want a terminal rejection", got)
	}
}

func TestFlushPendingSingleEventStreams(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	fe.add(pendingEvent("e1"))

	s.flushPending(context.Background())

	if len(fc.sent) != 1 || len(fc.batches) != 0 {
		t.Errorf("single pending event: sent=%d batches=%d, want 1/0", len(fc.sent), len(fc.batches))
	}
	if got := fe.status("e1"); got != domain.SyncSynced {
		t.Errorf("status = %s, want synced", got)
	}
}

func TestFlushPendingBatchesMultiple(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	for _, id := range []string{"e1", "e2", "e3"} {
		fe.add(pendingEvent(id))
	}

	s.flushPending(context.Background())

	if len(fc.batches) != 1 {
		t.Fatalf("batch uploads = %d, want 1", len(fc.batches))
	}
	if len(fc.batches[0]) != 3 {
		t.Errorf("batch carried %d events, want 3", len(fc.batches[0]))
	}
	for _, id := range []string{"e1", "e2", "e3"} {
		if got := fe.status(id); got != domain.SyncSynced {
			t.Errorf("%s status = %s, want synced", id, got)
		}
	}
}

func TestFlushPendingMissingResultIsTransportFailure(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	fe.add(pendingEvent("e1"))
	fe.add(pendingEvent("e2"))

	fc.batchResp = func(events []cloud.EventPayload) *cloud.BatchResponse {
		// Cloud answers for the first event only.
		return &cloud.BatchResponse{Results: []cloud.BatchResult{{
			LocalEventID: events[0].LocalEventID,
			CloudEventID: "c1",
			Status:       cloud.AckAccepted,
		}}}
	}

	s.flushPending(context.Background())

	if got := fe.status("e1"); got != domain.SyncSynced {
		t.Errorf("e1 status = %s, want synced", got)
	}
	if got := fe.status("e2"); got != domain.SyncFailed {
		t.Errorf("e2 status = %s, want failed (no result)", got)
	}
	if got := fe.events["e2"].LastSyncError; got[:9] == "rejected:" {
		t.Errorf("missing result treated as rejection: %q", got)
	}
}

func TestFlushPendingStopsWhenOffline(t *testing.T) {
	s, fc, fe, _, _ := testService(false)
	fe.add(pendingEvent("e1"))

	s.flushPending(context.Background())

	if len(fc.sent) != 0 || len(fc.batches) != 0 {
		t.Error("flush ran while offline")
	}
	if got := fe.status("e1"); got != domain.SyncPending {
		t.Errorf("status = %s, want pending untouched", got)
	}
}

func TestRecoverFlushesClosedBatches(t *testing.T) {
	s, fc, fe, fb, fs := testService(true)

	fb.ended = []string{"batch-a"}
	fs.closed = []domain.OfflineBatch{
		{BatchID: "batch-a", DeviceID: "SCALE-01", StartedAt: time.Now().Add(-time.Hour), EndedAt: time.Now(), EventCount: 2},
	}

	e1 := pendingEvent("e1")
	e1.OfflineMode = true
	e1.OfflineBatchID = "batch-a"
	e2 := pendingEvent("e2")
	e2.OfflineMode = true
	e2.OfflineBatchID = "batch-a"
	fe.add(e1)
	fe.add(e2)
	fe.fullBatch["batch-a"] = true // fake store reports done once flushed

	s.recover(context.Background())

	if len(fc.ends) != 1 || fc.ends[0] != "batch-a" {
		t.Errorf("batch-end announcements = %v, want [batch-a]", fc.ends)
	}
	if len(fb.syncing) != 1 || fb.syncing[0] != "batch-a" {
		t.Errorf("MarkSyncing calls = %v, want [batch-a]", fb.syncing)
	}
	for _, id := range []string{"e1", "e2"} {
		if got := fe.status(id); got != domain.SyncSynced {
			t.Errorf("%s status = %s, want synced", id, got)
		}
	}
	if len(fb.synced) != 1 || fb.synced[0] != "batch-a" {
		t.Errorf("MarkSynced calls = %v, want [batch-a]", fb.synced)
	}
}

func TestRecoverSkipsSettlingIncompleteBatches(t *testing.T) {
	s, _, fe, fb, fs := testService(true)

	fs.closed = []domain.OfflineBatch{
		{BatchID: "batch-a", EndedAt: time.Now(), EventCount: 1},
	}
	fe.fullBatch["batch-a"] = false

	s.recover(context.Background())

	if len(fb.synced) != 0 {
		t.Errorf("incomplete batch settled: %v", fb.synced)
	}
	if len(fb.syncing) != 1 {
		t.Errorf("MarkSyncing calls = %v, want [batch-a]", fb.syncing)
	}
}

func TestOnCapturedStreamsOnlyWhenOnline(t *testing.T) {
	s, fc, fe, _, _ := testService(false)

	e := pendingEvent("e1")
	fe.add(e)
	s.onCaptured(e)

	time.Sleep(50 * time.Millisecond)
	if len(fc.sent) != 0 {
		t.Error("offline capture was streamed")
	}

	fc.mu.Lock()
	fc.online = true
	fc.mu.Unlock()
	s.onCaptured(e)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		n := len(fc.sent)
		fc.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("online capture never streamed")
}

func TestTuneAdjustsBatchSize(t *testing.T) {
	s, fc, fe, _, _ := testService(true)
	for _, id := range []string{"e1", "e2", "e3"} {
		fe.add(pendingEvent(id))
	}

	// A batch size of one turns every flush round into a single-event
	// stream on /events.
	s.Tune(1, 0, 0)
	s.flushPending(context.Background())

	if len(fc.batches) != 0 {
		t.Errorf("batch uploads = %d, want 0 with batch size 1", len(fc.batches))
	}
	if len(fc.sent) != 3 {
		t.Errorf("single sends = %d, want 3", len(fc.sent))
	}
}

func TestTuneZeroKeepsCurrent(t *testing.T) {
	s, _, _, _, _ := testService(true)
	s.Tune(0, 0, 0)

	if got := s.batchSize.Load(); got != int64(DefaultConfig().BatchSize) {
		t.Errorf("batchSize = %d, want default kept", got)
	}
	if got := time.Duration(s.retryEvery.Load()); got != DefaultConfig().RetryInterval {
		t.Errorf("retryEvery = %v, want default kept", got)
	}
}

func TestCaptureConcurrentWithRun(t *testing.T) {
	s, fc, fe, _, _ := testService(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The daemon starts Run and the TCP listener together, so a capture
	// can race the loop startup. Both orders must be safe.
	go s.Run(ctx)

	e := pendingEvent("e1")
	fe.add(e)
	s.onCaptured(e)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		n := len(fc.sent)
		fc.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("capture during loop startup never streamed")
}

func TestOnConnectedCoalesces(t *testing.T) {
	s, _, _, _, _ := testService(true)

	s.OnConnected()
	s.OnConnected()
	s.OnConnected()

	if len(s.flush) != 1 {
		t.Errorf("flush signals = %d, want 1 (coalesced)", len(s.flush))
	}
}
