// Package sync glues event capture to Cloud delivery: captured events
// stream immediately while online; on reconnect the backlog and closed
// offline batches are flushed; a retry timer rescues transport-failed
// events.
package sync

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/carnitrack/edge/internal/cloud"
	"github.com/carnitrack/edge/internal/domain"
)

// CloudAPI is the slice of the REST client the service needs.
type CloudAPI interface {
	IsOnline() bool
	SendEvent(ctx context.Context, p cloud.EventPayload) (*cloud.EventAck, error)
	SendEventBatch(ctx context.Context, events []cloud.EventPayload) (*cloud.BatchResponse, error)
	NotifyOfflineBatchEnd(ctx context.Context, b domain.OfflineBatch) error
}

// Events is the processor-side surface: the sync-state machine plus the
// pending pool.
type Events interface {
	Subscribe(fn func(domain.WeighingEvent))
	MarkStreaming(id string) error
	MarkSynced(id, cloudID string) error
	MarkFailed(id, reason string, rejected bool) error
	RequeueFailed() (int64, error)
	Pending(limit int) ([]domain.WeighingEvent, error)
	BatchFullySynced(batchID string) (bool, error)
}

// Batches is the batch-manager surface for recovery flushes.
type Batches interface {
	EndAll() []string
	MarkSyncing(batchID string) error
	MarkSynced(batchID string) error
}

// BatchStore lists closed batches awaiting reconciliation.
type BatchStore interface {
	UnreconciledClosedBatches() ([]domain.OfflineBatch, error)
}

// Devices resolves device records for payload enrichment.
type Devices interface {
	Get(deviceID string) (*domain.Device, bool)
}

// Config tunes the sync loops.
type Config struct {
	BatchSize        int
	RetryInterval    time.Duration
	BacklogSyncDelay time.Duration
}

// DefaultConfig returns the standard sync settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:        50,
		RetryInterval:    time.Minute,
		BacklogSyncDelay: 2 * time.Second,
	}
}

// Service subscribes to event-captured and to the client's state
// transitions. The tunables live in atomics so a cloud config override
// can retune a running service.
type Service struct {
	cloud      CloudAPI
	events     Events
	batches    Batches
	batchStore BatchStore
	devices    Devices

	batchSize    atomic.Int64
	retryEvery   atomic.Int64 // nanoseconds
	backlogDelay atomic.Int64 // nanoseconds

	// runCtx is published by Run and read by capture callbacks running
	// on TCP goroutines, so it must be an atomic.
	runCtx atomic.Pointer[context.Context]

	flush  chan struct{}
	retune chan struct{}
}

// NewService wires the service and subscribes it to event capture.
func NewService(cloudAPI CloudAPI, events Events, batches Batches, batchStore BatchStore, devices Devices, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	s := &Service{
		cloud:      cloudAPI,
		events:     events,
		batches:    batches,
		batchStore: batchStore,
		devices:    devices,
		flush:      make(chan struct{}, 1),
		retune:     make(chan struct{}, 1),
	}
	s.batchSize.Store(int64(cfg.BatchSize))
	s.retryEvery.Store(int64(cfg.RetryInterval))
	s.backlogDelay.Store(int64(cfg.BacklogSyncDelay))
	events.Subscribe(s.onCaptured)
	return s
}

// Tune applies runtime overrides. Zero values keep the current setting;
// a changed retry interval takes effect on the next loop iteration.
func (s *Service) Tune(batchSize int, retryInterval, backlogDelay time.Duration) {
	if batchSize > 0 {
		s.batchSize.Store(int64(batchSize))
	}
	if retryInterval > 0 {
		s.retryEvery.Store(int64(retryInterval))
	}
	if backlogDelay > 0 {
		s.backlogDelay.Store(int64(backlogDelay))
	}
	select {
	case s.retune <- struct{}{}:
	default:
	}
}

// OnConnected is the offline→online hook: close open batches, then
// flush after the backlog debounce. Wire to the client's connected
// callback.
func (s *Service) OnConnected() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

// Run owns the flush and retry loops. Call in a goroutine.
func (s *Service) Run(ctx context.Context) {
	s.runCtx.Store(&ctx)

	retry := time.NewTicker(time.Duration(s.retryEvery.Load()))
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.retune:
			retry.Reset(time.Duration(s.retryEvery.Load()))
		case <-s.flush:
			// Debounce: give the connection a moment to prove stable
			// before committing to a full backlog flush.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(s.backlogDelay.Load())):
			}
			s.recover(ctx)
		case <-retry.C:
			if !s.cloud.IsOnline() {
				continue
			}
			if _, err := s.events.RequeueFailed(); err != nil {
				log.Printf("[sync] requeue failed events: %v", err)
			}
			s.flushPending(ctx)
		}
	}
}

// onCaptured streams a fresh event immediately when online. Offline
// events stay pending; the recovery flush picks them up.
func (s *Service) onCaptured(e domain.WeighingEvent) {
	if !s.cloud.IsOnline() {
		return
	}
	ctx := context.Background()
	if p := s.runCtx.Load(); p != nil {
		ctx = *p
	}
	go s.stream(ctx, e)
}

// stream delivers one event and applies the ack to the state machine.
func (s *Service) stream(ctx context.Context, e domain.WeighingEvent) {
	if err := s.events.MarkStreaming(e.ID); err != nil {
		log.Printf("[sync] mark streaming %s: %v", e.ID, err)
		return
	}

	ack, err := s.cloud.SendEvent(ctx, s.payload(e))
	if err != nil {
		s.applyError(e.ID, err)
		return
	}
	s.applyAck(e.ID, ack.Status, ack.CloudEventID, ack.Error)
}

// recover is the reconnect sequence: end open batches, announce closed
// batches, drain the pending pool, then settle fully-synced batches.
func (s *Service) recover(ctx context.Context) {
	for _, id := range s.batches.EndAll() {
		log.Printf("[sync] closed offline batch %s on recovery", id)
	}

	closed, err := s.batchStore.UnreconciledClosedBatches()
	if err != nil {
		log.Printf("[sync] list closed batches: %v", err)
		closed = nil
	}

	for _, b := range closed {
		if err := s.cloud.NotifyOfflineBatchEnd(ctx, b); err != nil {
			log.Printf("[sync] announce batch %s: %v", b.BatchID, err)
			continue
		}
		if err := s.batches.MarkSyncing(b.BatchID); err != nil {
			log.Printf("[sync] mark batch %s syncing: %v", b.BatchID, err)
		}
	}

	s.flushPending(ctx)

	for _, b := range closed {
		done, err := s.events.BatchFullySynced(b.BatchID)
		if err != nil {
			log.Printf("[sync] check batch %s: %v", b.BatchID, err)
			continue
		}
		if done {
			if err := s.batches.MarkSynced(b.BatchID); err != nil {
				log.Printf("[sync] mark batch %s synced: %v", b.BatchID, err)
			} else {
				log.Printf("[sync] offline batch %s fully synced", b.BatchID)
			}
		}
	}
}

// flushPending drains pending events oldest-first: a single event goes
// via /events, a slice via /events/batch. Rounds repeat until the pool
// is empty or an error ends the round; failed events leave the pool so
// the loop always terminates.
func (s *Service) flushPending(ctx context.Context) {
	for {
		if ctx.Err() != nil || !s.cloud.IsOnline() {
			return
		}

		pending, err := s.events.Pending(int(s.batchSize.Load()))
		if err != nil {
			log.Printf("[sync] list pending: %v", err)
			return
		}
		if len(pending) == 0 {
			return
		}

		if len(pending) == 1 {
			s.stream(ctx, pending[0])
			continue
		}

		payloads := make([]cloud.EventPayload, len(pending))
		for i, e := range pending {
			if err := s.events.MarkStreaming(e.ID); err != nil {
				log.Printf("[sync] mark streaming %s: %v", e.ID, err)
			}
			payloads[i] = s.payload(e)
		}

		resp, err := s.cloud.SendEventBatch(ctx, payloads)
		if err != nil {
			for _, e := range pending {
				s.applyError(e.ID, err)
			}
			return
		}

		results := make(map[string]cloud.BatchResult, len(resp.Results))
		for _, r := range resp.Results {
			results[r.LocalEventID] = r
		}
		for _, e := range pending {
			r, ok := results[e.ID]
			if !ok {
				s.applyError(e.ID, errors.New("no result in batch response"))
				continue
			}
			s.applyAck(e.ID, r.Status, r.CloudEventID, r.Error)
		}
	}
}

// applyAck maps a Cloud ack onto the state machine. A duplicate
// advances to synced exactly as accepted does.
func (s *Service) applyAck(id, status, cloudID, reason string) {
	switch status {
	case cloud.AckAccepted, cloud.AckDuplicate:
		if err := s.events.MarkSynced(id, cloudID); err != nil {
			log.Printf("[sync] mark synced %s: %v", id, err)
		}
	default:
		if reason == "" {
			reason = "rejected by cloud"
		}
		log.Printf("[sync] event %s rejected: %s", id, reason)
		if err := s.events.MarkFailed(id, reason, true); err != nil {
			log.Printf("[sync] mark failed %s: %v", id, err)
		}
	}
}

// applyError distinguishes an explicit Cloud rejection (terminal) from
// a transport failure (retryable).
func (s *Service) applyError(id string, err error) {
	var apiErr *cloud.APIError
	rejected := errors.As(err, &apiErr)
	if mErr := s.events.MarkFailed(id, err.Error(), rejected); mErr != nil {
		log.Printf("[sync] mark failed %s: %v", id, mErr)
	}
}

func (s *Service) payload(e domain.WeighingEvent) cloud.EventPayload {
	p := cloud.EventPayload{
		LocalEventID:   e.ID,
		DeviceID:       e.DeviceID,
		CloudSessionID: e.CloudSessionID,
		OfflineMode:    e.OfflineMode,
		OfflineBatchID: e.OfflineBatchID,
		PLUCode:        e.PLUCode,
		ProductName:    e.ProductName,
		WeightGrams:    e.WeightGrams,
		Barcode:        e.Barcode,
		ScaleTimestamp: e.ScaleTimestamp,
		ReceivedAt:     e.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if d, ok := s.devices.Get(e.DeviceID); ok {
		p.GlobalDeviceID = d.GlobalDeviceID
	}
	return p
}
