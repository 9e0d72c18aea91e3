// Package event implements the event processor: it persists captured
// weighing events, tags them with session and offline context, and owns
// the per-event sync-state machine.
package event

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/infra/metrics"
	"github.com/carnitrack/edge/internal/scale"
)

// Store is the durable side of the processor. Sync-state guards
// (synced is terminal) are enforced at this layer.
type Store interface {
	InsertEvent(domain.WeighingEvent) error
	MarkEventStreaming(id string) error
	MarkEventSynced(id, cloudID string, at time.Time) error
	MarkEventFailed(id, reason string, rejected bool) error
	RequeueFailed() (int64, error)
	PendingEvents(limit int) ([]domain.WeighingEvent, error)
	UnsyncedBatchEvents(batchID string) (int64, error)
}

// Devices is the slice of the registry the processor needs.
type Devices interface {
	Get(deviceID string) (*domain.Device, bool)
	RecordEvent(deviceID string, at time.Time)
}

// Batches assigns offline events to batches.
type Batches interface {
	AssignEvent(deviceID string, weightGrams int64) (string, error)
	UnassignEvent(batchID string, weightGrams int64) error
}

// CloudState exposes the REST client's online tracking. Offline mode
// engages only after the trigger delay of continuous unreachability, so
// a brief blip does not open batches.
type CloudState interface {
	IsOnline() bool
	OfflineSince() (time.Time, bool)
}

// Processor is the single writer for events.
type Processor struct {
	store        Store
	devices      Devices
	batches      Batches
	cloud        CloudState
	triggerDelay time.Duration

	mu   sync.RWMutex
	subs []func(domain.WeighingEvent)
}

// NewProcessor wires the processor to its collaborators.
func NewProcessor(store Store, devices Devices, batches Batches, cloud CloudState, triggerDelay time.Duration) *Processor {
	return &Processor{
		store:        store,
		devices:      devices,
		batches:      batches,
		cloud:        cloud,
		triggerDelay: triggerDelay,
	}
}

// Subscribe registers an event-captured observer. Observers run on the
// capturing goroutine and must not block.
func (p *Processor) Subscribe(fn func(domain.WeighingEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Capture persists one event from the TCP layer: generates the local
// id, tags session and offline context, writes the record, updates the
// device counters, and emits event-captured. A persistence failure
// returns the error without side effects — the event is lost rather
// than the stream order corrupted.
func (p *Processor) Capture(ctx context.Context, deviceID, sourceIP string, f scale.EventFields, raw string) (*domain.WeighingEvent, error) {
	now := time.Now()

	e := domain.WeighingEvent{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		PLUCode:        f.PLUCode,
		ProductName:    f.ProductName,
		WeightGrams:    f.WeightGrams,
		Barcode:        f.Barcode,
		ScaleTimestamp: f.ScaleTimestamp,
		ReceivedAt:     now,
		SourceIP:       sourceIP,
		RawData:        raw,
		SyncStatus:     domain.SyncPending,
	}

	if p.offlineMode(now) {
		batchID, err := p.batches.AssignEvent(deviceID, f.WeightGrams)
		if err != nil {
			return nil, fmt.Errorf("assign offline batch: %w", err)
		}
		e.OfflineMode = true
		e.OfflineBatchID = batchID
	}

	// Session context is read fresh per event, so a session update is
	// observed by all subsequent events.
	if d, ok := p.devices.Get(deviceID); ok {
		e.CloudSessionID = d.ActiveCloudSessionID
	}

	if err := p.store.InsertEvent(e); err != nil {
		// The batch already counted this event; uncount it so the
		// metadata sent for reconciliation matches the stored events.
		if e.OfflineMode {
			if uerr := p.batches.UnassignEvent(e.OfflineBatchID, e.WeightGrams); uerr != nil {
				log.Printf("[events] uncount batch event in %s: %v", e.OfflineBatchID, uerr)
			}
		}
		return nil, fmt.Errorf("persist event: %w", err)
	}

	p.devices.RecordEvent(deviceID, now)
	metrics.EventsCaptured.Inc()
	if e.OfflineMode {
		metrics.EventsOffline.Inc()
	}

	p.publish(e)
	return &e, nil
}

// offlineMode reports whether captures should be tagged offline: the
// Cloud has been unreachable for at least the trigger delay. Events in
// the debounce gap stay online-tagged and simply remain pending.
func (p *Processor) offlineMode(now time.Time) bool {
	if p.cloud.IsOnline() {
		return false
	}
	since, ok := p.cloud.OfflineSince()
	return ok && now.Sub(since) >= p.triggerDelay
}

// ─── Sync-state machine ─────────────────────────────────────────────────────

// MarkStreaming records that a delivery attempt started.
func (p *Processor) MarkStreaming(id string) error {
	return p.store.MarkEventStreaming(id)
}

// MarkSynced records an accepted or duplicate ack. Terminal.
func (p *Processor) MarkSynced(id, cloudID string) error {
	if err := p.store.MarkEventSynced(id, cloudID, time.Now()); err != nil {
		return err
	}
	metrics.EventsSynced.Inc()
	return nil
}

// MarkFailed records a delivery failure. rejected means the Cloud
// refused the event with a reason: it leaves the retry pool so one
// poisoned record cannot block progress.
func (p *Processor) MarkFailed(id, reason string, rejected bool) error {
	if err := p.store.MarkEventFailed(id, reason, rejected); err != nil {
		return err
	}
	if rejected {
		metrics.EventsFailed.WithLabelValues("rejected").Inc()
	} else {
		metrics.EventsFailed.WithLabelValues("transport").Inc()
	}
	return nil
}

// RequeueFailed moves transport-failed events back to pending for the
// retry timer.
func (p *Processor) RequeueFailed() (int64, error) {
	n, err := p.store.RequeueFailed()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[events] requeued %d failed events", n)
	}
	return n, nil
}

// Pending returns up to limit pending events, oldest first.
func (p *Processor) Pending(limit int) ([]domain.WeighingEvent, error) {
	return p.store.PendingEvents(limit)
}

// BatchFullySynced reports whether every event of an offline batch has
// reached synced.
func (p *Processor) BatchFullySynced(batchID string) (bool, error) {
	n, err := p.store.UnsyncedBatchEvents(batchID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (p *Processor) publish(e domain.WeighingEvent) {
	p.mu.RLock()
	subs := p.subs
	p.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}
