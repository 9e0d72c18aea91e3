// Package device owns the authoritative in-memory device registry and
// the heartbeat/activity monitor that derives each scale's status.
package device

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/infra/metrics"
)

// Store is the durable mirror of the registry, used for crash recovery.
type Store interface {
	UpsertDevice(domain.Device) error
	ListDevices() ([]domain.Device, error)
}

// Registry is the authoritative map of devices keyed by local device id.
// All mutations are serialized under one lock; readers get copies.
// Devices are never removed — disconnection only flips flags.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	devices map[string]*domain.Device
	socks   map[string]io.Closer
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:   store,
		devices: make(map[string]*domain.Device),
		socks:   make(map[string]io.Closer),
	}
}

// Load restores devices from the durable mirror. Sockets do not survive
// a restart, so every restored device starts disconnected.
func (r *Registry) Load() error {
	devices, err := r.store.ListDevices()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range devices {
		d := devices[i]
		d.TCPConnected = false
		if d.Status != domain.DeviceUnknown {
			d.Status = domain.DeviceDisconnected
		}
		r.devices[d.DeviceID] = &d
	}
	return nil
}

// Register admits a device on a successful registration frame, creating
// the record on first sight.
func (r *Registry) Register(deviceID, sourceIP string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		d = &domain.Device{
			DeviceID:    deviceID,
			DisplayName: deviceID,
			Status:      domain.DeviceUnknown,
		}
		r.devices[deviceID] = d
	}

	now := time.Now()
	d.TCPConnected = true
	d.ConnectedAt = now
	d.LastHeartbeatAt = now
	d.SourceIP = sourceIP

	r.persistLocked(d)
	cp := *d
	return &cp, nil
}

// AttachSocket binds a socket to the device and returns the previous
// one, if any, so the caller can close it. At most one task holds a
// device's socket at a time.
func (r *Registry) AttachSocket(deviceID string, c io.Closer) io.Closer {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.socks[deviceID]
	r.socks[deviceID] = c
	if prev == nil {
		metrics.DevicesConnected.Inc()
	}
	return prev
}

// DetachSocket clears the socket and marks the device disconnected,
// but only if c is still the current socket — a replaced socket's
// teardown must not clobber its successor's state. Reports whether the
// detach took effect.
func (r *Registry) DetachSocket(deviceID string, c io.Closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.socks[deviceID] != c {
		return false
	}
	delete(r.socks, deviceID)
	metrics.DevicesConnected.Dec()

	if d, ok := r.devices[deviceID]; ok {
		d.TCPConnected = false
		r.persistLocked(d)
	}
	return true
}

// CloseSocket force-closes the device's current socket. Used by the
// activity monitor as the ping-timeout signal; the connection task
// observes the closed socket and performs its own teardown.
func (r *Registry) CloseSocket(deviceID string) {
	r.mu.RLock()
	c := r.socks[deviceID]
	r.mu.RUnlock()

	if c != nil {
		c.Close()
	}
}

// Heartbeat bumps the heartbeat timestamp and counter.
func (r *Registry) Heartbeat(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.LastHeartbeatAt = time.Now()
	d.HeartbeatCount++
	r.persistLocked(d)
}

// RecordEvent bumps the event counter and activity timestamp after the
// event processor has persisted an event.
func (r *Registry) RecordEvent(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.LastEventAt = at
	d.EventCount++
	r.persistLocked(d)
}

// SetActiveSession stores the Cloud-assigned session id for the device.
// An empty id clears it.
func (r *Registry) SetActiveSession(deviceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.ActiveCloudSessionID == sessionID {
		return
	}
	d.ActiveCloudSessionID = sessionID
	r.persistLocked(d)
}

// UpdateStatus records a derived status. Called only by the monitor.
func (r *Registry) UpdateStatus(deviceID string, status domain.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.Status == status {
		return
	}
	d.Status = status
	r.persistLocked(d)
}

// Get returns a copy of one device.
func (r *Registry) Get(deviceID string) (*domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// List returns copies of all devices.
func (r *Registry) List() []domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// ConnectedIDs returns the ids of devices with a live socket.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.devices))
	for id, d := range r.devices {
		if d.TCPConnected {
			out = append(out, id)
		}
	}
	return out
}

// persistLocked writes through to the durable mirror. A write failure
// is logged, not escalated: the in-memory registry stays authoritative
// and the next mutation retries the write.
func (r *Registry) persistLocked(d *domain.Device) {
	if err := r.store.UpsertDevice(*d); err != nil {
		log.Printf("[registry] persist %s: %v", d.DeviceID, err)
	}
}
