package device

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/infra/metrics"
)

// MonitorConfig tunes the periodic status sweep.
type MonitorConfig struct {
	CheckInterval    time.Duration
	HeartbeatTimeout time.Duration
	IdleThreshold    time.Duration
	StaleThreshold   time.Duration
}

// DefaultMonitorConfig returns the standard thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:    10 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		IdleThreshold:    5 * time.Minute,
		StaleThreshold:   30 * time.Minute,
	}
}

// Transition is published on every status change so observers (the
// dashboard collaborator, the status pusher) can react.
type Transition struct {
	DeviceID string              `json:"device_id"`
	From     domain.DeviceStatus `json:"from"`
	To       domain.DeviceStatus `json:"to"`
	At       time.Time           `json:"at"`
}

// Monitor re-derives each device's status on a timer. It is the single
// source of truth for device health; the only hard action it takes is
// closing the socket of a device whose heartbeats have expired — the
// connection task owns the rest of the teardown.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig

	mu   sync.RWMutex
	subs []func(Transition)
}

// NewMonitor creates a monitor over the registry.
func NewMonitor(registry *Registry, cfg MonitorConfig) *Monitor {
	return &Monitor{registry: registry, cfg: cfg}
}

// Subscribe registers a transition observer. Observers run on the sweep
// goroutine and must not block.
func (m *Monitor) Subscribe(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Run starts the sweep loop. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.Sweep(time.Now())

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep re-evaluates every device once and publishes transitions.
func (m *Monitor) Sweep(now time.Time) {
	counts := map[domain.DeviceStatus]int{}

	for _, d := range m.registry.List() {
		next := m.derive(&d, now)
		counts[next]++
		if next == d.Status {
			continue
		}

		// Heartbeat expiry on a live socket is the ping-timeout signal:
		// close the socket, the connection task tears down.
		if next == domain.DeviceDisconnected && d.TCPConnected {
			log.Printf("[monitor] %s heartbeat expired, closing socket", d.DeviceID)
			m.registry.CloseSocket(d.DeviceID)
		}

		m.registry.UpdateStatus(d.DeviceID, next)
		log.Printf("[monitor] %s: %s -> %s", d.DeviceID, d.Status, next)
		m.publish(Transition{DeviceID: d.DeviceID, From: d.Status, To: next, At: now})
	}

	for _, s := range []domain.DeviceStatus{
		domain.DeviceOnline, domain.DeviceIdle, domain.DeviceStale,
		domain.DeviceDisconnected, domain.DeviceUnknown,
	} {
		metrics.DeviceStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// derive computes the device's status from connection and timestamp
// state. A heartbeat exactly at the timeout counts as expired.
func (m *Monitor) derive(d *domain.Device, now time.Time) domain.DeviceStatus {
	if !d.EverConnected() {
		return domain.DeviceUnknown
	}

	lastHB := d.LastHeartbeatAt
	if lastHB.IsZero() {
		lastHB = d.ConnectedAt
	}
	if !d.TCPConnected || now.Sub(lastHB) >= m.cfg.HeartbeatTimeout {
		return domain.DeviceDisconnected
	}

	// Freshly registered devices have no events yet; measure activity
	// from the connect time so they surface as idle, not stale.
	lastActivity := d.LastEventAt
	if lastActivity.IsZero() {
		lastActivity = d.ConnectedAt
	}
	elapsed := now.Sub(lastActivity)
	switch {
	case elapsed < m.cfg.IdleThreshold:
		return domain.DeviceOnline
	case elapsed < m.cfg.StaleThreshold:
		return domain.DeviceIdle
	default:
		return domain.DeviceStale
	}
}

func (m *Monitor) publish(t Transition) {
	m.mu.RLock()
	subs := m.subs
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(t)
	}
}
