// Package session caches each device's active Cloud session. The cache
// is strictly a projection: entries exist only because the Cloud
// reported them, and they expire on a TTL. The edge never invents
// session ids.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/cloud"
	"github.com/carnitrack/edge/internal/domain"
)

// Fetcher is the slice of the REST client the cache needs.
type Fetcher interface {
	FetchSessions(ctx context.Context, deviceIDs []string) (map[string]*cloud.SessionDescriptor, error)
	IsOnline() bool
}

// Devices lets the cache push session ids into device records.
type Devices interface {
	ConnectedIDs() []string
	SetActiveSession(deviceID, sessionID string)
}

// Config tunes polling and expiry.
type Config struct {
	PollInterval    time.Duration
	Expiry          time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the standard cache settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		Expiry:          4 * time.Hour,
		CleanupInterval: time.Minute,
	}
}

// Cache maps device ids to their active session. Updated only by the
// polling goroutine; readers get copies.
type Cache struct {
	fetcher Fetcher
	devices Devices
	cfg     Config

	mu      sync.RWMutex
	entries map[string]*domain.Session
}

// NewCache creates an empty session cache.
func NewCache(fetcher Fetcher, devices Devices, cfg Config) *Cache {
	return &Cache{
		fetcher: fetcher,
		devices: devices,
		cfg:     cfg,
		entries: make(map[string]*domain.Session),
	}
}

// Run polls the Cloud for sessions of connected devices and sweeps
// expired entries. Call in a goroutine.
func (c *Cache) Run(ctx context.Context) {
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if c.fetcher.IsOnline() {
				if err := c.Refresh(ctx); err != nil {
					log.Printf("[sessions] refresh: %v", err)
				}
			}
		case now := <-cleanup.C:
			c.sweep(now)
		}
	}
}

// Refresh fetches sessions for all currently connected devices and
// applies the response: active/paused sessions upsert the cache and
// the device record; absent devices are evicted.
func (c *Cache) Refresh(ctx context.Context) error {
	ids := c.devices.ConnectedIDs()
	if len(ids) == 0 {
		return nil
	}

	sessions, err := c.fetcher.FetchSessions(ctx, ids)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, deviceID := range ids {
		desc := sessions[deviceID]
		if desc == nil || !cacheable(desc.Status) {
			c.evict(deviceID)
			continue
		}
		c.upsert(deviceID, desc, now)
	}
	return nil
}

func cacheable(status string) bool {
	s := domain.SessionStatus(status)
	return s == domain.SessionActive || s == domain.SessionPaused
}

func (c *Cache) upsert(deviceID string, desc *cloud.SessionDescriptor, now time.Time) {
	c.mu.Lock()
	s, ok := c.entries[deviceID]
	if !ok || s.CloudSessionID != desc.CloudSessionID {
		s = &domain.Session{DeviceID: deviceID, CachedAt: now}
		c.entries[deviceID] = s
	}
	s.CloudSessionID = desc.CloudSessionID
	s.AnimalID = desc.AnimalID
	s.AnimalTag = desc.AnimalTag
	s.AnimalSpecies = desc.AnimalSpecies
	s.OperatorID = desc.OperatorID
	s.Status = domain.SessionStatus(desc.Status)
	s.LastUpdatedAt = now
	s.ExpiresAt = now.Add(c.cfg.Expiry)
	c.mu.Unlock()

	c.devices.SetActiveSession(deviceID, desc.CloudSessionID)
}

func (c *Cache) evict(deviceID string) {
	c.mu.Lock()
	_, had := c.entries[deviceID]
	delete(c.entries, deviceID)
	c.mu.Unlock()

	if had {
		log.Printf("[sessions] evicted session for %s", deviceID)
	}
	c.devices.SetActiveSession(deviceID, "")
}

// sweep evicts entries past their TTL and clears the device's session
// id so later events are not tagged with a dead session.
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	var expired []string
	for deviceID, s := range c.entries {
		if s.Expired(now) {
			delete(c.entries, deviceID)
			expired = append(expired, deviceID)
		}
	}
	c.mu.Unlock()

	for _, deviceID := range expired {
		log.Printf("[sessions] session for %s expired", deviceID)
		c.devices.SetActiveSession(deviceID, "")
	}
}

// Get returns the device's cached session. Expired entries read as
// absent even before the sweep runs.
func (c *Cache) Get(deviceID string) (*domain.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.entries[deviceID]
	if !ok || s.Expired(time.Now()) {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Entries returns a snapshot of all non-expired entries.
func (c *Cache) Entries() []domain.Session {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Session, 0, len(c.entries))
	for _, s := range c.entries {
		if !s.Expired(now) {
			out = append(out, *s)
		}
	}
	return out
}
