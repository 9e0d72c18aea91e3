package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carnitrack/edge/internal/cloud"
)

type fakeFetcher struct {
	mu       sync.Mutex
	online   bool
	sessions map[string]*cloud.SessionDescriptor
	fetches  int
}

func (f *fakeFetcher) FetchSessions(ctx context.Context, deviceIDs []string) (map[string]*cloud.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	out := make(map[string]*cloud.SessionDescriptor)
	for _, id := range deviceIDs {
		if s, ok := f.sessions[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeFetcher) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

type fakeDevices struct {
	mu        sync.Mutex
	connected []string
	sessions  map[string]string
}

func (d *fakeDevices) ConnectedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevices) SetActiveSession(deviceID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[deviceID] = sessionID
}

func (d *fakeDevices) session(deviceID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[deviceID]
}

func testCache(expiry time.Duration) (*Cache, *fakeFetcher, *fakeDevices) {
	fetcher := &fakeFetcher{online: true, sessions: make(map[string]*cloud.SessionDescriptor)}
	devices := &fakeDevices{sessions: make(map[string]string)}
	cfg := DefaultConfig()
	cfg.Expiry = expiry
	c := NewCache(fetcher, devices, cfg)
	return c, fetcher, devices
}

func TestRefreshCachesActiveSessions(t *testing.T) {
	c, fetcher, devices := testCache(time.Hour)
	devices.connected = []string{"SCALE-01", "SCALE-02"}
	fetcher.sessions["SCALE-01"] = &cloud.SessionDescriptor{
		CloudSessionID: "sess-1",
		AnimalTag:      "TR-0042",
		Status:         "active",
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	s, ok := c.Get("SCALE-01")
	if !ok {
		t.Fatal("session not cached")
	}
	if s.CloudSessionID != "sess-1" || s.AnimalTag != "TR-0042" {
		t.Errorf("cached %+v", s)
	}
	if devices.session("SCALE-01") != "sess-1" {
		t.Error("device record not updated with the session id")
	}

	// Device without a session stays absent and cleared.
	if _, ok := c.Get("SCALE-02"); ok {
		t.Error("sessionless device got a cache entry")
	}
	if devices.session("SCALE-02") != "" {
		t.Error("sessionless device kept a session id")
	}
}

func TestRefreshOnlyQueriesConnectedDevices(t *testing.T) {
	c, fetcher, devices := testCache(time.Hour)
	devices.connected = nil

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fetcher.fetches != 0 {
		t.Error("Refresh queried the cloud with no connected devices")
	}
}

func TestRefreshEvictsNonCacheableStatuses(t *testing.T) {
	c, fetcher, devices := testCache(time.Hour)
	devices.connected = []string{"SCALE-01"}
	fetcher.sessions["SCALE-01"] = &cloud.SessionDescriptor{CloudSessionID: "sess-1", Status: "active"}
	c.Refresh(context.Background())

	// Paused keeps the entry.
	fetcher.sessions["SCALE-01"].Status = "paused"
	c.Refresh(context.Background())
	if _, ok := c.Get("SCALE-01"); !ok {
		t.Error("paused session was evicted")
	}

	// Completed evicts and clears the device.
	fetcher.sessions["SCALE-01"].Status = "completed"
	c.Refresh(context.Background())
	if _, ok := c.Get("SCALE-01"); ok {
		t.Error("completed session stayed cached")
	}
	if devices.session("SCALE-01") != "" {
		t.Error("completed session left a session id on the device")
	}
}

func TestRefreshReplacesChangedSession(t *testing.T) {
	c, fetcher, devices := testCache(time.Hour)
	devices.connected = []string{"SCALE-01"}
	fetcher.sessions["SCALE-01"] = &cloud.SessionDescriptor{CloudSessionID: "sess-1", Status: "active"}
	c.Refresh(context.Background())

	fetcher.sessions["SCALE-01"] = &cloud.SessionDescriptor{CloudSessionID: "sess-2", Status: "active"}
	c.Refresh(context.Background())

	s, _ := c.Get("SCALE-01")
	if s.CloudSessionID != "sess-2" {
		t.Errorf("CloudSessionID = %q, want the replacement", s.CloudSessionID)
	}
	if devices.session("SCALE-01") != "sess-2" {
		t.Error("device record not moved to the new session")
	}
}

func TestExpiredEntriesReadAbsent(t *testing.T) {
	c, fetcher, devices := testCache(10 * time.Millisecond)
	devices.connected = []string{"SCALE-01"}
	fetcher.sessions["SCALE-01"] = &cloud.SessionDescriptor{CloudSessionID: "sess-1", Status: "active"}
	c.Refresh(context.Background())

	time.Sleep(20 * time.Millisecond)

	// Expired before any sweep: Get must already report absent.
	if _, ok := c.Get("SCALE-01"); ok {
		t.Error("expired entry still readable")
	}
	if got := c.Entries(); len(got) != 0 {
		t.Errorf("Entries = %v, want none", got)
	}
}

func TestSweepClearsDeviceSession(t *testing.T) {
	c, fetcher, devices := testCache(10 * time.Millisecond)
	devices.connected = []string{"SCALE-01"}
	fetcher.sessions["SCALE-01"] = &cloud.SessionDescriptor{CloudSessionID: "sess-1", Status: "active"}
	c.Refresh(context.Background())

	time.Sleep(20 * time.Millisecond)
	c.sweep(time.Now())

	if devices.session("SCALE-01") != "" {
		t.Error("sweep left the stale session id on the device")
	}
}

func TestEntriesSnapshot(t *testing.T) {
	c, fetcher, devices := testCache(time.Hour)
	devices.connected = []string{"SCALE-01", "SCALE-02"}
	fetcher.sessions["SCALE-01"] = &cloud.SessionDescriptor{CloudSessionID: "sess-1", Status: "active"}
	fetcher.sessions["SCALE-02"] = &cloud.SessionDescriptor{CloudSessionID: "sess-2", Status: "paused"}
	c.Refresh(context.Background())

	if got := c.Entries(); len(got) != 2 {
		t.Errorf("Entries = %d, want 2", len(got))
	}
}
