package cloud

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// IdentityStore persists the edge identity singleton.
type IdentityStore interface {
	GetIdentity() (*domain.EdgeIdentity, error)
	SetIdentity(domain.EdgeIdentity) error
}

// IdentityManager owns edge identity resolution: it loads the stored
// identity at startup and (re)registers with the Cloud when the client
// reports the identity missing, malformed, or rejected. It is the only
// writer of the identity record.
type IdentityManager struct {
	mu       sync.Mutex
	store    IdentityStore
	client   *Client
	siteID   string
	siteName string
	version  string
}

// NewIdentityManager wires the manager to the store and client and
// installs itself as the client's identity handler.
func NewIdentityManager(store IdentityStore, client *Client, siteID, siteName, version string) *IdentityManager {
	m := &IdentityManager{
		store:    store,
		client:   client,
		siteID:   siteID,
		siteName: siteName,
		version:  version,
	}
	client.SetIdentityHandler(m.Ensure)
	return m
}

// Bootstrap loads the persisted identity into the client. A malformed
// stored edge id is treated as missing — the first authenticated
// request will trigger recovery.
func (m *IdentityManager) Bootstrap() error {
	id, err := m.store.GetIdentity()
	if err != nil {
		return fmt.Errorf("load edge identity: %w", err)
	}
	if id == nil {
		log.Printf("[identity] no stored identity, will register on first use")
		return nil
	}
	if !ValidEdgeID(id.EdgeID) {
		log.Printf("[identity] stored edge id %q is malformed, treating as missing", id.EdgeID)
		return nil
	}
	m.client.SetIdentity(id)
	log.Printf("[identity] loaded edge %s (site %s)", id.EdgeID, id.SiteID)
	return nil
}

// Ensure (re)registers the edge and persists the returned identity.
// Serialized so concurrent recoveries collapse into one registration.
func (m *IdentityManager) Ensure(ctx context.Context, reason string) (*domain.EdgeIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Printf("[identity] ensuring edge identity (reason=%s)", reason)

	req := RegisterRequest{
		SiteID:       m.siteID,
		SiteName:     m.siteName,
		Version:      m.version,
		Capabilities: []string{"events", "events_batch", "offline_batches", "device_status"},
	}
	if stored, err := m.store.GetIdentity(); err == nil && stored != nil && ValidEdgeID(stored.EdgeID) {
		req.EdgeID = stored.EdgeID
	}

	resp, err := m.client.Register(ctx, req)
	if err != nil {
		// A 400/404 means the Cloud no longer knows (or never issued)
		// the edge id we offered; retry once with a blank slate.
		var apiErr *APIError
		if errors.As(err, &apiErr) && req.EdgeID != "" &&
			(apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusNotFound) {
			log.Printf("[identity] register with stored id rejected (%d), re-registering fresh", apiErr.Status)
			req.EdgeID = ""
			resp, err = m.client.Register(ctx, req)
		}
		if err != nil {
			return nil, fmt.Errorf("register edge: %w", err)
		}
	}

	if !ValidEdgeID(resp.EdgeID) {
		return nil, fmt.Errorf("%w: cloud returned edge id %q", domain.ErrIdentityRejected, resp.EdgeID)
	}

	id := &domain.EdgeIdentity{
		EdgeID:       resp.EdgeID,
		SiteID:       resp.SiteID,
		SiteName:     resp.SiteName,
		RegisteredAt: time.Now(),
	}
	if err := m.store.SetIdentity(*id); err != nil {
		return nil, fmt.Errorf("persist edge identity: %w", err)
	}
	m.client.SetIdentity(id)

	log.Printf("[identity] registered as edge %s (site %s)", id.EdgeID, id.SiteID)
	return id, nil
}
