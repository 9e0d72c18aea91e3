package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carnitrack/edge/internal/domain"
)

type memIdentityStore struct {
	identity *domain.EdgeIdentity
}

func (s *memIdentityStore) GetIdentity() (*domain.EdgeIdentity, error) {
	return s.identity, nil
}

func (s *memIdentityStore) SetIdentity(id domain.EdgeIdentity) error {
	s.identity = &id
	return nil
}

func TestBootstrapNoStoredIdentity(t *testing.T) {
	c := NewClient(Config{APIURL: "https://example.com"})
	m := NewIdentityManager(&memIdentityStore{}, c, "", "", "test")

	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if c.Identity() != nil {
		t.Error("client got an identity from an empty store")
	}
}

func TestBootstrapMalformedIdentityTreatedAsMissing(t *testing.T) {
	store := &memIdentityStore{identity: &domain.EdgeIdentity{EdgeID: "not-a-uuid"}}
	c := NewClient(Config{APIURL: "https://example.com"})
	m := NewIdentityManager(store, c, "", "", "test")

	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if c.Identity() != nil {
		t.Error("malformed stored id was loaded into the client")
	}
}

func TestBootstrapValidIdentity(t *testing.T) {
	store := &memIdentityStore{identity: &domain.EdgeIdentity{EdgeID: testEdgeID, SiteID: "site-1"}}
	c := NewClient(Config{APIURL: "https://example.com"})
	m := NewIdentityManager(store, c, "", "", "test")

	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	id := c.Identity()
	if id == nil || id.EdgeID != testEdgeID {
		t.Errorf("client identity = %+v", id)
	}
}

func TestEnsureRegistersAndPersists(t *testing.T) {
	var gotReq RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(RegisterResponse{EdgeID: testEdgeID, SiteID: "site-1", SiteName: "Depot"})
	}))
	defer srv.Close()

	store := &memIdentityStore{}
	c := NewClient(Config{APIURL: srv.URL})
	m := NewIdentityManager(store, c, "site-1", "Depot", "test")

	id, err := m.Ensure(context.Background(), "startup")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id.EdgeID != testEdgeID || id.SiteName != "Depot" {
		t.Errorf("identity = %+v", id)
	}
	if id.RegisteredAt.IsZero() {
		t.Error("RegisteredAt not stamped")
	}
	if store.identity == nil || store.identity.EdgeID != testEdgeID {
		t.Error("identity not persisted")
	}
	if got := c.Identity(); got == nil || got.EdgeID != testEdgeID {
		t.Error("identity not installed in the client")
	}
	if gotReq.EdgeID != "" {
		t.Errorf("fresh registration offered edge id %q", gotReq.EdgeID)
	}
	if len(gotReq.Capabilities) == 0 {
		t.Error("registration carried no capabilities")
	}
}

func TestEnsureOffersStoredID(t *testing.T) {
	var gotReq RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(RegisterResponse{EdgeID: gotReq.EdgeID, SiteID: "site-1"})
	}))
	defer srv.Close()

	store := &memIdentityStore{identity: &domain.EdgeIdentity{EdgeID: testEdgeID}}
	c := NewClient(Config{APIURL: srv.URL})
	m := NewIdentityManager(store, c, "", "", "test")

	if _, err := m.Ensure(context.Background(), "auth_recovery"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if gotReq.EdgeID != testEdgeID {
		t.Errorf("re-registration offered %q, want the stored id", gotReq.EdgeID)
	}
}

func TestEnsureRetriesBlankWhenStoredIDRejected(t *testing.T) {
	const freshID = "00000000-0000-4000-8000-000000000001"
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req.EdgeID)
		if req.EdgeID != "" {
			http.Error(w, `{"error":"unknown edge"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(RegisterResponse{EdgeID: freshID, SiteID: "site-1"})
	}))
	defer srv.Close()

	store := &memIdentityStore{identity: &domain.EdgeIdentity{EdgeID: testEdgeID}}
	c := NewClient(Config{APIURL: srv.URL})
	m := NewIdentityManager(store, c, "", "", "test")

	id, err := m.Ensure(context.Background(), "auth_recovery")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id.EdgeID != freshID {
		t.Errorf("EdgeID = %q, want the freshly issued id", id.EdgeID)
	}
	if len(requests) != 2 || requests[0] != testEdgeID || requests[1] != "" {
		t.Errorf("register attempts = %v, want stored id then blank", requests)
	}
}

func TestEnsureRejectsMalformedCloudID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegisterResponse{EdgeID: "garbage"})
	}))
	defer srv.Close()

	store := &memIdentityStore{}
	c := NewClient(Config{APIURL: srv.URL})
	m := NewIdentityManager(store, c, "", "", "test")

	if _, err := m.Ensure(context.Background(), "startup"); err == nil {
		t.Fatal("Ensure accepted a malformed edge id from the cloud")
	}
	if store.identity != nil {
		t.Error("malformed identity was persisted")
	}
}
