// Package cloud implements the REST client for the Cloud API:
// authenticated requests with retry and exponential backoff, online
// state tracking, an offline request queue, and edge identity recovery.
// The client is the single source of truth for "online vs offline".
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/infra/metrics"
)

// clientType identifies this gateway implementation to the Cloud.
const clientType = "carnitrack-edge"

// onlineWindow: a success this recent means online regardless of the
// stored flag.
const onlineWindow = 30 * time.Second

// Config tunes the REST client. Zero values fall back to the defaults
// from DefaultConfig.
type Config struct {
	APIURL            string
	Version           string
	EventSendTimeout  time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
	QueueWhenOffline  bool
	MaxQueueSize      int
}

// DefaultConfig returns the standard client settings.
func DefaultConfig() Config {
	return Config{
		EventSendTimeout:  10 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     30 * time.Second,
		QueueWhenOffline:  true,
		MaxQueueSize:      100,
	}
}

// APIError carries a non-2xx response up to the caller, so identity
// repair can distinguish "400 malformed" from "404 unknown".
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud returned %d: %s", e.Status, truncate(e.Body, 200))
}

// IdentityHandler (re)registers the edge and returns a fresh identity.
// reason is "missing_or_invalid" or "auth_recovery".
type IdentityHandler func(ctx context.Context, reason string) (*domain.EdgeIdentity, error)

// Client is the authenticated Cloud REST client.
type Client struct {
	cfg   Config
	base  string
	httpc *http.Client

	mu           sync.RWMutex
	identity     *domain.EdgeIdentity
	online       bool
	lastSuccess  time.Time
	offlineSince time.Time
	ensure       IdentityHandler

	subMu          sync.RWMutex
	onConnected    []func()
	onDisconnected []func()

	queue *requestQueue
}

// NewClient creates a client for the configured API URL. The base URL
// is normalized to carry exactly one /edge prefix.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.EventSendTimeout <= 0 {
		cfg.EventSendTimeout = def.EventSendTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}

	return &Client{
		cfg:   cfg,
		base:  NormalizeBaseURL(cfg.APIURL),
		httpc: &http.Client{},
		queue: newRequestQueue(cfg.MaxQueueSize),
	}
}

// NormalizeBaseURL strips trailing slashes and ensures exactly one
// trailing /edge segment. Idempotent, so a restart never stacks
// prefixes.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if u == "" {
		return u
	}
	for strings.HasSuffix(u, "/edge/edge") {
		u = strings.TrimSuffix(u, "/edge")
	}
	if !strings.HasSuffix(u, "/edge") {
		u += "/edge"
	}
	return u
}

// BaseURL returns the normalized base.
func (c *Client) BaseURL() string { return c.base }

// SetIdentityHandler installs the recovery handler. Authenticated
// requests fail with a clear error if none is installed and the stored
// identity is unusable.
func (c *Client) SetIdentityHandler(h IdentityHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure = h
}

// SetIdentity replaces the in-memory identity. Called by the identity
// ensurer after registration.
func (c *Client) SetIdentity(id *domain.EdgeIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

// Identity returns the current identity, or nil.
func (c *Client) Identity() *domain.EdgeIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// OnConnected registers a callback for offline→online transitions.
func (c *Client) OnConnected(fn func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnDisconnected registers a callback for online→offline transitions.
func (c *Client) OnDisconnected(fn func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

// IsOnline reports reachability: true if a request succeeded within the
// last 30 seconds, otherwise the stored flag.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if time.Since(c.lastSuccess) < onlineWindow && !c.lastSuccess.IsZero() {
		return true
	}
	return c.online
}

// OfflineSince returns when the client last transitioned offline.
func (c *Client) OfflineSince() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.online || c.offlineSince.IsZero() {
		return time.Time{}, false
	}
	return c.offlineSince, true
}

// ValidEdgeID reports whether s is a canonical RFC-4122 UUID (v1–v5).
// Anything else — urn: prefixes, braces, random strings — is treated as
// a missing identity.
func ValidEdgeID(s string) bool {
	if len(s) != 36 {
		return false
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	if u.Variant() != uuid.RFC4122 {
		return false
	}
	v := u.Version()
	return v >= 1 && v <= 5
}

// ─── Endpoints ──────────────────────────────────────────────────────────────

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	EdgeID       string   `json:"edgeId,omitempty"`
	SiteID       string   `json:"siteId,omitempty"`
	SiteName     string   `json:"siteName,omitempty"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResponse carries the Cloud-assigned identity.
type RegisterResponse struct {
	EdgeID   string `json:"edgeId"`
	SiteID   string `json:"siteId"`
	SiteName string `json:"siteName"`
}

// Register (re)registers the edge. Unlike the other methods, non-2xx
// responses surface as *APIError with status and body intact.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionDescriptor is one device's active session as reported by the
// Cloud.
type SessionDescriptor struct {
	CloudSessionID string `json:"cloudSessionId"`
	AnimalID       string `json:"animalId,omitempty"`
	AnimalTag      string `json:"animalTag,omitempty"`
	AnimalSpecies  string `json:"animalSpecies,omitempty"`
	OperatorID     string `json:"operatorId,omitempty"`
	Status         string `json:"status"`
}

// FetchSessions queries active sessions for the given devices. Devices
// absent from the result have no active session.
func (c *Client) FetchSessions(ctx context.Context, deviceIDs []string) (map[string]*SessionDescriptor, error) {
	path := "/sessions?device_ids=" + strings.Join(deviceIDs, ",")
	var out struct {
		Sessions map[string]*SessionDescriptor `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// EventPayload is the wire shape of one event for /events and
// /events/batch.
type EventPayload struct {
	LocalEventID   string `json:"localEventId"`
	DeviceID       string `json:"deviceId"`
	GlobalDeviceID string `json:"globalDeviceId,omitempty"`
	CloudSessionID string `json:"cloudSessionId,omitempty"`
	OfflineMode    bool   `json:"offlineMode"`
	OfflineBatchID string `json:"offlineBatchId,omitempty"`
	PLUCode        string `json:"pluCode"`
	ProductName    string `json:"productName"`
	WeightGrams    int64  `json:"weightGrams"`
	Barcode        string `json:"barcode"`
	ScaleTimestamp string `json:"scaleTimestamp"`
	ReceivedAt     string `json:"receivedAt"`
}

// Ack statuses returned by the Cloud for event delivery.
const (
	AckAccepted  = "accepted"
	AckDuplicate = "duplicate"
	AckFailed    = "failed"
)

// EventAck is the Cloud's response to a single event.
type EventAck struct {
	CloudEventID string `json:"cloudEventId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// SendEvent streams one event. Queued when offline.
func (c *Client) SendEvent(ctx context.Context, p EventPayload) (*EventAck, error) {
	var out EventAck
	if err := c.eventRequest(ctx, "/events", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchResult is the per-event outcome of a batch upload.
type BatchResult struct {
	LocalEventID string `json:"localEventId"`
	CloudEventID string `json:"cloudEventId,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// BatchResponse carries per-event outcomes.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// OfflineBatchInfo is the batch metadata attached to a flush so the
// Cloud can stage reconciliation.
type OfflineBatchInfo struct {
	BatchID          string `json:"batchId"`
	DeviceID         string `json:"deviceId,omitempty"`
	StartedAt        string `json:"startedAt"`
	EndedAt          string `json:"endedAt,omitempty"`
	EventCount       int64  `json:"eventCount"`
	TotalWeightGrams int64  `json:"totalWeightGrams"`
}

type batchRequest struct {
	Events          []EventPayload    `json:"events"`
	OfflineBatchEnd *OfflineBatchInfo `json:"offlineBatchEnd,omitempty"`
}

// SendEventBatch uploads a slice of events. Queued when offline.
func (c *Client) SendEventBatch(ctx context.Context, events []EventPayload) (*BatchResponse, error) {
	var out BatchResponse
	if err := c.eventRequest(ctx, "/events/batch", batchRequest{Events: events}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyOfflineBatchEnd announces a closed offline batch to the Cloud.
// Rides on /events/batch with no events, metadata only.
func (c *Client) NotifyOfflineBatchEnd(ctx context.Context, b domain.OfflineBatch) error {
	info := &OfflineBatchInfo{
		BatchID:          b.BatchID,
		DeviceID:         b.DeviceID,
		StartedAt:        b.StartedAt.UTC().Format(time.RFC3339),
		EventCount:       b.EventCount,
		TotalWeightGrams: b.TotalWeightGrams,
	}
	if b.Closed() {
		info.EndedAt = b.EndedAt.UTC().Format(time.RFC3339)
	}
	var out BatchResponse
	return c.do(ctx, http.MethodPost, "/events/batch", batchRequest{Events: []EventPayload{}, OfflineBatchEnd: info}, &out)
}

// DeviceStatusReport is one device's entry in the periodic status push.
type DeviceStatusReport struct {
	DeviceID        string `json:"deviceId"`
	GlobalDeviceID  string `json:"globalDeviceId,omitempty"`
	Status          string `json:"status"`
	TCPConnected    bool   `json:"tcpConnected"`
	LastHeartbeatAt string `json:"lastHeartbeatAt,omitempty"`
	LastEventAt     string `json:"lastEventAt,omitempty"`
	EventCount      int64  `json:"eventCount"`
}

// PushDeviceStatus uploads the current device status snapshot. Queued
// when offline.
func (c *Client) PushDeviceStatus(ctx context.Context, reports []DeviceStatusReport) error {
	body := struct {
		Devices []DeviceStatusReport `json:"devices"`
	}{Devices: reports}
	return c.eventRequest(ctx, "/devices/status", body, nil)
}

// Probe issues a lightweight authenticated request to re-test
// reachability. A success flips the client online and wakes the queue.
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// FetchConfig retrieves edge configuration overrides.
func (c *Client) FetchConfig(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Request Core ───────────────────────────────────────────────────────────

// eventRequest routes event-class requests through the offline queue
// when the Cloud is unreachable and queueing is enabled.
func (c *Client) eventRequest(ctx context.Context, path string, payload, out any) error {
	if c.cfg.QueueWhenOffline && !c.IsOnline() {
		return c.enqueue(ctx, path, payload, out)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

// do runs one logical request through the retry machinery and decodes a
// 2xx body into out. Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
	}

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status >= 300 {
		return &APIError{Status: resp.status, Body: string(resp.body)}
	}
	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

type response struct {
	status int
	body   []byte
}

// send applies the retry policy: 2xx marks online and returns; plain
// 4xx returns without retry; 429/5xx and transport errors retry with
// exponential backoff; exhaustion marks offline.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*response, error) {
	authenticated := !strings.HasPrefix(path, "/register")
	if authenticated {
		if !ValidEdgeID(c.edgeID()) {
			if err := c.recoverIdentity(ctx, "missing_or_invalid"); err != nil {
				return nil, err
			}
		}
	}

	recovered := false
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, err := c.once(ctx, method, path, body, authenticated)
		if err != nil {
			lastErr = err
			metrics.CloudRequests.WithLabelValues(path, "transport_error").Inc()
			continue
		}

		// Identity rejection: recover once, retry the original request
		// exactly once with the new identity.
		if authenticated && !recovered && isAuthRejection(resp) {
			recovered = true
			log.Printf("[cloud] %s %s: identity rejected (%d), recovering", method, path, resp.status)
			if err := c.recoverIdentity(ctx, "auth_recovery"); err != nil {
				return nil, err
			}
			resp, err = c.once(ctx, method, path, body, authenticated)
			if err != nil {
				lastErr = err
				metrics.CloudRequests.WithLabelValues(path, "transport_error").Inc()
				continue
			}
		}

		switch {
		case resp.status >= 200 && resp.status < 300:
			metrics.CloudRequests.WithLabelValues(path, "ok").Inc()
			c.markOnline()
			return resp, nil
		case resp.status == http.StatusTooManyRequests || resp.status >= 500:
			lastErr = &APIError{Status: resp.status, Body: string(resp.body)}
			metrics.CloudRequests.WithLabelValues(path, "retryable").Inc()
		default:
			// Other 4xx: no retry; the caller inspects the response.
			metrics.CloudRequests.WithLabelValues(path, "rejected").Inc()
			return resp, nil
		}
	}

	c.markOffline()
	return nil, fmt.Errorf("%s %s: %w", method, path, lastErr)
}

// once performs a single HTTP round trip with the request deadline.
func (c *Client) once(ctx context.Context, method, path string, body []byte, authenticated bool) (*response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.EventSendTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Type", clientType)
	req.Header.Set("X-Client-Version", c.cfg.Version)
	if authenticated {
		id := c.Identity()
		if id == nil || !ValidEdgeID(id.EdgeID) {
			return nil, domain.ErrNoIdentity
		}
		req.Header.Set("X-Edge-Id", id.EdgeID)
		if id.SiteID != "" {
			req.Header.Set("X-Site-Id", id.SiteID)
		}
	}

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &response{status: httpResp.StatusCode, body: b}, nil
}

// backoff sleeps delay·multiplier^(attempt-1), capped at the max delay.
// With MaxRetries = 0 no backoff ever runs, so a 5xx fails immediately.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
		if delay >= c.cfg.MaxRetryDelay {
			delay = c.cfg.MaxRetryDelay
			break
		}
	}
	if delay > c.cfg.MaxRetryDelay {
		delay = c.cfg.MaxRetryDelay
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// authRecoveryHints are the body markers that identify an identity
// rejection, matched case-insensitively.
var authRecoveryHints = []string{
	"missing", "invalid edge", "unknown edge", "invalid_edge", "unknown_edge", "x-edge-id",
}

func isAuthRejection(resp *response) bool {
	if resp.status != http.StatusUnauthorized && resp.status != http.StatusNotFound {
		return false
	}
	body := strings.ToLower(string(resp.body))
	for _, hint := range authRecoveryHints {
		if strings.Contains(body, hint) {
			return true
		}
	}
	return false
}

func (c *Client) edgeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.EdgeID
}

// recoverIdentity invokes the installed handler and swaps the identity
// in. A memory fence is needed only at the moment of replacement, which
// SetIdentity's lock provides.
func (c *Client) recoverIdentity(ctx context.Context, reason string) error {
	c.mu.RLock()
	ensure := c.ensure
	c.mu.RUnlock()

	if ensure == nil {
		return fmt.Errorf("identity %s: %w", reason, domain.ErrNoIdentity)
	}
	id, err := ensure(ctx, reason)
	if err != nil {
		return fmt.Errorf("ensure edge identity (%s): %w", reason, err)
	}
	c.SetIdentity(id)
	return nil
}

// ─── Online State ───────────────────────────────────────────────────────────

func (c *Client) markOnline() {
	c.mu.Lock()
	was := c.online
	c.online = true
	c.lastSuccess = time.Now()
	c.mu.Unlock()

	metrics.CloudOnline.Set(1)
	if !was {
		log.Printf("[cloud] connected")
		c.fire(c.connectedSubs())
		c.queue.wakeup()
	}
}

func (c *Client) markOffline() {
	c.mu.Lock()
	was := c.online
	c.online = false
	if was || c.offlineSince.IsZero() {
		c.offlineSince = time.Now()
	}
	c.mu.Unlock()

	metrics.CloudOnline.Set(0)
	if was {
		log.Printf("[cloud] disconnected")
		c.fire(c.disconnectedSubs())
	}
}

func (c *Client) connectedSubs() []func() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.onConnected
}

func (c *Client) disconnectedSubs() []func() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.onDisconnected
}

func (c *Client) fire(subs []func()) {
	for _, fn := range subs {
		go fn()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
