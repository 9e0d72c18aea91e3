package domain

import "time"

// SessionStatus mirrors the Cloud's session state. Only active and
// paused sessions are cached; anything else evicts the entry.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
)

// Session is the cached projection of a Cloud-owned session for one
// device. The edge never invents session ids — entries exist only
// because the Cloud reported them.
type Session struct {
	DeviceID       string        `json:"device_id"`
	CloudSessionID string        `json:"cloud_session_id"`
	AnimalID       string        `json:"animal_id,omitempty"`
	AnimalTag      string        `json:"animal_tag,omitempty"`
	AnimalSpecies  string        `json:"animal_species,omitempty"`
	OperatorID     string        `json:"operator_id,omitempty"`
	Status         SessionStatus `json:"status"`
	CachedAt       time.Time     `json:"cached_at"`
	LastUpdatedAt  time.Time     `json:"last_updated_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// Expired reports whether the cache entry has passed its TTL.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
