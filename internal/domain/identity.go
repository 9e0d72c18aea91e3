package domain

import "time"

// EdgeIdentity is the singleton credential record for this gateway.
// EdgeID is a Cloud-assigned UUID carried on every authenticated request;
// a missing, malformed, or rejected value triggers identity recovery.
type EdgeIdentity struct {
	EdgeID       string    `json:"edge_id"`
	SiteID       string    `json:"site_id,omitempty"`
	SiteName     string    `json:"site_name,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}
