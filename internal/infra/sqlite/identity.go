package sqlite

import (
	"database/sql"

	"github.com/carnitrack/edge/internal/domain"
)

// ─── Edge Identity ──────────────────────────────────────────────────────────
// Single row, written only by the identity ensurer.

// SetIdentity stores the edge identity singleton.
func (d *DB) SetIdentity(id domain.EdgeIdentity) error {
	_, err := d.db.Exec(
		`INSERT INTO edge_identity (id, edge_id, site_id, site_name, registered_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			edge_id=excluded.edge_id,
			site_id=excluded.site_id,
			site_name=excluded.site_name,
			registered_at=excluded.registered_at`,
		id.EdgeID, id.SiteID, id.SiteName, nullableUnixMilli(id.RegisteredAt),
	)
	return err
}

// GetIdentity loads the edge identity. Returns (nil, nil) when the
// gateway has never registered.
func (d *DB) GetIdentity() (*domain.EdgeIdentity, error) {
	var id domain.EdgeIdentity
	var registeredAt sql.NullInt64

	err := d.db.QueryRow(
		`SELECT edge_id, site_id, site_name, registered_at FROM edge_identity WHERE id = 1`,
	).Scan(&id.EdgeID, &id.SiteID, &id.SiteName, &registeredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	id.RegisteredAt = timeFromMilli(registeredAt)
	return &id, nil
}
