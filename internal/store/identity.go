package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dev.c0redev.fwpush/internal/guid"
)

// Identity: this node's client GUID and correlation GUID secret.
type Identity struct {
	ClientGUID guid.GUID
	Secret     guid.Secret
	CreatedAt  time.Time
}

// LoadOrCreateIdentity returns the stored identity, creating one on first use.
func (db *DB) LoadOrCreateIdentity(ctx context.Context) (Identity, error) {
	var id Identity
	var g, t string
	var secret []byte
	err := db.QueryRowContext(ctx, "SELECT client_guid, secret, created_at FROM identity WHERE id = 1").Scan(&g, &secret, &t)
	if err == nil {
		if id.ClientGUID, err = guid.Parse(g); err != nil {
			return Identity{}, fmt.Errorf("stored client guid: %w", err)
		}
		if len(secret) != len(id.Secret) {
			return Identity{}, fmt.Errorf("stored secret: %d bytes", len(secret))
		}
		copy(id.Secret[:], secret)
		id.CreatedAt, _ = time.Parse(time.RFC3339, t)
		return id, nil
	}
	if err != sql.ErrNoRows {
		return Identity{}, err
	}
	id = Identity{ClientGUID: guid.New(), Secret: guid.NewSecret(), CreatedAt: time.Now().UTC().Truncate(time.Second)}
	_, err = db.ExecContext(ctx, "INSERT INTO identity (id, client_guid, secret, created_at) VALUES (1, ?, ?, ?)",
		id.ClientGUID.String(), id.Secret[:], id.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}
