package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlite (endpoint cache + node identity).
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each pooled conn would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS push_endpoints (
			guid TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			do_not_proxy INTEGER NOT NULL DEFAULT 0,
			multicast INTEGER NOT NULL DEFAULT 0,
			ultrapeer TEXT,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			client_guid TEXT NOT NULL,
			secret BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_push_endpoints_updated ON push_endpoints(updated_at);
	`)
	return err
}

// SaveEndpoint upserts e by client GUID. Text form holds at most endpoint.MaxProxies proxies.
func (db *DB) SaveEndpoint(ctx context.Context, e endpoint.Endpoint) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var up any
	if e.Ultrapeer.IsValid() {
		up = e.Ultrapeer.String()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO push_endpoints (guid, text, do_not_proxy, multicast, ultrapeer, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET text=excluded.text, do_not_proxy=excluded.do_not_proxy,
			multicast=excluded.multicast, ultrapeer=excluded.ultrapeer, updated_at=excluded.updated_at`,
		e.ClientGUID.String(), endpoint.MarshalText(e, true), boolInt(e.DoNotProxy), boolInt(e.Multicast), up, now)
	return err
}

// EndpointByGUID returns the stored endpoint or false.
func (db *DB) EndpointByGUID(ctx context.Context, g guid.GUID) (endpoint.Endpoint, bool, error) {
	row := db.QueryRowContext(ctx, "SELECT text, do_not_proxy, multicast, COALESCE(ultrapeer,'') FROM push_endpoints WHERE guid = ?", g.String())
	e, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return endpoint.Endpoint{}, false, nil
	}
	if err != nil {
		return endpoint.Endpoint{}, false, err
	}
	return e, true, nil
}

// DeleteEndpoint removes g; no error if absent.
func (db *DB) DeleteEndpoint(ctx context.Context, g guid.GUID) error {
	_, err := db.ExecContext(ctx, "DELETE FROM push_endpoints WHERE guid = ?", g.String())
	return err
}

// ClearEndpoints removes every endpoint.
func (db *DB) ClearEndpoints(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "DELETE FROM push_endpoints")
	return err
}

// LoadEndpoints returns all stored endpoints; rows that no longer parse are skipped.
func (db *DB) LoadEndpoints(ctx context.Context) ([]endpoint.Endpoint, error) {
	rows, err := db.QueryContext(ctx, "SELECT text, do_not_proxy, multicast, COALESCE(ultrapeer,'') FROM push_endpoints ORDER BY guid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []endpoint.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			continue
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// PruneEndpoints deletes rows not updated since before.
func (db *DB) PruneEndpoints(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM push_endpoints WHERE updated_at < ?", before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(s scanner) (endpoint.Endpoint, error) {
	var text, up string
	var dnp, mc int
	if err := s.Scan(&text, &dnp, &mc, &up); err != nil {
		return endpoint.Endpoint{}, err
	}
	e, err := endpoint.UnmarshalText(text)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("stored endpoint: %w", err)
	}
	e.DoNotProxy = dnp == 1
	e.Multicast = mc == 1
	if up != "" {
		e.Ultrapeer, _ = netip.ParseAddrPort(up)
	}
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
