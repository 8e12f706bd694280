// Package discovery resolves candidate network addresses for a peer identity
// and remembers which of them worked.
package discovery

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/hemantsingh443/remote-commit/internal/logging"
	"github.com/hemantsingh443/remote-commit/internal/models"
	"github.com/hemantsingh443/remote-commit/internal/storage"
)

var log = logging.Logger("discovery")

//go:embed migrations/*.sql
var migrations embed.FS

// Cache stores previously observed addresses per peer. Entries are advisory:
// a failed dial is recorded but never removes the address.
type Cache struct {
	db  *storage.DB
	now func() time.Time
}

// OpenCache opens (or creates) the address cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := storage.Open(path, migrations)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// RecordSuccess marks addr as confirmed for id at the current time.
func (c *Cache) RecordSuccess(ctx context.Context, id peer.ID, addr ma.Multiaddr) error {
	_, err := c.db.Conn.ExecContext(ctx,
		`INSERT INTO address_cache (peer_id, multiaddr, last_confirmed_ns) VALUES (?, ?, ?)
		 ON CONFLICT(peer_id, multiaddr) DO UPDATE SET last_confirmed_ns = excluded.last_confirmed_ns`,
		id.String(), addr.String(), c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record address success: %w", err)
	}
	return nil
}

// RecordFailure notes a failed dial of addr without discarding it.
func (c *Cache) RecordFailure(ctx context.Context, id peer.ID, addr ma.Multiaddr) error {
	_, err := c.db.Conn.ExecContext(ctx,
		`INSERT INTO address_cache (peer_id, multiaddr, last_failed_ns, failures) VALUES (?, ?, ?, 1)
		 ON CONFLICT(peer_id, multiaddr) DO UPDATE SET
		   last_failed_ns = excluded.last_failed_ns,
		   failures = address_cache.failures + 1`,
		id.String(), addr.String(), c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record address failure: %w", err)
	}
	return nil
}

// Addrs returns the cached addresses of id, most recently confirmed first.
// Addresses that were never confirmed come last, fewest failures first.
func (c *Cache) Addrs(ctx context.Context, id peer.ID) ([]ma.Multiaddr, error) {
	confirmed, err := c.Confirmed(ctx, id)
	if err != nil {
		return nil, err
	}
	unconfirmed, err := c.Unconfirmed(ctx, id)
	if err != nil {
		return nil, err
	}
	return append(confirmed, unconfirmed...), nil
}

// Confirmed returns the addresses of id that have connected at least once,
// most recent first.
func (c *Cache) Confirmed(ctx context.Context, id peer.ID) ([]ma.Multiaddr, error) {
	return c.queryAddrs(ctx, id,
		`SELECT multiaddr FROM address_cache WHERE peer_id = ? AND last_confirmed_ns IS NOT NULL
		 ORDER BY last_confirmed_ns DESC, multiaddr`)
}

// Unconfirmed returns the addresses of id that have only ever failed, fewest
// failures first.
func (c *Cache) Unconfirmed(ctx context.Context, id peer.ID) ([]ma.Multiaddr, error) {
	return c.queryAddrs(ctx, id,
		`SELECT multiaddr FROM address_cache WHERE peer_id = ? AND last_confirmed_ns IS NULL
		 ORDER BY failures ASC, multiaddr`)
}

func (c *Cache) queryAddrs(ctx context.Context, id peer.ID, query string) ([]ma.Multiaddr, error) {
	rows, err := c.db.Conn.QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query cached addresses: %w", err)
	}
	defer rows.Close()

	var addrs []ma.Multiaddr
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan cached address: %w", err)
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Warnw("skipping unparsable cached address", "peer", id, "addr", raw, "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// List returns every cache entry, grouped by peer.
func (c *Cache) List(ctx context.Context) ([]models.AddressCacheEntry, error) {
	rows, err := c.db.Conn.QueryContext(ctx,
		`SELECT peer_id, multiaddr, last_confirmed_ns, last_failed_ns, failures FROM address_cache
		 ORDER BY peer_id, last_confirmed_ns IS NULL, last_confirmed_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list address cache: %w", err)
	}
	defer rows.Close()

	var entries []models.AddressCacheEntry
	for rows.Next() {
		var (
			entry               models.AddressCacheEntry
			confirmed, failedAt sql.NullInt64
		)
		if err := rows.Scan(&entry.PeerID, &entry.Multiaddr, &confirmed, &failedAt, &entry.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan address cache entry: %w", err)
		}
		entry.LastConfirmed = nsTime(confirmed)
		entry.LastFailed = nsTime(failedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nsTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
