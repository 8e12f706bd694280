// Package trust persists which peer identities may request commits.
package trust

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/logging"
	"github.com/hemantsingh443/remote-commit/internal/models"
	"github.com/hemantsingh443/remote-commit/internal/storage"
)

var log = logging.Logger("trust")

//go:embed migrations/*.sql
var migrations embed.FS

// ErrInvalidTransition is returned when a mutation is not allowed from the
// entry's current state. The entry is left unchanged.
var ErrInvalidTransition = errors.New("invalid trust transition")

// Store is the single authority on peer trust. Mutations are serialized and
// committed to disk before they return.
type Store struct {
	mu  sync.Mutex
	db  *storage.DB
	now func() time.Time
}

// Open opens (or creates) the trust database at path.
func Open(path string) (*Store, error) {
	db, err := storage.Open(path, migrations)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the trust state of id, TrustUnknown when no entry exists.
func (s *Store) Lookup(ctx context.Context, id peer.ID) (models.TrustState, error) {
	var state string
	err := s.db.Conn.QueryRowContext(ctx,
		"SELECT state FROM trust_entries WHERE peer_id = ?", id.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrustUnknown, nil
	}
	if err != nil {
		return models.TrustUnknown, fmt.Errorf("failed to look up trust state: %w", err)
	}
	return models.TrustState(state), nil
}

// Get returns the full entry for id, or nil when none exists.
func (s *Store) Get(ctx context.Context, id peer.ID) (*models.TrustEntry, error) {
	row := s.db.Conn.QueryRowContext(ctx,
		`SELECT peer_id, state, first_seen_ns, last_approved_ns, updated_at_ns
		 FROM trust_entries WHERE peer_id = ?`, id.String())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trust entry: %w", err)
	}
	return entry, nil
}

// List returns all entries, or only those in state when it is not empty.
func (s *Store) List(ctx context.Context, state models.TrustState) ([]models.TrustEntry, error) {
	query := `SELECT peer_id, state, first_seen_ns, last_approved_ns, updated_at_ns FROM trust_entries`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY first_seen_ns"

	rows, err := s.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust entries: %w", err)
	}
	defer rows.Close()

	var entries []models.TrustEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// RecordPending marks id as waiting for operator approval. It is a no-op for
// identities that are already pending or approved, and returns the state the
// entry has afterwards.
func (s *Store) RecordPending(ctx context.Context, id peer.ID) (models.TrustState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result models.TrustState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := stateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now().UnixNano()
		switch current {
		case models.TrustPending, models.TrustApproved:
			result = current
			return nil
		case models.TrustUnknown:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO trust_entries (peer_id, state, first_seen_ns, updated_at_ns) VALUES (?, ?, ?, ?)`,
				id.String(), string(models.TrustPending), now, now)
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE trust_entries SET state = ?, updated_at_ns = ? WHERE peer_id = ?`,
				string(models.TrustPending), now, id.String())
		}
		if err != nil {
			return fmt.Errorf("failed to record pending peer: %w", err)
		}
		result = models.TrustPending
		return nil
	})
	if err != nil {
		return models.TrustUnknown, err
	}
	if result == models.TrustPending {
		log.Infow("peer pending approval", "peer", id)
	}
	return result, nil
}

// Approve moves a pending id to approved. Any other starting state fails with
// ErrInvalidTransition.
func (s *Store) Approve(ctx context.Context, id peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := stateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current != models.TrustPending {
			return fmt.Errorf("%w: cannot approve %s in state %s", ErrInvalidTransition, id, current)
		}
		now := s.now().UnixNano()
		if _, err := tx.ExecContext(ctx,
			`UPDATE trust_entries SET state = ?, last_approved_ns = ?, updated_at_ns = ? WHERE peer_id = ?`,
			string(models.TrustApproved), now, now, id.String()); err != nil {
			return fmt.Errorf("failed to approve peer: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infow("peer approved", "peer", id)
	return nil
}

// Revoke moves id to revoked from any state.
func (s *Store) Revoke(ctx context.Context, id peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixNano()
	_, err := s.db.Conn.ExecContext(ctx,
		`INSERT INTO trust_entries (peer_id, state, first_seen_ns, updated_at_ns) VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET state = excluded.state, updated_at_ns = excluded.updated_at_ns`,
		id.String(), string(models.TrustRevoked), now, now)
	if err != nil {
		return fmt.Errorf("failed to revoke peer: %w", err)
	}
	log.Infow("peer revoked", "peer", id)
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func stateTx(ctx context.Context, tx *sql.Tx, id peer.ID) (models.TrustState, error) {
	var state string
	err := tx.QueryRowContext(ctx, "SELECT state FROM trust_entries WHERE peer_id = ?", id.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrustUnknown, nil
	}
	if err != nil {
		return models.TrustUnknown, fmt.Errorf("failed to read trust state: %w", err)
	}
	return models.TrustState(state), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.TrustEntry, error) {
	var (
		entry                models.TrustEntry
		state                string
		firstSeen, updatedAt int64
		lastApproved         sql.NullInt64
	)
	if err := row.Scan(&entry.PeerID, &state, &firstSeen, &lastApproved, &updatedAt); err != nil {
		return nil, err
	}
	entry.State = models.TrustState(state)
	entry.FirstSeen = time.Unix(0, firstSeen)
	entry.UpdatedAt = time.Unix(0, updatedAt)
	if lastApproved.Valid {
		t := time.Unix(0, lastApproved.Int64)
		entry.LastApproved = &t
	}
	return &entry, nil
}
