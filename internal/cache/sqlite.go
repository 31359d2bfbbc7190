package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kinlink/kinlink/internal/model"
)

// SnapshotStore is the local persistent mirror of resolved state. Snapshots
// are wholesale: each write fully replaces the prior row for the account —
// partial merges are not supported, so concurrent partial updates cannot
// corrupt the cache.
type SnapshotStore struct {
	db *sqlx.DB
}

// NewSnapshotStore opens (or creates) the cache database at dbPath,
// enables WAL mode, and applies pending schema migrations.
func NewSnapshotStore(dbPath string) (*SnapshotStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SnapshotStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run cache migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// SaveRelationships replaces the relationship snapshot of one account
func (s *SnapshotStore) SaveRelationships(ctx context.Context, snapshot *model.RelationshipSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := `
		INSERT INTO snapshots (account_id, payload, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE
		SET payload = excluded.payload, cached_at = excluded.cached_at
	`
	if _, err := s.db.ExecContext(ctx, query, snapshot.AccountID, payload, time.Now()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

// LoadRelationships returns the cached snapshot of one account, nil if none
func (s *SnapshotStore) LoadRelationships(ctx context.Context, accountID string) (*model.RelationshipSnapshot, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM snapshots WHERE account_id = ?`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snapshot model.RelationshipSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return &snapshot, nil
}

// SaveAlerts replaces the inbox snapshot of one account
func (s *SnapshotStore) SaveAlerts(ctx context.Context, snapshot *model.AlertSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode alert snapshot: %w", err)
	}

	query := `
		INSERT INTO alert_snapshots (account_id, payload, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE
		SET payload = excluded.payload, cached_at = excluded.cached_at
	`
	if _, err := s.db.ExecContext(ctx, query, snapshot.AccountID, payload, time.Now()); err != nil {
		return fmt.Errorf("save alert snapshot: %w", err)
	}

	return nil
}

// LoadAlerts returns the cached inbox snapshot of one account, nil if none
func (s *SnapshotStore) LoadAlerts(ctx context.Context, accountID string) (*model.AlertSnapshot, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM alert_snapshots WHERE account_id = ?`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load alert snapshot: %w", err)
	}

	var snapshot model.AlertSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode alert snapshot: %w", err)
	}

	return &snapshot, nil
}
