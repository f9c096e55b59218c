package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureMap(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maps (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
			SET name = CASE WHEN EXCLUDED.name = '' THEN maps.name ELSE EXCLUDED.name END,
				updated_at = NOW()
	`, id, name)
	if err != nil {
		return fmt.Errorf("ensure map %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) GetMap(ctx context.Context, id string) (Map, error) {
	var item Map
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at, updated_at FROM maps WHERE id=$1`, id).
		Scan(&item.ID, &item.Name, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Map{}, fmt.Errorf("map %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Map{}, fmt.Errorf("get map %s: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) ListMaps(ctx context.Context) ([]Map, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, updated_at FROM maps ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	items := make([]Map, 0)
	for rows.Next() {
		var item Map
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan map: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, mapID string, data json.RawMessage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO maps (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
	`, mapID); err != nil {
		return 0, fmt.Errorf("touch map %s: %w", mapID, err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO map_updates (map_id, data) VALUES ($1, $2) RETURNING seq
	`, mapID, []byte(data)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("append update to %s: %w", mapID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append to %s: %w", mapID, err)
	}
	return seq, nil
}

func (s *PostgresStore) LoadState(ctx context.Context, mapID string) (*Snapshot, []Update, error) {
	var snapshot *Snapshot
	var snap Snapshot
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT map_id, data, upto_seq, created_at FROM map_snapshots WHERE map_id=$1
	`, mapID).Scan(&snap.MapID, &data, &snap.UptoSeq, &snap.CreatedAt)
	switch {
	case err == nil:
		snap.Data = data
		snapshot = &snap
	case !errors.Is(err, sql.ErrNoRows):
		return nil, nil, fmt.Errorf("load snapshot for %s: %w", mapID, err)
	}

	after := int64(0)
	if snapshot != nil {
		after = snapshot.UptoSeq
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, map_id, data, created_at
		FROM map_updates
		WHERE map_id=$1 AND seq > $2
		ORDER BY seq ASC
	`, mapID, after)
	if err != nil {
		return nil, nil, fmt.Errorf("load updates for %s: %w", mapID, err)
	}
	defer rows.Close()

	updates := make([]Update, 0)
	for rows.Next() {
		var item Update
		var raw []byte
		if err := rows.Scan(&item.Seq, &item.MapID, &raw, &item.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan update: %w", err)
		}
		item.Data = raw
		updates = append(updates, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate updates for %s: %w", mapID, err)
	}
	return snapshot, updates, nil
}

func (s *PostgresStore) Compact(ctx context.Context, snapshot Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO map_snapshots (map_id, data, upto_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (map_id) DO UPDATE
			SET data = EXCLUDED.data, upto_seq = EXCLUDED.upto_seq, created_at = NOW()
		WHERE map_snapshots.upto_seq < EXCLUDED.upto_seq
	`, snapshot.MapID, []byte(snapshot.Data), snapshot.UptoSeq); err != nil {
		return fmt.Errorf("store snapshot for %s: %w", snapshot.MapID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM map_updates WHERE map_id=$1 AND seq <= $2
	`, snapshot.MapID, snapshot.UptoSeq); err != nil {
		return fmt.Errorf("drop compacted updates for %s: %w", snapshot.MapID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compact for %s: %w", snapshot.MapID, err)
	}
	return nil
}

func (s *PostgresStore) GetLock(ctx context.Context, mapID string) (Lock, error) {
	var item Lock
	err := s.db.QueryRowContext(ctx, `
		SELECT map_id, password_hash, locked_at FROM map_locks WHERE map_id=$1
	`, mapID).Scan(&item.MapID, &item.PasswordHash, &item.LockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, fmt.Errorf("lock %s: %w", mapID, ErrNotFound)
	}
	if err != nil {
		return Lock{}, fmt.Errorf("get lock %s: %w", mapID, err)
	}
	return item, nil
}

func (s *PostgresStore) CreateLock(ctx context.Context, mapID, passwordHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO map_locks (map_id, password_hash) VALUES ($1, $2)
		ON CONFLICT (map_id) DO NOTHING
	`, mapID, passwordHash)
	if err != nil {
		return false, fmt.Errorf("create lock %s: %w", mapID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create lock %s: %w", mapID, err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) DeleteLock(ctx context.Context, mapID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM map_locks WHERE map_id=$1`, mapID); err != nil {
		return fmt.Errorf("delete lock %s: %w", mapID, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
