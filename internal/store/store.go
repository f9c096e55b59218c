package store

import (
	"context"
	"encoding/json"
)

// Store persists map replicas as an update log plus an optional compacted
// snapshot, and the server side of map locks.
type Store interface {
	EnsureMap(ctx context.Context, id, name string) error
	GetMap(ctx context.Context, id string) (Map, error)
	ListMaps(ctx context.Context) ([]Map, error)

	AppendUpdate(ctx context.Context, mapID string, data json.RawMessage) (int64, error)
	// LoadState returns the latest snapshot, if any, and every update after it.
	LoadState(ctx context.Context, mapID string) (*Snapshot, []Update, error)
	// Compact stores snapshot and drops the updates it covers.
	Compact(ctx context.Context, snapshot Snapshot) error

	GetLock(ctx context.Context, mapID string) (Lock, error)
	// CreateLock returns false when the map is already locked.
	CreateLock(ctx context.Context, mapID, passwordHash string) (bool, error)
	DeleteLock(ctx context.Context, mapID string) error

	Ping(ctx context.Context) error
}
