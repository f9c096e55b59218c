package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It backs tests and the relay's
// development mode.
type MemoryStore struct {
	mu        sync.Mutex
	seq       int64
	maps      map[string]Map
	updates   map[string][]Update
	snapshots map[string]Snapshot
	locks     map[string]Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		maps:      map[string]Map{},
		updates:   map[string][]Update{},
		snapshots: map[string]Snapshot{},
		locks:     map[string]Lock{},
	}
}

func (s *MemoryStore) EnsureMap(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(id, name)
	return nil
}

func (s *MemoryStore) touchLocked(id, name string) {
	now := time.Now().UTC()
	item, ok := s.maps[id]
	if !ok {
		item = Map{ID: id, CreatedAt: now}
	}
	if name != "" {
		item.Name = name
	}
	item.UpdatedAt = now
	s.maps[id] = item
}

func (s *MemoryStore) GetMap(ctx context.Context, id string) (Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.maps[id]
	if !ok {
		return Map{}, fmt.Errorf("map %s: %w", id, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) ListMaps(ctx context.Context) ([]Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Map, 0, len(s.maps))
	for _, item := range s.maps {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) AppendUpdate(ctx context.Context, mapID string, data json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(mapID, "")
	s.seq++
	s.updates[mapID] = append(s.updates[mapID], Update{
		Seq:       s.seq,
		MapID:     mapID,
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: time.Now().UTC(),
	})
	return s.seq, nil
}

func (s *MemoryStore) LoadState(ctx context.Context, mapID string) (*Snapshot, []Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snapshot *Snapshot
	if snap, ok := s.snapshots[mapID]; ok {
		snapshot = &snap
	}
	updates := append([]Update(nil), s.updates[mapID]...)
	return snapshot, updates, nil
}

func (s *MemoryStore) Compact(ctx context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.snapshots[snapshot.MapID]; ok && current.UptoSeq >= snapshot.UptoSeq {
		return nil
	}
	snapshot.CreatedAt = time.Now().UTC()
	s.snapshots[snapshot.MapID] = snapshot
	kept := s.updates[snapshot.MapID][:0]
	for _, update := range s.updates[snapshot.MapID] {
		if update.Seq > snapshot.UptoSeq {
			kept = append(kept, update)
		}
	}
	s.updates[snapshot.MapID] = kept
	return nil
}

func (s *MemoryStore) GetLock(ctx context.Context, mapID string) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.locks[mapID]
	if !ok {
		return Lock{}, fmt.Errorf("lock %s: %w", mapID, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) CreateLock(ctx context.Context, mapID, passwordHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[mapID]; ok {
		return false, nil
	}
	s.locks[mapID] = Lock{MapID: mapID, PasswordHash: passwordHash, LockedAt: time.Now().UTC()}
	return true, nil
}

func (s *MemoryStore) DeleteLock(ctx context.Context, mapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, mapID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
