package store

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Map struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update is one encoded CRDT update in a map's append-only log.
type Update struct {
	Seq       int64
	MapID     string
	Data      json.RawMessage
	CreatedAt time.Time
}

// Snapshot is a compacted state covering every update up to UptoSeq.
type Snapshot struct {
	MapID     string
	Data      json.RawMessage
	UptoSeq   int64
	CreatedAt time.Time
}

// Lock holds the at-rest hash of a map's password hash.
type Lock struct {
	MapID        string
	PasswordHash string
	LockedAt     time.Time
}
