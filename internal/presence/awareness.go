// Package presence broadcasts and tracks ephemeral per-peer state: cursors,
// drag ghosts, viewer identity and lock hints. None of it is persisted.
package presence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/transport"
)

const (
	DefaultRenew   = 15 * time.Second
	DefaultTimeout = 30 * time.Second
)

type GhostType string

const (
	GhostStory  GhostType = "story"
	GhostColumn GhostType = "column"
)

type User struct {
	Color string `json:"color"`
}

// Cursor is expressed in document coordinates, independent of zoom.
type Cursor struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color"`
}

// Ghost identifies an in-flight drag. It never carries content; receivers
// rebuild the preview from their own copy of the document.
type Ghost struct {
	Type  GhostType `json:"type"`
	ID    string    `json:"id"`
	Color string    `json:"color"`
}

// LockHint announces a lock state change so peers can react before their
// next poll.
type LockHint struct {
	MapID    string `json:"mapId"`
	Action   string `json:"action"`
	IsLocked bool   `json:"isLocked"`
	Seq      uint64 `json:"seq"`
}

type State struct {
	SessionID string    `json:"sessionId"`
	User      User      `json:"user"`
	MapCursor *Cursor   `json:"mapCursor"`
	DragGhost *Ghost    `json:"dragGhost"`
	Lock      *LockHint `json:"lock,omitempty"`
}

type envelope struct {
	Clock uint64 `json:"clock"`
	State *State `json:"state"`
}

type peer struct {
	state State
	clock uint64
	seen  time.Time
}

// Change lists the peers touched by one awareness event.
type Change struct {
	Added   []crdt.ClientID
	Updated []crdt.ClientID
	Removed []crdt.ClientID
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Awareness holds the local record and the latest record of every peer. A
// peer's record is replaced only by one with a higher clock.
type Awareness struct {
	mu      sync.Mutex
	self    crdt.ClientID
	clock   uint64
	local   State
	peers   map[crdt.ClientID]*peer
	timeout time.Duration
}

func NewAwareness(self crdt.ClientID, timeout time.Duration) *Awareness {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Awareness{self: self, peers: map[crdt.ClientID]*peer{}, timeout: timeout}
}

func (a *Awareness) Self() crdt.ClientID {
	return a.self
}

// SetLocal replaces the local record and returns the payload to broadcast.
func (a *Awareness) SetLocal(state State) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = state
	return a.encodeLocked()
}

// Replace swaps the local record without producing a broadcast. The next
// SetLocal or Renew carries it.
func (a *Awareness) Replace(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = state
}

// Renew re-encodes the local record with a fresh clock.
func (a *Awareness) Renew() (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.encodeLocked()
}

func (a *Awareness) encodeLocked() (json.RawMessage, error) {
	a.clock++
	state := a.local
	data, err := json.Marshal(envelope{Clock: a.clock, State: &state})
	if err != nil {
		return nil, fmt.Errorf("encode awareness: %w", err)
	}
	return data, nil
}

func (a *Awareness) Local() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// Apply folds a received frame into the peer set.
func (a *Awareness) Apply(frame transport.Frame, now time.Time) (Change, error) {
	var change Change
	if frame.Client == 0 || frame.Client == a.self {
		return change, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	switch frame.Type {
	case transport.FramePeerLeft:
		if _, ok := a.peers[frame.Client]; ok {
			delete(a.peers, frame.Client)
			change.Removed = append(change.Removed, frame.Client)
		}
	case transport.FrameAwareness:
		var env envelope
		if err := json.Unmarshal(frame.Awareness, &env); err != nil {
			return change, fmt.Errorf("decode awareness from %d: %w", frame.Client, err)
		}
		current, known := a.peers[frame.Client]
		if known && env.Clock <= current.clock {
			current.seen = now
			return change, nil
		}
		if env.State == nil {
			if known {
				delete(a.peers, frame.Client)
				change.Removed = append(change.Removed, frame.Client)
			}
			return change, nil
		}
		a.peers[frame.Client] = &peer{state: *env.State, clock: env.Clock, seen: now}
		if known {
			change.Updated = append(change.Updated, frame.Client)
		} else {
			change.Added = append(change.Added, frame.Client)
		}
	}
	return change, nil
}

// Expire drops peers that have not renewed within the timeout.
func (a *Awareness) Expire(now time.Time) Change {
	a.mu.Lock()
	defer a.mu.Unlock()
	var change Change
	for client, p := range a.peers {
		if now.Sub(p.seen) > a.timeout {
			delete(a.peers, client)
			change.Removed = append(change.Removed, client)
		}
	}
	sortClients(change.Removed)
	return change
}

// Clear forgets every peer, as when the transport goes offline.
func (a *Awareness) Clear() Change {
	a.mu.Lock()
	defer a.mu.Unlock()
	var change Change
	for client := range a.peers {
		change.Removed = append(change.Removed, client)
	}
	a.peers = map[crdt.ClientID]*peer{}
	sortClients(change.Removed)
	return change
}

// Peers returns the remote client ids in ascending order.
func (a *Awareness) Peers() []crdt.ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	clients := make([]crdt.ClientID, 0, len(a.peers))
	for client := range a.peers {
		clients = append(clients, client)
	}
	sortClients(clients)
	return clients
}

func (a *Awareness) State(client crdt.ClientID) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if client == a.self {
		return a.local, true
	}
	p, ok := a.peers[client]
	if !ok {
		return State{}, false
	}
	return p.state, true
}

// Count is the size of the peer set including this client.
func (a *Awareness) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers) + 1
}

func sortClients(clients []crdt.ClientID) {
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
}
