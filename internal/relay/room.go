package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"storymap/collab/internal/collab"
	"storymap/collab/internal/crdt"
	"storymap/collab/internal/store"
	"storymap/collab/internal/storymap"
	"storymap/collab/internal/transport"
)

// Room is the server replica of one map plus the connections editing it.
type Room struct {
	mapID   string
	store   store.Store
	metrics *Metrics

	mu        sync.Mutex
	doc       *crdt.Doc
	applied   crdt.Update
	conns     map[*conn]struct{}
	awareness map[crdt.ClientID]json.RawMessage
	// lastSeq is the newest persisted update; snapshotSeq is what the stored
	// snapshot covers. A room needs a flush while they differ.
	lastSeq     int64
	snapshotSeq int64

	flushMu sync.Mutex
}

// loadRoom rebuilds the replica from the latest snapshot and the updates
// after it.
func loadRoom(ctx context.Context, mapID string, st store.Store, metrics *Metrics) (*Room, error) {
	doc, snapshotSeq, lastSeq, err := loadReplica(ctx, mapID, st)
	if err != nil {
		return nil, err
	}
	r := &Room{
		mapID:       mapID,
		store:       st,
		metrics:     metrics,
		doc:         doc,
		conns:       map[*conn]struct{}{},
		awareness:   map[crdt.ClientID]json.RawMessage{},
		lastSeq:     lastSeq,
		snapshotSeq: snapshotSeq,
	}
	r.doc.OnUpdate(func(u crdt.Update, origin any) {
		r.applied = r.applied.Merge(u)
	})
	return r, nil
}

func loadReplica(ctx context.Context, mapID string, st store.Store) (*crdt.Doc, int64, int64, error) {
	snapshot, updates, err := st.LoadState(ctx, mapID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("load map %s: %w", mapID, err)
	}
	doc := crdt.NewDoc(0)
	var snapshotSeq int64
	if snapshot != nil {
		if err := applyStored(doc, snapshot.Data); err != nil {
			return nil, 0, 0, fmt.Errorf("load snapshot of %s: %w", mapID, err)
		}
		snapshotSeq = snapshot.UptoSeq
	}
	lastSeq := snapshotSeq
	for _, u := range updates {
		if err := applyStored(doc, u.Data); err != nil {
			// One bad row must not make the whole map unreadable.
			log.Printf("relay: skip update %d of %s: %v", u.Seq, mapID, err)
		}
		lastSeq = max(lastSeq, u.Seq)
	}
	return doc, snapshotSeq, lastSeq, nil
}

func applyStored(doc *crdt.Doc, data []byte) error {
	update, err := crdt.DecodeUpdate(data)
	if err != nil {
		return err
	}
	_, err = doc.ApplyUpdate(update, nil)
	return err
}

func (r *Room) MapID() string {
	return r.mapID
}

// Peers is the number of connections in the room.
func (r *Room) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Document derives the current logical document.
func (r *Room) Document() *storymap.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document()
}

// documentIfSynced is Document for a replica that holds at least one change.
func (r *Room) documentIfSynced() (*storymap.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc.IsEmpty() {
		return nil, false
	}
	return r.document(), true
}

func (r *Room) document() *storymap.Document {
	doc := collab.Derive(r.doc)
	if doc.ID == "" {
		doc.ID = r.mapID
	}
	return doc
}

// add registers c and replays the awareness states of clients already in
// the room.
func (r *Room) add(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	for client, payload := range r.awareness {
		c.enqueue(transport.Frame{Type: transport.FrameAwareness, Client: client, Awareness: payload})
	}
}

// remove drops c and announces its awareness clients as gone. It reports
// whether the room is now empty.
func (r *Room) remove(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	for client := range c.clients {
		delete(r.awareness, client)
		r.broadcast(c, transport.Frame{Type: transport.FramePeerLeft, Client: client})
	}
	return len(r.conns) == 0
}

func (r *Room) handle(ctx context.Context, c *conn, frame transport.Frame) {
	switch frame.Type {
	case transport.FrameSyncStep1:
		r.answerSync(c, frame.StateVector)
	case transport.FrameSyncStep2, transport.FrameUpdate:
		r.applyUpdate(ctx, c, frame.Update)
	case transport.FrameAwareness:
		r.relayAwareness(c, frame)
	default:
		r.metrics.DroppedFrames.WithLabelValues(dropMalformed).Inc()
	}
}

// answerSync sends the client what it lacks and, when the client holds
// changes the room has never seen, asks for them.
func (r *Room) answerSync(c *conn, sv crdt.StateVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := r.doc.EncodeStateAsUpdate(sv).Encode()
	if err != nil {
		log.Printf("relay: encode sync answer for %s: %v", r.mapID, err)
		return
	}
	c.enqueue(transport.Frame{Type: transport.FrameSyncStep2, Update: data})
	if !r.doc.Covers(sv) {
		c.enqueue(transport.Frame{Type: transport.FrameSyncStep1, StateVector: r.doc.StateVector()})
	}
}

// applyUpdate integrates an update, appends what was new to the log and
// forwards it to the other connections. Duplicates are absorbed here.
func (r *Room) applyUpdate(ctx context.Context, from *conn, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	update, err := crdt.DecodeUpdate(raw)
	if err != nil {
		r.metrics.DroppedFrames.WithLabelValues(dropMalformed).Inc()
		log.Printf("relay: drop update for %s: %v", r.mapID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = crdt.Update{}
	if _, err := r.doc.ApplyUpdate(update, from); err != nil {
		r.metrics.DroppedFrames.WithLabelValues(dropMalformed).Inc()
		log.Printf("relay: apply update for %s: %v", r.mapID, err)
		return
	}
	if r.applied.Empty() {
		return
	}
	data, err := r.applied.Encode()
	r.applied = crdt.Update{}
	if err != nil {
		log.Printf("relay: encode update for %s: %v", r.mapID, err)
		return
	}
	seq, err := r.store.AppendUpdate(ctx, r.mapID, data)
	if err != nil {
		r.metrics.PersistErrors.Inc()
		log.Printf("relay: persist update for %s: %v", r.mapID, err)
	} else {
		r.lastSeq = seq
	}
	r.broadcast(from, transport.Frame{Type: transport.FrameUpdate, Update: data})
}

func (r *Room) relayAwareness(from *conn, frame transport.Frame) {
	if frame.Client == 0 {
		r.metrics.DroppedFrames.WithLabelValues(dropMalformed).Inc()
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	from.clients[frame.Client] = struct{}{}
	r.awareness[frame.Client] = frame.Awareness
	r.broadcast(from, transport.Frame{Type: transport.FrameAwareness, Client: frame.Client, Awareness: frame.Awareness})
}

// broadcast runs with r.mu held.
func (r *Room) broadcast(from *conn, frame transport.Frame) {
	for c := range r.conns {
		if c != from {
			c.enqueue(frame)
		}
	}
}

// flushState is what a flush needs, captured under the room lock.
type flushState struct {
	snapshot store.Snapshot
	doc      *storymap.Document
}

// pendingFlush returns the state to flush, or false when the stored
// snapshot already covers everything.
func (r *Room) pendingFlush() (flushState, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeq <= r.snapshotSeq {
		return flushState{}, false, nil
	}
	data, err := r.doc.EncodeStateAsUpdate(nil).Encode()
	if err != nil {
		return flushState{}, false, fmt.Errorf("encode snapshot of %s: %w", r.mapID, err)
	}
	return flushState{
		snapshot: store.Snapshot{MapID: r.mapID, Data: data, UptoSeq: r.lastSeq},
		doc:      r.document(),
	}, true, nil
}

func (r *Room) flushed(upto int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshotSeq = max(r.snapshotSeq, upto)
}
