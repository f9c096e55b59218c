// Package collab binds a story map document to a replicated CRDT document and
// keeps the two mirrored in both directions.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/storymap"
	"storymap/collab/internal/transport"
)

const DefaultSyncTimeout = 2 * time.Second

type origin string

const (
	localOrigin  origin = "local"
	remoteOrigin origin = "remote"
)

type Options struct {
	// Transport is optional. Without one the engine runs local-only.
	Transport   transport.Transport
	ClientID    crdt.ClientID
	SyncTimeout time.Duration
	// Loop is held while remote update callbacks run. Pass the lock that
	// guards the caller's document so callbacks never interleave with local
	// mutation handlers.
	Loop sync.Locker
}

type Engine struct {
	mapID string
	tr    transport.Transport
	loop  sync.Locker

	mu        sync.Mutex
	doc       *crdt.Doc
	unobserve func()

	syncing  atomic.Bool
	closed   atomic.Bool
	synced   chan struct{}
	syncOnce sync.Once

	cbMu      sync.Mutex
	nextCB    int
	remote    map[int]func(*storymap.Document)
	awareness map[int]func(transport.Frame)

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect opens the replica for mapID. Transport problems never fail the
// call: the engine waits up to SyncTimeout for a peer to answer the initial
// sync and otherwise continues offline. An empty replica is seeded from
// local, then legacy notes are migrated.
func Connect(ctx context.Context, mapID string, local *storymap.Document, opts Options) (*Engine, error) {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.Loop == nil {
		opts.Loop = &sync.Mutex{}
	}
	e := &Engine{
		mapID:     mapID,
		tr:        opts.Transport,
		loop:      opts.Loop,
		doc:       crdt.NewDoc(opts.ClientID),
		synced:    make(chan struct{}),
		remote:    map[int]func(*storymap.Document){},
		awareness: map[int]func(transport.Frame){},
	}
	e.unobserve = e.doc.OnUpdate(e.broadcast)

	if e.tr != nil {
		e.wg.Add(1)
		go e.receive()
		e.requestSync()

		timer := time.NewTimer(opts.SyncTimeout)
		defer timer.Stop()
		select {
		case <-e.synced:
		case <-timer.C:
			log.Printf("collab: no sync answer for map %s within %s, continuing with local state", mapID, opts.SyncTimeout)
		case <-ctx.Done():
			_ = e.Close()
			return nil, fmt.Errorf("connect map %s: %w", mapID, ctx.Err())
		}
	}

	e.mu.Lock()
	if e.doc.IsEmpty() && local != nil {
		e.doc.Transact(localOrigin, func() { e.mirrorAll(local) })
	}
	e.mu.Unlock()

	if e.MigrateLegacyNotes() {
		log.Printf("collab: migrated legacy notes for map %s", mapID)
	}
	return e, nil
}

func (e *Engine) MapID() string {
	return e.mapID
}

func (e *Engine) ClientID() crdt.ClientID {
	return e.doc.ClientID()
}

func (e *Engine) Online() bool {
	return e.tr != nil && e.tr.Online()
}

// Syncing reports whether remote update callbacks are currently running.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// Document derives a fresh copy of the replicated document.
func (e *Engine) Document() *storymap.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.derive()
}

// ApplyLocalMutation mirrors one changed part of the document into the
// replica and broadcasts the resulting update. It does nothing while remote
// update callbacks are running, which keeps re-derived views from echoing
// back as local edits.
func (e *Engine) ApplyLocalMutation(path Path, value any) error {
	if e.syncing.Load() || e.closed.Load() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	e.doc.Transact(localOrigin, func() { err = e.applyPath(path, value) })
	if err != nil {
		return fmt.Errorf("mirror %s: %w", path, err)
	}
	return nil
}

// MirrorDocument mirrors every section of doc. Fields that already hold the
// same value in the replica are left untouched.
func (e *Engine) MirrorDocument(doc *storymap.Document) {
	e.MirrorChanges(nil, doc)
}

// MirrorChanges mirrors only the sections that differ between before and
// after. A nil before mirrors everything.
func (e *Engine) MirrorChanges(before, after *storymap.Document) {
	if e.syncing.Load() || e.closed.Load() || after == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc.Transact(localOrigin, func() {
		for _, section := range changedSections(before, after) {
			if err := e.applyPath(section.path, section.value); err != nil {
				log.Printf("collab: mirror %s for %s: %v", section.path, e.mapID, err)
			}
		}
	})
}

// EditNotes runs fn against the shared notes text inside one transaction.
func (e *Engine) EditNotes(fn func(*crdt.Text)) {
	if e.syncing.Load() || e.closed.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc.Transact(localOrigin, func() { fn(e.doc.Text(rootNotes)) })
}

// MigrateLegacyNotes moves a plain string notes value left by older clients
// into the shared text. It only acts while the text is empty, so running it
// again, or on a peer that already migrated, changes nothing.
func (e *Engine) MigrateLegacyNotes() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta := e.doc.Map(rootMeta)
	legacy := meta.String(legacyNotesKey)
	if legacy == "" {
		return false
	}
	text := e.doc.Text(rootNotes)
	if text.Len() > 0 {
		return false
	}
	e.doc.Transact(localOrigin, func() {
		text.Insert(0, legacy)
		meta.Delete(legacyNotesKey)
	})
	return true
}

// OnRemoteUpdate registers cb for documents re-derived after a remote
// update. Callbacks run with the loop lock held and Syncing set.
func (e *Engine) OnRemoteUpdate(cb func(*storymap.Document)) (cancel func()) {
	return e.register(func(id int) { e.remote[id] = cb }, func(id int) { delete(e.remote, id) })
}

// OnAwareness registers fn for awareness, peer-left and status frames.
func (e *Engine) OnAwareness(fn func(transport.Frame)) (cancel func()) {
	return e.register(func(id int) { e.awareness[id] = fn }, func(id int) { delete(e.awareness, id) })
}

func (e *Engine) register(add, remove func(int)) func() {
	e.cbMu.Lock()
	e.nextCB++
	id := e.nextCB
	add(id)
	e.cbMu.Unlock()
	return func() {
		e.cbMu.Lock()
		remove(id)
		e.cbMu.Unlock()
	}
}

// SendAwareness publishes this client's awareness payload.
func (e *Engine) SendAwareness(payload json.RawMessage) error {
	if e.tr == nil {
		return transport.ErrOffline
	}
	return e.tr.Send(transport.Frame{Type: transport.FrameAwareness, Client: e.ClientID(), Awareness: payload})
}

func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.mu.Lock()
		e.unobserve()
		e.mu.Unlock()
		if e.tr != nil {
			err = e.tr.Close()
		}
		e.wg.Wait()
	})
	return err
}

func (e *Engine) receive() {
	defer e.wg.Done()
	for frame := range e.tr.Frames() {
		switch frame.Type {
		case transport.FrameSyncStep1:
			e.answerSync(frame.StateVector)
		case transport.FrameSyncStep2, transport.FrameUpdate:
			e.applyRemote(frame.Update)
			if frame.Type == transport.FrameSyncStep2 {
				e.syncOnce.Do(func() { close(e.synced) })
			}
		case transport.FrameStatus:
			if frame.Online {
				e.requestSync()
			}
			e.dispatchAwareness(frame)
		case transport.FrameAwareness, transport.FramePeerLeft:
			e.dispatchAwareness(frame)
		}
	}
}

func (e *Engine) requestSync() {
	e.mu.Lock()
	sv := e.doc.StateVector()
	e.mu.Unlock()
	e.send(transport.Frame{Type: transport.FrameSyncStep1, StateVector: sv})
}

// answerSync replies with what the peer is missing, and asks for what the
// peer has that this replica lacks.
func (e *Engine) answerSync(peer crdt.StateVector) {
	e.mu.Lock()
	update := e.doc.EncodeStateAsUpdate(peer)
	behind := !e.doc.Covers(peer)
	e.mu.Unlock()

	data, err := update.Encode()
	if err != nil {
		log.Printf("collab: encode sync answer for %s: %v", e.mapID, err)
		return
	}
	e.send(transport.Frame{Type: transport.FrameSyncStep2, Update: data})
	if behind {
		e.requestSync()
	}
}

// applyRemote integrates a peer update with the loop lock held for the whole
// apply, derive and notify sequence. Local mutation handlers hold the same
// lock, so the replica never moves underneath a document they are editing.
func (e *Engine) applyRemote(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	update, err := crdt.DecodeUpdate(raw)
	if err != nil {
		log.Printf("collab: drop update for %s: %v", e.mapID, err)
		return
	}

	e.loop.Lock()
	defer e.loop.Unlock()
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	applied, err := e.doc.ApplyUpdate(update, remoteOrigin)
	var doc *storymap.Document
	if applied > 0 {
		doc = e.derive()
	}
	e.mu.Unlock()
	if err != nil {
		log.Printf("collab: apply update for %s: %v", e.mapID, err)
	}
	if doc != nil {
		e.notifyRemote(doc)
	}
}

// notifyRemote runs with the loop lock held.
func (e *Engine) notifyRemote(doc *storymap.Document) {
	e.syncing.Store(true)
	defer e.syncing.Store(false)

	e.cbMu.Lock()
	callbacks := make([]func(*storymap.Document), 0, len(e.remote))
	for _, cb := range e.remote {
		callbacks = append(callbacks, cb)
	}
	e.cbMu.Unlock()
	for _, cb := range callbacks {
		cb(doc.Clone())
	}
}

func (e *Engine) dispatchAwareness(frame transport.Frame) {
	e.cbMu.Lock()
	handlers := make([]func(transport.Frame), 0, len(e.awareness))
	for _, fn := range e.awareness {
		handlers = append(handlers, fn)
	}
	e.cbMu.Unlock()
	for _, fn := range handlers {
		fn(frame)
	}
}

// broadcast forwards locally originated updates to peers. Remote updates are
// never echoed.
func (e *Engine) broadcast(update crdt.Update, from any) {
	if from == remoteOrigin || e.tr == nil {
		return
	}
	data, err := update.Encode()
	if err != nil {
		log.Printf("collab: encode update for %s: %v", e.mapID, err)
		return
	}
	e.send(transport.Frame{Type: transport.FrameUpdate, Update: data})
}

// send treats offline transports as normal: peers catch up through the next
// state vector exchange.
func (e *Engine) send(frame transport.Frame) {
	if e.tr == nil {
		return
	}
	if err := e.tr.Send(frame); err != nil && !errors.Is(err, transport.ErrOffline) && !errors.Is(err, transport.ErrClosed) {
		log.Printf("collab: send %s for %s: %v", frame.Type, e.mapID, err)
	}
}
