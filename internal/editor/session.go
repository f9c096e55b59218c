// Package editor wires one open map: the local document, its replica, undo
// history, presence and the lock gate. Every mutation goes through Session so
// the gate, the undo snapshot and the mirror into the replica happen in the
// same order every time.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"storymap/collab/internal/collab"
	"storymap/collab/internal/crdt"
	"storymap/collab/internal/history"
	"storymap/collab/internal/lock"
	"storymap/collab/internal/mapjson"
	"storymap/collab/internal/presence"
	"storymap/collab/internal/session"
	"storymap/collab/internal/storymap"
	"storymap/collab/internal/transport"
)

var ErrReadOnly = errors.New("map is locked")

type Options struct {
	Transport   transport.Transport
	ClientID    crdt.ClientID
	SyncTimeout time.Duration

	// LockAPI enables the password gate. Without it the map is always
	// editable.
	LockAPI      lock.API
	PollInterval time.Duration

	// SessionStorage is scoped to the browser session; Preferences persist
	// across sessions.
	SessionStorage session.Storage
	Preferences    session.Storage

	Renderer presence.Renderer
	Color    string

	// Callbacks run with the session lock held and must not call back into
	// the session.
	OnChange    func(*storymap.Document)
	OnHighlight func([]history.Change)
	OnHistory   func(canUndo, canRedo bool)
	OnLock      func(lock.Status)
	Notify      func(message string)
}

type Session struct {
	mapID string
	opts  Options

	mu        sync.Mutex
	doc       *storymap.Document
	selection storymap.Selection
	focus     string

	snapshot atomic.Pointer[storymap.Document]

	engine   *collab.Engine
	presence *presence.Channel
	lock     *lock.Coordinator
	history  *history.Stack

	stopRemote func()
	closeOnce  sync.Once
}

// Open connects to the map and starts presence and lock polling. local seeds
// the replica when no peer has state for the map yet.
func Open(ctx context.Context, mapID string, local *storymap.Document, opts Options) (*Session, error) {
	if opts.SessionStorage == nil {
		opts.SessionStorage = session.NewMemoryStore()
	}
	if opts.Preferences == nil {
		opts.Preferences = session.NewMemoryStore()
	}
	s := &Session{
		mapID:   mapID,
		opts:    opts,
		history: history.NewStack(history.DefaultCapacity),
	}

	engine, err := collab.Connect(ctx, mapID, local, collab.Options{
		Transport:   opts.Transport,
		ClientID:    opts.ClientID,
		SyncTimeout: opts.SyncTimeout,
		Loop:        &s.mu,
	})
	if err != nil {
		return nil, fmt.Errorf("open map %s: %w", mapID, err)
	}
	s.engine = engine

	s.snapshot.Store(engine.Document())
	s.presence = presence.NewChannel(ctx, engine, presence.Options{
		SessionStorage: opts.SessionStorage,
		Preferences:    opts.Preferences,
		Renderer:       opts.Renderer,
		Document:       s.snapshot.Load,
		Color:          opts.Color,
	})

	// Re-read after subscribing so no remote update is lost in between.
	s.stopRemote = engine.OnRemoteUpdate(s.remoteUpdate)
	s.mu.Lock()
	s.setDocument(engine.Document())
	s.mu.Unlock()

	if opts.LockAPI != nil {
		s.lock = lock.NewCoordinator(mapID, opts.LockAPI, lock.Options{
			Session:      opts.SessionStorage,
			Hints:        s.presence,
			PollInterval: opts.PollInterval,
			Notify:       opts.Notify,
			OnChange:     opts.OnLock,
		})
		s.lock.Start(ctx)
	}
	if opts.OnHistory != nil {
		s.history.OnChange(opts.OnHistory)
	}
	return s, nil
}

func (s *Session) MapID() string {
	return s.mapID
}

func (s *Session) Engine() *collab.Engine {
	return s.engine
}

func (s *Session) Presence() *presence.Channel {
	return s.presence
}

// Lock is nil when the session was opened without a lock API.
func (s *Session) Lock() *lock.Coordinator {
	return s.lock
}

// Document returns a copy of the live document.
func (s *Session) Document() *storymap.Document {
	return s.snapshot.Load().Clone()
}

func (s *Session) Editable() bool {
	return s.lock == nil || s.lock.Editable()
}

// Mutate applies fn to a working copy of the document. On success the
// previous state goes on the undo stack, the selection is cleared and the
// result is mirrored into the replica. A failing fn changes nothing.
func (s *Session) Mutate(fn func(*storymap.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Editable() {
		return ErrReadOnly
	}
	working := s.doc.Clone()
	if err := fn(working); err != nil {
		return err
	}
	s.history.Push(s.doc)
	s.selection.Clear()
	s.commit(working)
	return nil
}

// EditNotes edits the shared notes text by position, so concurrent edits
// from other peers merge instead of overwriting each other.
func (s *Session) EditNotes(fn func(*crdt.Text)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Editable() {
		return ErrReadOnly
	}
	s.history.Push(s.doc)
	s.engine.EditNotes(fn)
	next := s.doc.Clone()
	next.Notes = s.engine.Document().Notes
	s.setDocument(next)
	s.changed()
	return nil
}

func (s *Session) Undo() error {
	return s.restore(s.history.Undo)
}

func (s *Session) Redo() error {
	return s.restore(s.history.Redo)
}

func (s *Session) CanUndo() bool { return s.history.CanUndo() }
func (s *Session) CanRedo() bool { return s.history.CanRedo() }

// restore swaps in a snapshot, drops partial map focus, highlights what
// changed and re-mirrors the whole document as ordinary local edits.
func (s *Session) restore(pop func(*storymap.Document) (*storymap.Document, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Editable() {
		return ErrReadOnly
	}
	restored, ok := pop(s.doc)
	if !ok {
		return nil
	}
	before := s.doc
	s.focus = ""
	s.commit(restored)
	if s.opts.OnHighlight != nil {
		if changes := history.Diff(before, restored); len(changes) > 0 {
			s.opts.OnHighlight(changes)
		}
	}
	return nil
}

// Import replaces the document with a serialized map. Malformed input is
// rejected before anything changes.
func (s *Session) Import(data []byte) error {
	doc, err := mapjson.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("import map %s: %w", s.mapID, err)
	}
	return s.Mutate(func(working *storymap.Document) error {
		doc.ID = working.ID
		*working = *doc
		return nil
	})
}

func (s *Session) Export() ([]byte, error) {
	return mapjson.Marshal(s.Document())
}

func (s *Session) SelectColumn(id string, extend bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection.SelectColumn(id, extend)
}

func (s *Session) SelectCard(ref storymap.CardRef, extend bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection.SelectCard(ref, extend)
}

func (s *Session) Selection() storymap.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := storymap.Selection{Anchor: s.selection.Anchor, Cards: append([]storymap.CardRef(nil), s.selection.Cards...)}
	for id := range s.selection.Columns {
		sel.SelectColumn(id, true)
	}
	sel.Anchor = s.selection.Anchor
	return sel
}

// FocusPartialMap enters editing of a partial map; an empty id leaves it.
func (s *Session) FocusPartialMap(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus = id
}

func (s *Session) FocusedPartialMap() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// Close stops lock polling and presence timers, then disconnects. It must
// not be called from a session callback.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.lock != nil {
			s.lock.Stop()
		}
		s.presence.Close()
		if s.stopRemote != nil {
			s.stopRemote()
		}
		err = s.engine.Close()
		s.history.Reset()
	})
	return err
}

// remoteUpdate runs with s.mu held by the engine.
func (s *Session) remoteUpdate(doc *storymap.Document) {
	s.setDocument(doc)
	if s.focus != "" {
		if _, ok := doc.PartialMap(s.focus); !ok {
			s.focus = ""
		}
	}
	s.changed()
	s.presence.Render()
}

// commit installs doc and mirrors the sections that differ from the
// document it replaces. s.doc always matches the replica here, because
// remote updates wait for the session lock before touching it.
func (s *Session) commit(doc *storymap.Document) {
	before := s.doc
	s.setDocument(doc)
	s.engine.MirrorChanges(before, doc)
	s.changed()
	s.presence.Render()
}

func (s *Session) setDocument(doc *storymap.Document) {
	if doc.ID == "" {
		doc.ID = s.mapID
	}
	s.doc = doc
	s.snapshot.Store(doc.Clone())
}

func (s *Session) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.doc.Clone())
	}
}
