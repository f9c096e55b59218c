package editor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/history"
	"storymap/collab/internal/lock"
	"storymap/collab/internal/mapjson"
	"storymap/collab/internal/storymap"
	"storymap/collab/internal/transport"
)

type lockServer struct {
	mu   sync.Mutex
	hash string
}

func (l *lockServer) Status(ctx context.Context, mapID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hash != "", nil
}

func (l *lockServer) Lock(ctx context.Context, mapID, passwordHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hash != "" {
		return lock.ErrAlreadyLocked
	}
	l.hash = passwordHash
	return nil
}

func (l *lockServer) Unlock(ctx context.Context, mapID, passwordHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hash == passwordHash, nil
}

func (l *lockServer) Remove(ctx context.Context, mapID, passwordHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hash != passwordHash {
		return false, nil
	}
	l.hash = ""
	return true, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func starter() *storymap.Document {
	doc := storymap.New("Release plan")
	doc.AddColumn("Plan", -1)
	doc.AddColumn("Build", -1)
	doc.AddSlice("v1", -1)
	return doc
}

func openPair(t *testing.T, opts Options) (*Session, *Session) {
	t.Helper()
	hub := transport.NewMemoryHub()
	first := opts
	first.Transport = hub.Join("map1")
	first.ClientID = 1
	first.SyncTimeout = 30 * time.Millisecond
	a, err := Open(context.Background(), "map1", starter(), first)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second := opts
	second.Transport = hub.Join("map1")
	second.ClientID = 2
	b, err := Open(context.Background(), "map1", nil, second)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestMutateUndoRedoPropagate(t *testing.T) {
	var highlights [][]history.Change
	var mu sync.Mutex
	a, b := openPair(t, Options{OnHighlight: func(c []history.Change) {
		mu.Lock()
		highlights = append(highlights, c)
		mu.Unlock()
	}})

	a.SelectColumn(a.Document().Columns[0].ID, false)
	if err := a.Mutate(func(doc *storymap.Document) error {
		return doc.RenameColumn(doc.Columns[0].ID, "Discover")
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if sel := a.Selection(); !sel.Empty() {
		t.Fatalf("mutation should clear the selection")
	}
	if !a.CanUndo() || a.CanRedo() {
		t.Fatalf("unexpected history enablement")
	}
	eventually(t, "peer sees rename", func() bool { return b.Document().Columns[0].Name == "Discover" })

	if err := a.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if a.Document().Columns[0].Name != "Plan" {
		t.Fatalf("undo did not restore: %q", a.Document().Columns[0].Name)
	}
	eventually(t, "peer sees undo", func() bool { return b.Document().Columns[0].Name == "Plan" })
	mu.Lock()
	if len(highlights) != 1 || highlights[0][0].Kind != history.ChangeColumn {
		t.Fatalf("unexpected highlights %+v", highlights)
	}
	mu.Unlock()

	if err := a.Redo(); err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	eventually(t, "peer sees redo", func() bool { return b.Document().Columns[0].Name == "Discover" })
	if b.CanUndo() {
		t.Fatalf("undo history leaked to the peer")
	}
}

func TestFailedMutationChangesNothing(t *testing.T) {
	s, err := Open(context.Background(), "solo", starter(), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	before := s.Document()
	boom := errors.New("boom")
	if err := s.Mutate(func(doc *storymap.Document) error {
		doc.Name = "half done"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s.Document().Name != before.Name || s.CanUndo() {
		t.Fatalf("failed mutation leaked state")
	}
	if err := s.Import([]byte(`{"app":"other","v":1,"steps":[]}`)); !errors.Is(err, mapjson.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
	if s.Document().Name != before.Name {
		t.Fatalf("rejected import mutated the document")
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	s, err := Open(context.Background(), "solo", storymap.New("empty"), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	data, err := mapjson.Marshal(starter())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := s.Import(data); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	doc := s.Document()
	if doc.Name != "Release plan" || len(doc.Columns) != 2 || doc.ID != "solo" {
		t.Fatalf("unexpected imported document %+v", doc)
	}
	if got := s.Engine().Document(); len(got.Columns) != 2 {
		t.Fatalf("import not mirrored: %+v", got.Columns)
	}
	if err := s.Undo(); err != nil || s.Document().Name != "empty" {
		t.Fatalf("import should be undoable, got %q (%v)", s.Document().Name, err)
	}
}

func TestLockedSessionIsReadOnly(t *testing.T) {
	server := &lockServer{}
	a, b := openPair(t, Options{LockAPI: server, PollInterval: 10 * time.Millisecond})

	if err := a.Lock().SetPassword(context.Background(), "abcd"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	eventually(t, "peer locked out", func() bool { return !b.Editable() })
	if err := b.Mutate(func(doc *storymap.Document) error { doc.Name = "nope"; return nil }); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := b.EditNotes(func(text *crdt.Text) { text.Insert(0, "x") }); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := a.Mutate(func(doc *storymap.Document) error { doc.Name = "mine"; return nil }); err != nil {
		t.Fatalf("locking session should stay editable: %v", err)
	}

	if err := b.Lock().Unlock(context.Background(), "abcd"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if !b.Editable() {
		t.Fatalf("unlocked session should be editable")
	}
}

func TestRemoteUpdateDropsVanishedPartialMapFocus(t *testing.T) {
	a, b := openPair(t, Options{})
	if err := a.Mutate(func(doc *storymap.Document) error {
		doc.PartialMaps = append(doc.PartialMaps, storymap.PartialMap{ID: "pm000001", Name: "Login"})
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	eventually(t, "partial map replicated", func() bool { return len(b.Document().PartialMaps) == 1 })
	b.FocusPartialMap("pm000001")

	if err := a.Mutate(func(doc *storymap.Document) error {
		doc.PartialMaps = nil
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	eventually(t, "focus cleared", func() bool { return b.FocusedPartialMap() == "" })
}

func TestNotesEditsAreUndoable(t *testing.T) {
	s, err := Open(context.Background(), "solo", starter(), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if err := s.EditNotes(func(text *crdt.Text) { text.Insert(0, "Ship it") }); err != nil {
		t.Fatalf("EditNotes() error = %v", err)
	}
	if s.Document().Notes != "Ship it" {
		t.Fatalf("notes = %q", s.Document().Notes)
	}
	if err := s.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if s.Document().Notes != "" || s.Engine().Document().Notes != "" {
		t.Fatalf("undo did not clear notes")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRemoteEditDuringLocalMutateIsKept(t *testing.T) {
	a, b := openPair(t, Options{})
	eventually(t, "peer catches up", func() bool { return len(b.Document().Columns) == 2 })

	if err := b.Mutate(func(doc *storymap.Document) error {
		if err := a.Mutate(func(remote *storymap.Document) error {
			return remote.RenameColumn(remote.Columns[0].ID, "A-rename")
		}); err != nil {
			return err
		}
		// Give the remote update time to reach b while b is mid-mutation.
		time.Sleep(50 * time.Millisecond)
		return doc.RenameColumn(doc.Columns[1].ID, "B-rename")
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	for name, s := range map[string]*Session{"a": a, "b": b} {
		s := s
		eventually(t, name+" converges", func() bool {
			doc := s.Document()
			replica := s.Engine().Document()
			return doc.Columns[0].Name == "A-rename" && doc.Columns[1].Name == "B-rename" &&
				replica.Columns[0].Name == "A-rename" && replica.Columns[1].Name == "B-rename"
		})
	}
}
