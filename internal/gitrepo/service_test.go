package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func snapshot(t *testing.T, name string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"app": "storymap", "v": 1, "name": name, "steps": []any{}})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return data
}

func TestSnapshotHistoryLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, created, err := svc.CommitSnapshot("map-1", snapshot(t, "Plan"), "relay", "Flush map-1")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if !created || first.Hash == "" {
		t.Fatalf("expected a new commit, got %+v created=%v", first, created)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "map-1", snapshotFile)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	second, created, err := svc.CommitSnapshot("map-1", snapshot(t, "Build"), "relay", "Flush map-1")
	if err != nil || !created {
		t.Fatalf("CommitSnapshot() created=%v error = %v", created, err)
	}

	history, err := svc.History("map-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("unexpected history %+v", history)
	}

	data, version, err := svc.SnapshotByHash("map-1", first.Hash)
	if err != nil {
		t.Fatalf("SnapshotByHash() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("stored snapshot is not JSON: %v", err)
	}
	if decoded["name"] != "Plan" || version.Message != "Flush map-1" {
		t.Fatalf("unexpected snapshot %v (%+v)", decoded, version)
	}
}

func TestUnchangedSnapshotIsNotCommitted(t *testing.T) {
	svc := New(t.TempDir())
	data := snapshot(t, "Plan")
	first, _, err := svc.CommitSnapshot("map-1", data, "relay", "Flush")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	again, created, err := svc.CommitSnapshot("map-1", data, "relay", "Flush")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if created || again.Hash != first.Hash {
		t.Fatalf("identical snapshot produced a commit: %+v", again)
	}
}

func TestHistoryOfUnknownMap(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("missing", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	for _, id := range []string{"", "..", "a/b"} {
		if _, _, err := svc.CommitSnapshot(id, snapshot(t, "x"), "relay", "Flush"); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("CommitSnapshot(%q) expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestConcurrentSnapshotsSameMap(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, _, err := svc.CommitSnapshot("map-1", snapshot(t, fmt.Sprintf("name-%02d", idx)), "relay", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("CommitSnapshot() concurrent error = %v", err)
	}

	history, err := svc.History("map-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits in history, got %d", writers, len(history))
	}
}
