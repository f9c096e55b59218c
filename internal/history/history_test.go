package history

import (
	"reflect"
	"strconv"
	"testing"

	"storymap/collab/internal/storymap"
)

func sampleDocument(t *testing.T) *storymap.Document {
	t.Helper()
	doc := storymap.New("Onboarding")
	first := doc.AddColumn("Sign up", -1)
	doc.AddColumn("Verify", -1)
	slice := doc.AddSlice("MVP", -1)
	if err := doc.AddCard(storymap.SliceLane(slice.ID), first.ID, storymap.NewCard("Email form"), -1); err != nil {
		t.Fatalf("AddCard() error = %v", err)
	}
	return doc
}

func TestUndoRedoAreInverse(t *testing.T) {
	stack := NewStack(0)
	doc := sampleDocument(t)
	before := doc.Clone()

	stack.Push(doc)
	if err := doc.RenameColumn(doc.Columns[1].ID, "Confirm"); err != nil {
		t.Fatalf("RenameColumn() error = %v", err)
	}
	doc.AddColumn("Welcome", -1)
	after := doc.Clone()

	restored, ok := stack.Undo(doc)
	if !ok {
		t.Fatalf("Undo() reported empty stack")
	}
	if !reflect.DeepEqual(restored, before) {
		t.Fatalf("undo did not restore the pre-mutation state:\n%+v\n%+v", restored, before)
	}
	redone, ok := stack.Redo(restored)
	if !ok || !reflect.DeepEqual(redone, after) {
		t.Fatalf("redo did not restore the post-mutation state")
	}
}

func TestPushClearsRedoAndSnapshotsAreCopies(t *testing.T) {
	stack := NewStack(0)
	doc := sampleDocument(t)
	stack.Push(doc)
	doc.Name = "changed"
	if _, ok := stack.Undo(doc); !ok {
		t.Fatalf("Undo() reported empty stack")
	}
	if !stack.CanRedo() {
		t.Fatalf("expected redo available")
	}
	stack.Push(doc)
	if stack.CanRedo() {
		t.Fatalf("new action should invalidate redo")
	}
	restored, _ := stack.Undo(doc)
	if restored.Name != "changed" {
		t.Fatalf("snapshot aliased the live document: %q", restored.Name)
	}
}

func TestStackIsBounded(t *testing.T) {
	stack := NewStack(DefaultCapacity)
	doc := storymap.New("v0")
	for i := 1; i <= DefaultCapacity+5; i++ {
		stack.Push(doc)
		doc.Name = "v" + strconv.Itoa(i)
	}
	var last *storymap.Document
	undone := 0
	for {
		restored, ok := stack.Undo(doc)
		if !ok {
			break
		}
		last, doc = restored, restored
		undone++
	}
	if undone != DefaultCapacity {
		t.Fatalf("expected %d undo steps, got %d", DefaultCapacity, undone)
	}
	if last.Name != "v5" {
		t.Fatalf("oldest snapshots should be gone, earliest reachable is %q", last.Name)
	}
}

func TestEnablementFollowsStacks(t *testing.T) {
	stack := NewStack(0)
	var states [][2]bool
	stack.OnChange(func(canUndo, canRedo bool) { states = append(states, [2]bool{canUndo, canRedo}) })
	doc := storymap.New("m")

	if _, ok := stack.Undo(doc); ok {
		t.Fatalf("empty undo should be a no-op")
	}
	stack.Push(doc)
	stack.Undo(doc)
	stack.Redo(doc)

	want := [][2]bool{{false, false}, {true, false}, {false, true}, {true, false}}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("enablement = %v, want %v", states, want)
	}
}

func TestDiffLocatesChangedPositions(t *testing.T) {
	before := sampleDocument(t)
	after := before.Clone()
	if err := after.RenameColumn(after.Columns[0].ID, "Register"); err != nil {
		t.Fatalf("RenameColumn() error = %v", err)
	}
	if err := after.RenameSlice(after.Slices[0].ID, "Beta"); err != nil {
		t.Fatalf("RenameSlice() error = %v", err)
	}
	if err := after.AddCard(storymap.BackboneLane(storymap.RowActivities), after.Columns[1].ID, storymap.NewCard("Check inbox"), -1); err != nil {
		t.Fatalf("AddCard() error = %v", err)
	}
	story := after.Slices[0].Stories[after.Columns[0].ID][0]
	if err := after.UpdateCard(storymap.SliceLane(after.Slices[0].ID), after.Columns[0].ID, story.ID, func(c *storymap.Card) { c.Name = "Email + password" }); err != nil {
		t.Fatalf("UpdateCard() error = %v", err)
	}

	got := Diff(before, after)
	want := []Change{
		{Kind: ChangeColumn, Column: 0, Slice: -1, Card: -1},
		{Kind: ChangeBackbone, Row: storymap.RowActivities, Column: 1, Slice: -1, Card: 0},
		{Kind: ChangeSliceName, Column: -1, Slice: 0, Card: -1},
		{Kind: ChangeStory, Column: 0, Slice: 0, Card: 0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Diff() = %+v, want %+v", got, want)
	}
	if changes := Diff(before, before.Clone()); len(changes) != 0 {
		t.Fatalf("identical documents produced changes: %+v", changes)
	}
}
