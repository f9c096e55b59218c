// Package history implements per-session undo and redo over whole document
// snapshots. It never looks at replicated history, so undoing only ever
// reverts this session's own view of the map.
package history

import (
	"sync"

	"storymap/collab/internal/storymap"
)

const DefaultCapacity = 50

// Stack holds bounded undo and redo snapshot stacks. Snapshots are deep
// copies; callers never share memory with the stack.
type Stack struct {
	mu       sync.Mutex
	capacity int
	undo     []*storymap.Document
	redo     []*storymap.Document
	onChange func(canUndo, canRedo bool)
}

func NewStack(capacity int) *Stack {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stack{capacity: capacity}
}

// OnChange registers fn to be told the button enablement after every push
// and pop. fn runs without the stack lock held.
func (s *Stack) OnChange(fn func(canUndo, canRedo bool)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
	s.notify()
}

// Push snapshots current before a mutation and invalidates redo history.
// The oldest snapshot is dropped once the stack is full.
func (s *Stack) Push(current *storymap.Document) {
	if current == nil {
		return
	}
	s.mu.Lock()
	s.undo = append(s.undo, current.Clone())
	if len(s.undo) > s.capacity {
		s.undo = append(s.undo[:0:0], s.undo[len(s.undo)-s.capacity:]...)
	}
	s.redo = nil
	s.mu.Unlock()
	s.notify()
}

// Undo returns the snapshot to restore, having saved current for redo. ok is
// false when there is nothing to undo.
func (s *Stack) Undo(current *storymap.Document) (*storymap.Document, bool) {
	return s.swap(current, &s.undo, &s.redo)
}

func (s *Stack) Redo(current *storymap.Document) (*storymap.Document, bool) {
	return s.swap(current, &s.redo, &s.undo)
}

func (s *Stack) swap(current *storymap.Document, from, to *[]*storymap.Document) (*storymap.Document, bool) {
	s.mu.Lock()
	if len(*from) == 0 {
		s.mu.Unlock()
		return nil, false
	}
	last := len(*from) - 1
	restored := (*from)[last]
	(*from)[last] = nil
	*from = (*from)[:last]
	if current != nil {
		*to = append(*to, current.Clone())
		if len(*to) > s.capacity {
			*to = append((*to)[:0:0], (*to)[len(*to)-s.capacity:]...)
		}
	}
	s.mu.Unlock()
	s.notify()
	return restored.Clone(), true
}

func (s *Stack) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo) > 0
}

func (s *Stack) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redo) > 0
}

// Len reports the undo and redo depths.
func (s *Stack) Len() (undo, redo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo), len(s.redo)
}

// Reset drops both stacks, as when switching maps.
func (s *Stack) Reset() {
	s.mu.Lock()
	s.undo, s.redo = nil, nil
	s.mu.Unlock()
	s.notify()
}

func (s *Stack) notify() {
	s.mu.Lock()
	fn := s.onChange
	canUndo, canRedo := len(s.undo) > 0, len(s.redo) > 0
	s.mu.Unlock()
	if fn != nil {
		fn(canUndo, canRedo)
	}
}
