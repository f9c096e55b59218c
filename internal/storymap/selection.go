package storymap

// CardRef is the literal card entry a user clicked, kept for multi-select.
type CardRef struct {
	Lane     Lane
	ColumnID string
	CardID   string
}

// Selection is local, non-replicated and never captured by undo.
type Selection struct {
	Columns map[string]struct{}
	Anchor  string
	Cards   []CardRef
}

func (s *Selection) SelectColumn(id string, extend bool) {
	if s.Columns == nil || !extend {
		s.Columns = map[string]struct{}{}
	}
	s.Columns[id] = struct{}{}
	if !extend || s.Anchor == "" {
		s.Anchor = id
	}
}

func (s *Selection) SelectCard(ref CardRef, extend bool) {
	if !extend {
		s.Cards = nil
	}
	s.Cards = append(s.Cards, ref)
}

func (s *Selection) HasColumn(id string) bool {
	_, ok := s.Columns[id]
	return ok
}

func (s *Selection) Empty() bool {
	return len(s.Columns) == 0 && len(s.Cards) == 0
}

func (s *Selection) Clear() {
	s.Columns = nil
	s.Anchor = ""
	s.Cards = nil
}
