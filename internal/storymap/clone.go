package storymap

// Clone returns a deep copy that shares nothing with d. Nil collections stay
// nil and empty ones stay empty so clones compare equal to their source.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		ID:         d.ID,
		Name:       d.Name,
		Notes:      d.Notes,
		Columns:    cloneColumns(d.Columns),
		Users:      cloneCardMap(d.Users),
		Activities: cloneCardMap(d.Activities),
	}
	if d.Slices != nil {
		out.Slices = make([]Slice, len(d.Slices))
		for i, slice := range d.Slices {
			out.Slices[i] = Slice{
				ID:        slice.ID,
				Name:      slice.Name,
				Collapsed: slice.Collapsed,
				Stories:   cloneCardMap(slice.Stories),
			}
		}
	}
	if d.Legend != nil {
		out.Legend = append([]LegendEntry{}, d.Legend...)
	}
	if d.PartialMaps != nil {
		out.PartialMaps = make([]PartialMap, len(d.PartialMaps))
		for i, pm := range d.PartialMaps {
			out.PartialMaps[i] = pm.Clone()
		}
	}
	return out
}

func (pm PartialMap) Clone() PartialMap {
	out := PartialMap{
		ID:         pm.ID,
		Name:       pm.Name,
		Columns:    cloneColumns(pm.Columns),
		Users:      cloneCardMap(pm.Users),
		Activities: cloneCardMap(pm.Activities),
	}
	if pm.Stories != nil {
		out.Stories = make(map[string]map[string][]Card, len(pm.Stories))
		for sliceID, cards := range pm.Stories {
			out.Stories[sliceID] = cloneCardMap(cards)
		}
	}
	return out
}

func (c Card) Clone() Card {
	out := c
	if c.Points != nil {
		points := *c.Points
		out.Points = &points
	}
	if c.Tags != nil {
		out.Tags = append([]string{}, c.Tags...)
	}
	return out
}

func cloneColumns(columns []Column) []Column {
	if columns == nil {
		return nil
	}
	out := make([]Column, len(columns))
	for i, column := range columns {
		out[i] = column
		out[i].Card = column.Card.Clone()
	}
	return out
}

func cloneCards(cards []Card) []Card {
	if cards == nil {
		return nil
	}
	out := make([]Card, len(cards))
	for i, card := range cards {
		out[i] = card.Clone()
	}
	return out
}

func cloneCardMap(cards map[string][]Card) map[string][]Card {
	if cards == nil {
		return nil
	}
	out := make(map[string][]Card, len(cards))
	for key, list := range cards {
		out[key] = cloneCards(list)
	}
	return out
}
