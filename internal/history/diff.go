package history

import (
	"reflect"

	"storymap/collab/internal/mapjson"
	"storymap/collab/internal/storymap"
)

type ChangeKind string

const (
	ChangeColumn    ChangeKind = "column"
	ChangeBackbone  ChangeKind = "backbone"
	ChangeSliceName ChangeKind = "slice"
	ChangeStory     ChangeKind = "story"
)

// Change locates one position that differs between two documents. Indexes
// that do not apply to the kind are -1.
type Change struct {
	Kind   ChangeKind
	Row    storymap.Row
	Column int
	Slice  int
	Card   int
}

// Diff compares the serialized forms of before and after. The result only
// drives transient highlighting.
func Diff(before, after *storymap.Document) []Change {
	if before == nil || after == nil {
		return nil
	}
	a, b := mapjson.Serialize(before), mapjson.Serialize(after)
	var changes []Change

	for i := 0; i < max(len(a.Steps), len(b.Steps)); i++ {
		if !reflect.DeepEqual(at(a.Steps, i), at(b.Steps, i)) {
			changes = append(changes, Change{Kind: ChangeColumn, Column: i, Slice: -1, Card: -1})
		}
	}
	changes = append(changes, diffRow(storymap.RowUsers, a.Users, b.Users)...)
	changes = append(changes, diffRow(storymap.RowActivities, a.Activities, b.Activities)...)

	for s := 0; s < max(len(a.Slices), len(b.Slices)); s++ {
		sa, sb := at(a.Slices, s), at(b.Slices, s)
		if sa.Name != sb.Name {
			changes = append(changes, Change{Kind: ChangeSliceName, Column: -1, Slice: s, Card: -1})
		}
		for c := 0; c < max(len(sa.Stories), len(sb.Stories)); c++ {
			la, lb := at(sa.Stories, c), at(sb.Stories, c)
			for k := 0; k < max(len(la), len(lb)); k++ {
				if !reflect.DeepEqual(at(la, k), at(lb, k)) {
					changes = append(changes, Change{Kind: ChangeStory, Column: c, Slice: s, Card: k})
				}
			}
		}
	}
	return changes
}

func diffRow(row storymap.Row, a, b [][]mapjson.Card) []Change {
	var changes []Change
	for c := 0; c < max(len(a), len(b)); c++ {
		la, lb := at(a, c), at(b, c)
		for k := 0; k < max(len(la), len(lb)); k++ {
			if !reflect.DeepEqual(at(la, k), at(lb, k)) {
				changes = append(changes, Change{Kind: ChangeBackbone, Row: row, Column: c, Slice: -1, Card: k})
			}
		}
	}
	return changes
}

func at[T any](list []T, i int) T {
	var zero T
	if i < 0 || i >= len(list) {
		return zero
	}
	return list[i]
}
