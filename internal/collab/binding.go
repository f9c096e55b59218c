package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/storymap"
)

var (
	ErrUnknownPath = errors.New("unknown document path")
	ErrValueType   = errors.New("value type does not match path")
	ErrNotFound    = errors.New("entity not found in replica")
)

// Replica layout. Every entity map carries its own "id" key so arrays can be
// reconciled by identity.
const (
	rootMeta        = "meta"
	rootColumns     = "columns"
	rootUsers       = "users"
	rootActivities  = "activities"
	rootSlices      = "slices"
	rootLegend      = "legend"
	rootNotes       = "notes"
	rootPartialMaps = "partialMaps"

	legacyNotesKey = "notes"
)

// Path names the part of the document a local mutation touched. Sections
// may be narrowed to one entity with a trailing "/id".
type Path string

const (
	PathID          Path = "id"
	PathName        Path = "name"
	PathColumns     Path = "columns"
	PathUsers       Path = "users"
	PathActivities  Path = "activities"
	PathSlices      Path = "slices"
	PathLegend      Path = "legend"
	PathNotes       Path = "notes"
	PathPartialMaps Path = "partialMaps"
)

func ColumnPath(columnID string) Path {
	return Path(string(PathColumns) + "/" + columnID)
}

// RowPath addresses the card list of one column in a backbone row.
func RowPath(row storymap.Row, columnID string) Path {
	return Path(string(row) + "/" + columnID)
}

func SlicePath(sliceID string) Path {
	return Path(string(PathSlices) + "/" + sliceID)
}

func (p Path) split() (Path, string) {
	section, rest, _ := strings.Cut(string(p), "/")
	return Path(section), rest
}

func (e *Engine) applyPath(path Path, value any) error {
	section, id := path.split()
	switch section {
	case PathID, PathName:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants string, got %T", ErrValueType, path, value)
		}
		setString(e.doc.Map(rootMeta), string(section), s)
	case PathColumns:
		if id != "" {
			column, ok := value.(storymap.Column)
			if !ok {
				return fmt.Errorf("%w: %s wants Column, got %T", ErrValueType, path, value)
			}
			m := findByID(e.doc.Array(rootColumns), id)
			if m == nil {
				return fmt.Errorf("%w: column %s", ErrNotFound, id)
			}
			writeColumn(m, column)
			return nil
		}
		columns, ok := value.([]storymap.Column)
		if !ok {
			return fmt.Errorf("%w: %s wants []Column, got %T", ErrValueType, path, value)
		}
		reconcileList(e.doc.Array(rootColumns), columns, func(c storymap.Column) string { return c.ID }, writeColumn)
	case PathUsers, PathActivities:
		row := e.doc.Map(string(section))
		if id != "" {
			cards, ok := value.([]storymap.Card)
			if !ok {
				return fmt.Errorf("%w: %s wants []Card, got %T", ErrValueType, path, value)
			}
			reconcileCardList(row, id, cards)
			return nil
		}
		cards, ok := value.(map[string][]storymap.Card)
		if !ok {
			return fmt.Errorf("%w: %s wants map[string][]Card, got %T", ErrValueType, path, value)
		}
		reconcileRow(row, cards)
	case PathSlices:
		if id != "" {
			slice, ok := value.(storymap.Slice)
			if !ok {
				return fmt.Errorf("%w: %s wants Slice, got %T", ErrValueType, path, value)
			}
			m := findByID(e.doc.Array(rootSlices), id)
			if m == nil {
				return fmt.Errorf("%w: slice %s", ErrNotFound, id)
			}
			writeSlice(m, slice)
			return nil
		}
		slices, ok := value.([]storymap.Slice)
		if !ok {
			return fmt.Errorf("%w: %s wants []Slice, got %T", ErrValueType, path, value)
		}
		reconcileList(e.doc.Array(rootSlices), slices, func(s storymap.Slice) string { return s.ID }, writeSlice)
	case PathLegend:
		legend, ok := value.([]storymap.LegendEntry)
		if !ok {
			return fmt.Errorf("%w: %s wants []LegendEntry, got %T", ErrValueType, path, value)
		}
		reconcileLegend(e.doc.Array(rootLegend), legend)
	case PathNotes:
		notes, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants string, got %T", ErrValueType, path, value)
		}
		replaceText(e.doc.Text(rootNotes), notes)
	case PathPartialMaps:
		maps, ok := value.([]storymap.PartialMap)
		if !ok {
			return fmt.Errorf("%w: %s wants []PartialMap, got %T", ErrValueType, path, value)
		}
		reconcileList(e.doc.Array(rootPartialMaps), maps, func(pm storymap.PartialMap) string { return pm.ID }, writePartialMap)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}
	return nil
}

type section struct {
	path  Path
	value any
}

func sections(doc *storymap.Document) []section {
	return []section{
		{PathID, doc.ID},
		{PathName, doc.Name},
		{PathColumns, doc.Columns},
		{PathUsers, doc.Users},
		{PathActivities, doc.Activities},
		{PathSlices, doc.Slices},
		{PathLegend, doc.Legend},
		{PathNotes, doc.Notes},
		{PathPartialMaps, doc.PartialMaps},
	}
}

// changedSections lists the sections of after whose value differs from
// before, or every section when before is nil.
func changedSections(before, after *storymap.Document) []section {
	next := sections(after)
	if before == nil {
		return next
	}
	prev := sections(before)
	changed := next[:0:0]
	for i, s := range next {
		if !reflect.DeepEqual(prev[i].value, s.value) {
			changed = append(changed, s)
		}
	}
	return changed
}

// mirrorAll writes every section of doc into the replica.
func (e *Engine) mirrorAll(doc *storymap.Document) {
	for _, s := range sections(doc) {
		_ = e.applyPath(s.path, s.value)
	}
}

// setField writes v under key unless the stored JSON already matches. Zero
// values delete the key so optional fields stay absent.
func setField(m *crdt.Map, key string, v any, zero bool) {
	if zero {
		m.Delete(key)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if current, ok := m.Raw(key); ok && bytes.Equal(current, data) {
		return
	}
	_ = m.Set(key, json.RawMessage(data))
}

func setString(m *crdt.Map, key, value string) {
	setField(m, key, value, value == "")
}

func writeCard(m *crdt.Map, card storymap.Card) {
	setString(m, "id", card.ID)
	setString(m, "name", card.Name)
	setString(m, "body", card.Body)
	setString(m, "color", card.Color)
	setString(m, "url", card.URL)
	setField(m, "hidden", card.Hidden, !card.Hidden)
	setString(m, "status", string(card.Status))
	if card.Points != nil {
		setField(m, "points", *card.Points, false)
	} else {
		setField(m, "points", nil, true)
	}
	setField(m, "tags", card.Tags, len(card.Tags) == 0)
}

func writeColumn(m *crdt.Map, column storymap.Column) {
	writeCard(m, column.Card)
	setString(m, "partialMapId", column.PartialMapID)
	setField(m, "origin", column.Origin, !column.Origin)
}

func writeSlice(m *crdt.Map, slice storymap.Slice) {
	setString(m, "id", slice.ID)
	setString(m, "name", slice.Name)
	setField(m, "collapsed", slice.Collapsed, !slice.Collapsed)
	stories := m.MapAt("stories")
	if stories == nil {
		stories = m.SetMap("stories")
	}
	reconcileRow(stories, slice.Stories)
}

func writePartialMap(m *crdt.Map, pm storymap.PartialMap) {
	setString(m, "id", pm.ID)
	setField(m, "data", pm, false)
}

func findByID(arr *crdt.Array, id string) *crdt.Map {
	for i := 0; i < arr.Len(); i++ {
		if m := arr.MapAt(i); m != nil && m.String("id") == id {
			return m
		}
	}
	return nil
}

// reconcileList makes arr hold one map per item in item order. Maps are
// matched by id and updated field by field; a moved item is removed and
// recreated at its new position.
func reconcileList[T any](arr *crdt.Array, items []T, idOf func(T) string, write func(*crdt.Map, T)) {
	want := make(map[string]struct{}, len(items))
	for _, item := range items {
		want[idOf(item)] = struct{}{}
	}
	kept := map[string]struct{}{}
	var stale []int
	for i := 0; i < arr.Len(); i++ {
		m := arr.MapAt(i)
		if m == nil {
			stale = append(stale, i)
			continue
		}
		id := m.String("id")
		_, wanted := want[id]
		_, dup := kept[id]
		if !wanted || dup {
			stale = append(stale, i)
			continue
		}
		kept[id] = struct{}{}
	}
	for i := len(stale) - 1; i >= 0; i-- {
		arr.Delete(stale[i], 1)
	}

	for i, item := range items {
		id := idOf(item)
		if m := arr.MapAt(i); m != nil && m.String("id") == id {
			write(m, item)
			continue
		}
		for j := i + 1; j < arr.Len(); j++ {
			if m := arr.MapAt(j); m != nil && m.String("id") == id {
				arr.Delete(j, 1)
				break
			}
		}
		write(arr.InsertMap(i), item)
	}
	if extra := arr.Len() - len(items); extra > 0 {
		arr.Delete(len(items), extra)
	}
}

func reconcileCardList(row *crdt.Map, columnID string, cards []storymap.Card) {
	arr := row.ArrayAt(columnID)
	if arr == nil {
		if len(cards) == 0 {
			return
		}
		arr = row.SetArray(columnID)
	}
	reconcileList(arr, cards, func(c storymap.Card) string { return c.ID }, writeCard)
}

// reconcileRow mirrors a column id to card list map. Keys missing from cards
// are deleted from the replica.
func reconcileRow(row *crdt.Map, cards map[string][]storymap.Card) {
	for _, key := range row.Keys() {
		if _, ok := cards[key]; !ok {
			row.Delete(key)
		}
	}
	for columnID, list := range cards {
		reconcileCardList(row, columnID, list)
	}
}

func reconcileLegend(arr *crdt.Array, legend []storymap.LegendEntry) {
	for i, entry := range legend {
		m := arr.MapAt(i)
		if m == nil {
			m = arr.InsertMap(i)
		}
		setField(m, "color", entry.Color, false)
		setField(m, "label", entry.Label, false)
	}
	if extra := arr.Len() - len(legend); extra > 0 {
		arr.Delete(len(legend), extra)
	}
}

// replaceText rewrites text to want by trimming the common prefix and
// suffix, so edits elsewhere in the buffer are left alone.
func replaceText(text *crdt.Text, want string) {
	have := []rune(text.String())
	next := []rune(want)
	prefix := 0
	for prefix < len(have) && prefix < len(next) && have[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(have)-prefix && suffix < len(next)-prefix &&
		have[len(have)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}
	if removed := len(have) - prefix - suffix; removed > 0 {
		text.Delete(prefix, removed)
	}
	if inserted := next[prefix : len(next)-suffix]; len(inserted) > 0 {
		text.Insert(prefix, string(inserted))
	}
}
