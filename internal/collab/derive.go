package collab

import (
	"storymap/collab/internal/crdt"
	"storymap/collab/internal/storymap"
)

func (e *Engine) derive() *storymap.Document {
	return Derive(e.doc)
}

// Derive rebuilds the logical document from a replica. The relay uses it to
// snapshot rooms it holds without an engine.
func Derive(replica *crdt.Doc) *storymap.Document {
	meta := replica.Map(rootMeta)
	doc := storymap.New(meta.String("name"))
	doc.ID = meta.String("id")

	columns := replica.Array(rootColumns)
	for i := 0; i < columns.Len(); i++ {
		if m := columns.MapAt(i); m != nil {
			doc.Columns = append(doc.Columns, readColumn(m))
		}
	}
	doc.Users = readRow(replica.Map(rootUsers))
	doc.Activities = readRow(replica.Map(rootActivities))

	slices := replica.Array(rootSlices)
	for i := 0; i < slices.Len(); i++ {
		m := slices.MapAt(i)
		if m == nil {
			continue
		}
		slice := storymap.Slice{
			ID:        m.String("id"),
			Name:      m.String("name"),
			Collapsed: m.Bool("collapsed"),
			Stories:   map[string][]storymap.Card{},
		}
		if stories := m.MapAt("stories"); stories != nil {
			slice.Stories = readRow(stories)
		}
		doc.Slices = append(doc.Slices, slice)
	}

	legend := replica.Array(rootLegend)
	for i := 0; i < legend.Len(); i++ {
		if m := legend.MapAt(i); m != nil {
			doc.Legend = append(doc.Legend, storymap.LegendEntry{Color: m.String("color"), Label: m.String("label")})
		}
	}

	doc.Notes = replica.Text(rootNotes).String()

	partialMaps := replica.Array(rootPartialMaps)
	for i := 0; i < partialMaps.Len(); i++ {
		m := partialMaps.MapAt(i)
		if m == nil {
			continue
		}
		var pm storymap.PartialMap
		if m.Decode("data", &pm) {
			doc.PartialMaps = append(doc.PartialMaps, pm)
		}
	}
	return doc
}

func readCard(m *crdt.Map) storymap.Card {
	card := storymap.Card{
		ID:     m.String("id"),
		Name:   m.String("name"),
		Body:   m.String("body"),
		Color:  m.String("color"),
		URL:    m.String("url"),
		Hidden: m.Bool("hidden"),
		Status: storymap.Status(m.String("status")),
	}
	var points float64
	if m.Decode("points", &points) {
		card.Points = &points
	}
	m.Decode("tags", &card.Tags)
	return card
}

func readColumn(m *crdt.Map) storymap.Column {
	return storymap.Column{
		Card:         readCard(m),
		PartialMapID: m.String("partialMapId"),
		Origin:       m.Bool("origin"),
	}
}

func readRow(row *crdt.Map) map[string][]storymap.Card {
	out := map[string][]storymap.Card{}
	for _, key := range row.Keys() {
		arr := row.ArrayAt(key)
		if arr == nil {
			continue
		}
		cards := make([]storymap.Card, 0, arr.Len())
		for i := 0; i < arr.Len(); i++ {
			if m := arr.MapAt(i); m != nil {
				cards = append(cards, readCard(m))
			}
		}
		out[key] = cards
	}
	return out
}
