package mapjson

import (
	"encoding/json"
	"fmt"

	"storymap/collab/internal/storymap"
)

// Serialize builds the v1 envelope. Optional sections are left empty so they
// are omitted from the encoded output.
func Serialize(doc *storymap.Document) Envelope {
	env := Envelope{
		App:        AppTag,
		V:          CurrentVersion,
		ID:         doc.ID,
		Name:       doc.Name,
		Steps:      encodeSteps(doc.Columns),
		Users:      encodeRow(doc.Columns, doc.Users),
		Activities: encodeRow(doc.Columns, doc.Activities),
		Slices:     make([]Slice, 0, len(doc.Slices)),
		Notes:      doc.Notes,
	}
	for _, slice := range doc.Slices {
		env.Slices = append(env.Slices, Slice{
			Name:      slice.Name,
			Collapsed: slice.Collapsed,
			Stories:   encodeRow(doc.Columns, slice.Stories),
		})
	}
	for _, entry := range doc.Legend {
		env.Legend = append(env.Legend, LegendEntry{Color: entry.Color, Label: entry.Label})
	}
	for _, pm := range doc.PartialMaps {
		encoded := PartialMapJSON{
			ID:         pm.ID,
			Name:       pm.Name,
			Steps:      encodeSteps(pm.Columns),
			Users:      encodeRow(pm.Columns, pm.Users),
			Activities: encodeRow(pm.Columns, pm.Activities),
			Stories:    make([][][]Card, 0, len(doc.Slices)),
		}
		for _, slice := range doc.Slices {
			encoded.Stories = append(encoded.Stories, encodeRow(pm.Columns, pm.Stories[slice.ID]))
		}
		env.PartialMaps = append(env.PartialMaps, encoded)
	}
	return env
}

// Marshal serializes doc to JSON bytes.
func Marshal(doc *storymap.Document) ([]byte, error) {
	data, err := json.Marshal(Serialize(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal story map: %w", err)
	}
	return data, nil
}

func encodeSteps(columns []storymap.Column) []Step {
	steps := make([]Step, 0, len(columns))
	for _, column := range columns {
		if column.IsReference() {
			steps = append(steps, Step{PartialMapID: column.PartialMapID, PartialMapOrigin: column.Origin})
			continue
		}
		steps = append(steps, Step{Card: encodeCard(column.Card)})
	}
	return steps
}

// encodeRow emits one list per column in column order. Keys for columns that
// no longer exist are never visited.
func encodeRow(columns []storymap.Column, cards map[string][]storymap.Card) [][]Card {
	row := make([][]Card, 0, len(columns))
	for _, column := range columns {
		list := storymap.CardsAt(cards, column.ID)
		encoded := make([]Card, 0, len(list))
		for _, card := range list {
			encoded = append(encoded, encodeCard(card))
		}
		row = append(row, encoded)
	}
	return row
}

func encodeCard(card storymap.Card) Card {
	out := Card{
		Name:   card.Name,
		Body:   card.Body,
		Color:  card.Color,
		URL:    card.URL,
		Hidden: card.Hidden,
		Status: string(card.Status),
		Tags:   storymap.NormalizeTags(card.Tags),
	}
	if card.Points != nil {
		points := *card.Points
		out.Points = &points
	}
	return out
}
