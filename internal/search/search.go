package search

import (
	"strings"

	"storymap/collab/internal/storymap"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MapRecord is the data we index for a map.
type MapRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Notes string `json:"notes"`
	// Cards holds every visible card's name and body, one per line.
	Cards     string `json:"cards"`
	CardCount int    `json:"cardCount"`
}

// Record flattens doc into its search record. Hidden cards and reference
// columns are left out.
func Record(doc *storymap.Document) MapRecord {
	rec := MapRecord{ID: doc.ID, Name: doc.Name, Notes: doc.Notes}
	var lines []string
	add := func(card storymap.Card) {
		if card.Hidden {
			return
		}
		line := strings.TrimSpace(strings.Join([]string{card.Name, card.Body}, " "))
		if line == "" {
			return
		}
		lines = append(lines, line)
		rec.CardCount++
	}
	addRow := func(columns []storymap.Column, row map[string][]storymap.Card) {
		for _, col := range columns {
			for _, card := range storymap.CardsAt(row, col.ID) {
				add(card)
			}
		}
	}

	for _, col := range doc.Columns {
		if !col.IsReference() {
			add(col.Card)
		}
	}
	addRow(doc.Columns, doc.Users)
	addRow(doc.Columns, doc.Activities)
	for _, slice := range doc.Slices {
		addRow(doc.Columns, slice.Stories)
	}
	for _, pm := range doc.PartialMaps {
		for _, col := range pm.Columns {
			add(col.Card)
		}
		addRow(pm.Columns, pm.Users)
		addRow(pm.Columns, pm.Activities)
		for _, slice := range doc.Slices {
			addRow(pm.Columns, pm.Stories[slice.ID])
		}
	}
	rec.Cards = strings.Join(lines, "\n")
	return rec
}
