// Package storymap holds the logical story map document that rendering,
// replication, serialization and undo all operate over.
package storymap

import "storymap/collab/internal/util"

type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

var validStatuses = map[Status]struct{}{
	StatusPlanned:    {},
	StatusInProgress: {},
	StatusDone:       {},
	StatusBlocked:    {},
}

// Row names the two fixed backbone rows.
type Row string

const (
	RowUsers      Row = "users"
	RowActivities Row = "activities"
)

// Card is a single story or backbone entry. Empty strings stand for null
// colors, urls and statuses.
type Card struct {
	ID     string
	Name   string
	Body   string
	Color  string
	URL    string
	Hidden bool
	Status Status
	Points *float64
	Tags   []string
}

// Column is a step of the map. A column with a PartialMapID is a reference
// column and carries no card fields of its own.
type Column struct {
	Card
	PartialMapID string
	Origin       bool
}

func (c Column) IsReference() bool {
	return c.PartialMapID != ""
}

type Slice struct {
	ID        string
	Name      string
	Collapsed bool
	Stories   map[string][]Card
}

type LegendEntry struct {
	Color string
	Label string
}

// PartialMap is a reusable sub-map. Stories are keyed by the id of the main
// map slice, then by the partial map's own column id.
type PartialMap struct {
	ID         string
	Name       string
	Columns    []Column
	Users      map[string][]Card
	Activities map[string][]Card
	Stories    map[string]map[string][]Card
}

type Document struct {
	ID          string
	Name        string
	Columns     []Column
	Users       map[string][]Card
	Activities  map[string][]Card
	Slices      []Slice
	Legend      []LegendEntry
	Notes       string
	PartialMaps []PartialMap
}

// New returns an empty document with initialized backbone rows.
func New(name string) *Document {
	return &Document{
		Name:       name,
		Users:      map[string][]Card{},
		Activities: map[string][]Card{},
	}
}

func NewCard(name string) Card {
	return Card{ID: util.NewShortID(), Name: name}
}

func NewColumn(name string) Column {
	return Column{Card: NewCard(name)}
}

func NewSlice(name string) Slice {
	return Slice{ID: util.NewShortID(), Name: name, Stories: map[string][]Card{}}
}

// Row returns the backbone row map, creating it when missing.
func (d *Document) Row(row Row) map[string][]Card {
	switch row {
	case RowUsers:
		if d.Users == nil {
			d.Users = map[string][]Card{}
		}
		return d.Users
	case RowActivities:
		if d.Activities == nil {
			d.Activities = map[string][]Card{}
		}
		return d.Activities
	}
	return nil
}

func (d *Document) ColumnIndex(id string) int {
	for i, column := range d.Columns {
		if column.ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) Column(id string) (Column, bool) {
	if i := d.ColumnIndex(id); i >= 0 {
		return d.Columns[i], true
	}
	return Column{}, false
}

func (d *Document) SliceIndex(id string) int {
	for i, slice := range d.Slices {
		if slice.ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) PartialMap(id string) (*PartialMap, bool) {
	for i := range d.PartialMaps {
		if d.PartialMaps[i].ID == id {
			return &d.PartialMaps[i], true
		}
	}
	return nil, false
}

// CardsAt returns the cards of a card map for a column. Stale or missing keys
// read as empty.
func CardsAt(cards map[string][]Card, columnID string) []Card {
	if cards == nil {
		return nil
	}
	return cards[columnID]
}

// FindCard locates a card by id across backbone rows and slices.
func (d *Document) FindCard(id string) (Card, string, bool) {
	for _, column := range d.Columns {
		for _, card := range d.Users[column.ID] {
			if card.ID == id {
				return card, column.ID, true
			}
		}
		for _, card := range d.Activities[column.ID] {
			if card.ID == id {
				return card, column.ID, true
			}
		}
		for _, slice := range d.Slices {
			for _, card := range slice.Stories[column.ID] {
				if card.ID == id {
					return card, column.ID, true
				}
			}
		}
	}
	return Card{}, "", false
}

// PruneStaleKeys drops card map keys whose column no longer exists.
func (d *Document) PruneStaleKeys() {
	known := make(map[string]struct{}, len(d.Columns))
	for _, column := range d.Columns {
		known[column.ID] = struct{}{}
	}
	prune := func(cards map[string][]Card) {
		for key := range cards {
			if _, ok := known[key]; !ok {
				delete(cards, key)
			}
		}
	}
	prune(d.Users)
	prune(d.Activities)
	for _, slice := range d.Slices {
		prune(slice.Stories)
	}
}
