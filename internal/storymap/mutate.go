package storymap

import (
	"errors"
	"fmt"
)

var (
	ErrColumnNotFound = errors.New("column not found")
	ErrCardNotFound   = errors.New("card not found")
	ErrSliceNotFound  = errors.New("slice not found")
	ErrInvalidLane    = errors.New("lane must name a backbone row or a slice")
)

// Lane addresses one horizontal card row: a backbone row or a release slice.
type Lane struct {
	Row     Row
	SliceID string
}

func BackboneLane(row Row) Lane { return Lane{Row: row} }

func SliceLane(sliceID string) Lane { return Lane{SliceID: sliceID} }

func (d *Document) laneCards(lane Lane) (map[string][]Card, error) {
	if lane.SliceID != "" {
		i := d.SliceIndex(lane.SliceID)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrSliceNotFound, lane.SliceID)
		}
		if d.Slices[i].Stories == nil {
			d.Slices[i].Stories = map[string][]Card{}
		}
		return d.Slices[i].Stories, nil
	}
	if cards := d.Row(lane.Row); cards != nil {
		return cards, nil
	}
	return nil, ErrInvalidLane
}

// AddColumn inserts a new column at index, or appends when index is out of range.
func (d *Document) AddColumn(name string, index int) Column {
	column := NewColumn(name)
	d.Columns = insertAt(d.Columns, index, column)
	return column
}

func (d *Document) UpdateColumn(id string, fn func(*Column)) error {
	i := d.ColumnIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrColumnNotFound, id)
	}
	fn(&d.Columns[i])
	return nil
}

func (d *Document) RenameColumn(id, name string) error {
	return d.UpdateColumn(id, func(c *Column) { c.Name = name })
}

// DeleteColumn removes the column and every card keyed by it.
func (d *Document) DeleteColumn(id string) error {
	i := d.ColumnIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrColumnNotFound, id)
	}
	d.Columns = append(d.Columns[:i], d.Columns[i+1:]...)
	delete(d.Users, id)
	delete(d.Activities, id)
	for _, slice := range d.Slices {
		delete(slice.Stories, id)
	}
	return nil
}

func (d *Document) MoveColumn(id string, to int) error {
	i := d.ColumnIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrColumnNotFound, id)
	}
	column := d.Columns[i]
	d.Columns = append(d.Columns[:i], d.Columns[i+1:]...)
	d.Columns = insertAt(d.Columns, to, column)
	return nil
}

func (d *Document) AddCard(lane Lane, columnID string, card Card, index int) error {
	if d.ColumnIndex(columnID) < 0 {
		return fmt.Errorf("%w: %s", ErrColumnNotFound, columnID)
	}
	cards, err := d.laneCards(lane)
	if err != nil {
		return err
	}
	if card.ID == "" {
		card.ID = NewCard("").ID
	}
	cards[columnID] = insertAt(cards[columnID], index, card)
	return nil
}

func (d *Document) UpdateCard(lane Lane, columnID, cardID string, fn func(*Card)) error {
	cards, err := d.laneCards(lane)
	if err != nil {
		return err
	}
	list := cards[columnID]
	for i := range list {
		if list[i].ID == cardID {
			fn(&list[i])
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCardNotFound, cardID)
}

func (d *Document) RemoveCard(lane Lane, columnID, cardID string) (Card, error) {
	cards, err := d.laneCards(lane)
	if err != nil {
		return Card{}, err
	}
	list := cards[columnID]
	for i := range list {
		if list[i].ID == cardID {
			card := list[i]
			cards[columnID] = append(list[:i], list[i+1:]...)
			return card, nil
		}
	}
	return Card{}, fmt.Errorf("%w: %s", ErrCardNotFound, cardID)
}

func (d *Document) MoveCard(from Lane, fromColumn, cardID string, to Lane, toColumn string, index int) error {
	if d.ColumnIndex(toColumn) < 0 {
		return fmt.Errorf("%w: %s", ErrColumnNotFound, toColumn)
	}
	if _, err := d.laneCards(to); err != nil {
		return err
	}
	card, err := d.RemoveCard(from, fromColumn, cardID)
	if err != nil {
		return err
	}
	return d.AddCard(to, toColumn, card, index)
}

func (d *Document) AddSlice(name string, index int) Slice {
	slice := NewSlice(name)
	d.Slices = insertAt(d.Slices, index, slice)
	return slice
}

func (d *Document) UpdateSlice(id string, fn func(*Slice)) error {
	i := d.SliceIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSliceNotFound, id)
	}
	fn(&d.Slices[i])
	return nil
}

func (d *Document) RenameSlice(id, name string) error {
	return d.UpdateSlice(id, func(s *Slice) { s.Name = name })
}

func (d *Document) DeleteSlice(id string) error {
	i := d.SliceIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSliceNotFound, id)
	}
	d.Slices = append(d.Slices[:i], d.Slices[i+1:]...)
	for j := range d.PartialMaps {
		delete(d.PartialMaps[j].Stories, id)
	}
	return nil
}

func (d *Document) AddLegendEntry(color, label string) {
	d.Legend = append(d.Legend, LegendEntry{Color: color, Label: label})
}

func (d *Document) SetNotes(notes string) {
	d.Notes = notes
}

func insertAt[T any](list []T, index int, item T) []T {
	if index < 0 || index >= len(list) {
		return append(list, item)
	}
	list = append(list, item)
	copy(list[index+1:], list[index:])
	list[index] = item
	return list
}
