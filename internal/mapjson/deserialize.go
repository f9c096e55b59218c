package mapjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"storymap/collab/internal/storymap"
	"storymap/collab/internal/util"
)

var ErrFormat = errors.New("unrecognized story map format")

// Unmarshal decodes either the legacy compact shape or the v1 shape into a
// fresh document. Column and card ids are regenerated; partial map ids are
// kept because reference columns point at them.
func Unmarshal(data []byte) (*storymap.Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return Deserialize(raw)
}

func Deserialize(raw map[string]json.RawMessage) (*storymap.Document, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrFormat)
	}
	tag, tagged := raw["app"]
	if tagged {
		var app string
		if err := json.Unmarshal(tag, &app); err != nil || app != AppTag {
			return nil, fmt.Errorf("%w: unexpected app tag %s", ErrFormat, string(tag))
		}
	}
	if version, ok := raw["v"]; ok {
		var v int
		if err := json.Unmarshal(version, &v); err != nil || v > CurrentVersion {
			return nil, fmt.Errorf("%w: unsupported version %s", ErrFormat, string(version))
		}
	}

	_, hasA := raw["a"]
	_, hasS := raw["s"]
	if hasA || hasS {
		return decodeLegacy(raw)
	}
	_, hasSteps := raw["steps"]
	_, hasSlices := raw["slices"]
	if hasSteps || hasSlices {
		if !tagged {
			return nil, fmt.Errorf("%w: missing app tag", ErrFormat)
		}
		return decodeV1(raw)
	}
	return nil, fmt.Errorf("%w: no steps or slices", ErrFormat)
}

func decodeV1(raw map[string]json.RawMessage) (*storymap.Document, error) {
	doc := storymap.New("")
	fields := object(raw)
	doc.ID = fields.str("id")
	doc.Name = fields.str("name")
	doc.Notes = fields.str("notes")

	steps, err := fields.list("steps")
	if err != nil {
		return nil, err
	}
	if doc.Columns, err = decodeSteps(steps); err != nil {
		return nil, err
	}

	if err := decodeRowInto(fields, "users", doc.Columns, doc.Users); err != nil {
		return nil, err
	}
	if err := decodeRowInto(fields, "activities", doc.Columns, doc.Activities); err != nil {
		return nil, err
	}

	slices, err := fields.list("slices")
	if err != nil {
		return nil, err
	}
	for _, rawSlice := range slices {
		sliceFields, err := asObject(rawSlice)
		if err != nil {
			return nil, err
		}
		slice := storymap.NewSlice(sliceFields.str("name"))
		slice.Collapsed = sliceFields.boolean("collapsed")
		if err := decodeRowInto(sliceFields, "stories", doc.Columns, slice.Stories); err != nil {
			return nil, err
		}
		doc.Slices = append(doc.Slices, slice)
	}

	if err := decodeLegend(fields, doc); err != nil {
		return nil, err
	}
	if err := decodePartialMaps(fields, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeLegacy reads the compact pre-v1 shape. Slices tagged with a row type
// become backbone rows rather than releases.
func decodeLegacy(raw map[string]json.RawMessage) (*storymap.Document, error) {
	doc := storymap.New("")
	fields := object(raw)
	doc.ID = fields.str("id")
	doc.Name = fields.str("name", "n")
	doc.Notes = fields.str("notes")

	steps, err := fields.list("a")
	if err != nil {
		return nil, err
	}
	if doc.Columns, err = decodeSteps(steps); err != nil {
		return nil, err
	}

	slices, err := fields.list("s")
	if err != nil {
		return nil, err
	}
	for _, rawSlice := range slices {
		sliceFields, err := asObject(rawSlice)
		if err != nil {
			return nil, err
		}
		cards := map[string][]storymap.Card{}
		if err := decodeRowInto(sliceFields, "stories", doc.Columns, cards, "s"); err != nil {
			return nil, err
		}
		switch storymap.Row(sliceFields.str("type", "t")) {
		case storymap.RowUsers:
			doc.Users = cards
			continue
		case storymap.RowActivities:
			doc.Activities = cards
			continue
		}
		slice := storymap.NewSlice(sliceFields.str("name", "n"))
		slice.Collapsed = sliceFields.boolean("collapsed", "x")
		slice.Stories = cards
		doc.Slices = append(doc.Slices, slice)
	}

	if err := decodeLegend(fields, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeSteps(steps []json.RawMessage) ([]storymap.Column, error) {
	columns := make([]storymap.Column, 0, len(steps))
	for _, rawStep := range steps {
		stepFields, err := asObject(rawStep)
		if err != nil {
			return nil, err
		}
		if pmID := stepFields.str("partialMapId"); pmID != "" {
			columns = append(columns, storymap.Column{
				Card:         storymap.Card{ID: util.NewShortID()},
				PartialMapID: pmID,
				Origin:       stepFields.boolean("partialMapOrigin"),
			})
			continue
		}
		columns = append(columns, storymap.Column{Card: decodeCard(stepFields)})
	}
	return columns, nil
}

func decodeRowInto(fields object, key string, columns []storymap.Column, into map[string][]storymap.Card, aliases ...string) error {
	lists, err := fields.list(append([]string{key}, aliases...)...)
	if err != nil {
		return err
	}
	return decodeLists(lists, key, columns, into)
}

func decodeLists(lists []json.RawMessage, key string, columns []storymap.Column, into map[string][]storymap.Card) error {
	for i, rawList := range lists {
		if i >= len(columns) {
			break
		}
		var items []json.RawMessage
		if err := json.Unmarshal(rawList, &items); err != nil {
			return fmt.Errorf("%w: %s[%d] is not a list", ErrFormat, key, i)
		}
		cards := make([]storymap.Card, 0, len(items))
		for _, item := range items {
			cardFields, err := asObject(item)
			if err != nil {
				return err
			}
			cards = append(cards, decodeCard(cardFields))
		}
		into[columns[i].ID] = cards
	}
	return nil
}

func decodeLegend(fields object, doc *storymap.Document) error {
	entries, err := fields.list("legend")
	if err != nil {
		return err
	}
	for _, rawEntry := range entries {
		entry, err := asObject(rawEntry)
		if err != nil {
			return err
		}
		doc.Legend = append(doc.Legend, storymap.LegendEntry{Color: entry.str("color"), Label: entry.str("label")})
	}
	return nil
}

func decodePartialMaps(fields object, doc *storymap.Document) error {
	maps, err := fields.list("partialMaps")
	if err != nil {
		return err
	}
	for _, rawMap := range maps {
		pmFields, err := asObject(rawMap)
		if err != nil {
			return err
		}
		steps, err := pmFields.list("steps")
		if err != nil {
			return err
		}
		columns, err := decodeSteps(steps)
		if err != nil {
			return err
		}
		pm := storymap.PartialMap{
			ID:         pmFields.str("id"),
			Name:       pmFields.str("name"),
			Columns:    columns,
			Users:      map[string][]storymap.Card{},
			Activities: map[string][]storymap.Card{},
			Stories:    map[string]map[string][]storymap.Card{},
		}
		if pm.ID == "" {
			pm.ID = util.NewShortID()
		}
		if err := decodeRowInto(pmFields, "users", pm.Columns, pm.Users); err != nil {
			return err
		}
		if err := decodeRowInto(pmFields, "activities", pm.Columns, pm.Activities); err != nil {
			return err
		}
		perSlice, err := pmFields.list("stories")
		if err != nil {
			return err
		}
		for i, rawRow := range perSlice {
			if i >= len(doc.Slices) {
				break
			}
			var lists []json.RawMessage
			if err := json.Unmarshal(rawRow, &lists); err != nil {
				return fmt.Errorf("%w: partial map stories[%d] is not a list", ErrFormat, i)
			}
			cards := map[string][]storymap.Card{}
			if err := decodeLists(lists, "stories", pm.Columns, cards); err != nil {
				return err
			}
			pm.Stories[doc.Slices[i].ID] = cards
		}
		doc.PartialMaps = append(doc.PartialMaps, pm)
	}
	return nil
}

// decodeCard accepts full and abbreviated keys, the full name winning when
// both are present. Invalid urls, statuses and points are dropped.
func decodeCard(fields object) storymap.Card {
	card := storymap.Card{
		ID:     util.NewShortID(),
		Name:   fields.str("name", "n"),
		Body:   fields.str("body", "b"),
		Color:  fields.str("color", "c"),
		URL:    storymap.SanitizeURL(fields.str("url", "u")),
		Hidden: fields.boolean("hidden", "h"),
		Points: fields.number("points", "sp"),
		Tags:   storymap.NormalizeTags(fields.strings("tags", "tg")),
	}
	if status, err := storymap.ParseStatus(fields.str("status", "st")); err == nil {
		card.Status = status
	}
	return card
}

type object map[string]json.RawMessage

func asObject(raw json.RawMessage) (object, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: expected object", ErrFormat)
	}
	return object(fields), nil
}

func (o object) first(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if value, ok := o[key]; ok && string(value) != "null" {
			return value, true
		}
	}
	return nil, false
}

func (o object) str(keys ...string) string {
	raw, ok := o.first(keys...)
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func (o object) boolean(keys ...string) bool {
	raw, ok := o.first(keys...)
	if !ok {
		return false
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return value
}

func (o object) number(keys ...string) *float64 {
	raw, ok := o.first(keys...)
	if !ok {
		return nil
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err == nil {
		return &value
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			return &parsed
		}
	}
	return nil
}

func (o object) strings(keys ...string) []string {
	raw, ok := o.first(keys...)
	if !ok {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err == nil {
		return values
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil && joined != "" {
		return strings.Split(joined, ",")
	}
	return nil
}

func (o object) list(keys ...string) ([]json.RawMessage, error) {
	raw, ok := o.first(keys...)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %s is not a list", ErrFormat, keys[0])
	}
	return items, nil
}
