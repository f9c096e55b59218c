package crdt

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/automerge/automerge-go"
)

// Map is a handle on a replicated map. Concurrent writes to one key resolve
// to the same winner on every replica.
//
// Root handles resolve their object on every access and only create it on
// the first write, so a replica that has not synced yet never shadows the
// root another peer already populated.
type Map struct {
	doc  *Doc
	root string
	obj  *automerge.Map
}

// Array is a handle on a replicated sequence of values.
type Array struct {
	doc  *Doc
	root string
	obj  *automerge.List
}

// Text is a replicated string edited by rune position.
type Text struct {
	doc  *Doc
	root string
	obj  *automerge.Text
}

func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, root: name}
}

func (d *Doc) Array(name string) *Array {
	return &Array{doc: d, root: name}
}

func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, root: name}
}

// rootValue returns the root object under name when it has the wanted
// kind. With create set, a missing or mismatched root is replaced by the
// result of fresh.
func (d *Doc) rootValue(name string, kind automerge.Kind, create bool, fresh func() any) *automerge.Value {
	root := d.am.RootMap()
	v, err := root.Get(name)
	if err == nil && v.Kind() == kind {
		return v
	}
	if !create {
		return nil
	}
	if err := root.Set(name, fresh()); err != nil {
		log.Printf("crdt: create root %q: %v", name, err)
		return nil
	}
	d.dirty = true
	v, err = root.Get(name)
	if err != nil || v.Kind() != kind {
		return nil
	}
	return v
}

func (m *Map) target(create bool) *automerge.Map {
	if m.obj != nil {
		return m.obj
	}
	v := m.doc.rootValue(m.root, automerge.KindMap, create, func() any { return automerge.NewMap() })
	if v == nil {
		return nil
	}
	return v.Map()
}

func (a *Array) target(create bool) *automerge.List {
	if a.obj != nil {
		return a.obj
	}
	v := a.doc.rootValue(a.root, automerge.KindList, create, func() any { return automerge.NewList() })
	if v == nil {
		return nil
	}
	return v.List()
}

func (t *Text) target(create bool) *automerge.Text {
	if t.obj != nil {
		return t.obj
	}
	v := t.doc.rootValue(t.root, automerge.KindText, create, func() any { return automerge.NewText("") })
	if v == nil {
		return nil
	}
	return v.Text()
}

// Plain values are stored as their JSON encoding.
func encodeValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(data), nil
}

func (d *Doc) decode(v *automerge.Value) any {
	switch v.Kind() {
	case automerge.KindMap:
		return &Map{doc: d, obj: v.Map()}
	case automerge.KindList:
		return &Array{doc: d, obj: v.List()}
	case automerge.KindText:
		return &Text{doc: d, obj: v.Text()}
	case automerge.KindStr:
		var out any
		if err := json.Unmarshal([]byte(v.Str()), &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}

func (m *Map) value(key string) *automerge.Value {
	obj := m.target(false)
	if obj == nil {
		return nil
	}
	v, err := obj.Get(key)
	if err != nil || v.Kind() == automerge.KindVoid {
		return nil
	}
	return v
}

func (m *Map) Has(key string) bool {
	return m.value(key) != nil
}

// Get returns the decoded value under key. Child containers come back as
// *Map, *Array or *Text handles.
func (m *Map) Get(key string) (any, bool) {
	v := m.value(key)
	if v == nil {
		return nil, false
	}
	return m.doc.decode(v), true
}

// Raw returns the JSON of a plain value. It reports false for missing keys
// and child containers.
func (m *Map) Raw(key string) (json.RawMessage, bool) {
	v := m.value(key)
	if v == nil || v.Kind() != automerge.KindStr {
		return nil, false
	}
	return json.RawMessage(v.Str()), true
}

// Decode unmarshals a plain value into out.
func (m *Map) Decode(key string, out any) bool {
	raw, ok := m.Raw(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (m *Map) String(key string) string {
	var s string
	m.Decode(key, &s)
	return s
}

func (m *Map) Bool(key string) bool {
	var b bool
	m.Decode(key, &b)
	return b
}

func (m *Map) MapAt(key string) *Map {
	v, _ := m.Get(key)
	child, _ := v.(*Map)
	return child
}

func (m *Map) ArrayAt(key string) *Array {
	v, _ := m.Get(key)
	child, _ := v.(*Array)
	return child
}

func (m *Map) TextAt(key string) *Text {
	v, _ := m.Get(key)
	child, _ := v.(*Text)
	return child
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	obj := m.target(false)
	if obj == nil {
		return nil
	}
	keys, err := obj.Keys()
	if err != nil {
		log.Printf("crdt: list keys: %v", err)
		return nil
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) Len() int {
	return len(m.Keys())
}

func (m *Map) Set(key string, v any) error {
	value, err := encodeValue(v)
	if err != nil {
		return err
	}
	obj := m.target(true)
	if obj == nil {
		return fmt.Errorf("set %q: root %q unavailable", key, m.root)
	}
	if err := obj.Set(key, value); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	m.doc.edited()
	return nil
}

// setChild stores a fresh container under key and returns its value as
// seen from the document.
func (m *Map) setChild(key string, child any) *automerge.Value {
	obj := m.target(true)
	if obj == nil {
		return nil
	}
	if err := obj.Set(key, child); err != nil {
		log.Printf("crdt: set child %q: %v", key, err)
		return nil
	}
	v, err := obj.Get(key)
	if err != nil {
		log.Printf("crdt: read back child %q: %v", key, err)
		return nil
	}
	m.doc.edited()
	return v
}

func (m *Map) SetMap(key string) *Map {
	v := m.setChild(key, automerge.NewMap())
	if v == nil || v.Kind() != automerge.KindMap {
		return &Map{doc: m.doc, obj: automerge.NewMap()}
	}
	return &Map{doc: m.doc, obj: v.Map()}
}

func (m *Map) SetArray(key string) *Array {
	v := m.setChild(key, automerge.NewList())
	if v == nil || v.Kind() != automerge.KindList {
		return &Array{doc: m.doc, obj: automerge.NewList()}
	}
	return &Array{doc: m.doc, obj: v.List()}
}

func (m *Map) SetText(key string) *Text {
	v := m.setChild(key, automerge.NewText(""))
	if v == nil || v.Kind() != automerge.KindText {
		return &Text{doc: m.doc, obj: automerge.NewText("")}
	}
	return &Text{doc: m.doc, obj: v.Text()}
}

func (m *Map) Delete(key string) {
	if !m.Has(key) {
		return
	}
	if err := m.target(false).Delete(key); err != nil {
		log.Printf("crdt: delete %q: %v", key, err)
		return
	}
	m.doc.edited()
}

func (a *Array) Len() int {
	obj := a.target(false)
	if obj == nil {
		return 0
	}
	return obj.Len()
}

func (a *Array) value(i int) *automerge.Value {
	obj := a.target(false)
	if obj == nil || i < 0 || i >= obj.Len() {
		return nil
	}
	v, err := obj.Get(i)
	if err != nil {
		return nil
	}
	return v
}

func (a *Array) Get(i int) any {
	v := a.value(i)
	if v == nil {
		return nil
	}
	return a.doc.decode(v)
}

func (a *Array) MapAt(i int) *Map {
	child, _ := a.Get(i).(*Map)
	return child
}

func (a *Array) ArrayAt(i int) *Array {
	child, _ := a.Get(i).(*Array)
	return child
}

// Decode unmarshals the plain value at i into out.
func (a *Array) Decode(i int, out any) bool {
	v := a.value(i)
	if v == nil || v.Kind() != automerge.KindStr {
		return false
	}
	return json.Unmarshal([]byte(v.Str()), out) == nil
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// Insert places values starting at position i. Out of range positions
// append.
func (a *Array) Insert(i int, values ...any) error {
	encoded := make([]any, 0, len(values))
	for _, v := range values {
		value, err := encodeValue(v)
		if err != nil {
			return err
		}
		encoded = append(encoded, value)
	}
	if len(encoded) == 0 {
		return nil
	}
	obj := a.target(true)
	if obj == nil {
		return fmt.Errorf("insert: root %q unavailable", a.root)
	}
	if err := obj.Insert(clamp(i, obj.Len()), encoded...); err != nil {
		return fmt.Errorf("insert at %d: %w", i, err)
	}
	a.doc.edited()
	return nil
}

func (a *Array) Push(values ...any) error {
	return a.Insert(a.Len(), values...)
}

func (a *Array) insertChild(i int, child any) *automerge.Value {
	obj := a.target(true)
	if obj == nil {
		return nil
	}
	i = clamp(i, obj.Len())
	if err := obj.Insert(i, child); err != nil {
		log.Printf("crdt: insert child at %d: %v", i, err)
		return nil
	}
	v, err := obj.Get(i)
	if err != nil {
		log.Printf("crdt: read back child at %d: %v", i, err)
		return nil
	}
	a.doc.edited()
	return v
}

func (a *Array) InsertMap(i int) *Map {
	v := a.insertChild(i, automerge.NewMap())
	if v == nil || v.Kind() != automerge.KindMap {
		return &Map{doc: a.doc, obj: automerge.NewMap()}
	}
	return &Map{doc: a.doc, obj: v.Map()}
}

func (a *Array) InsertArray(i int) *Array {
	v := a.insertChild(i, automerge.NewList())
	if v == nil || v.Kind() != automerge.KindList {
		return &Array{doc: a.doc, obj: automerge.NewList()}
	}
	return &Array{doc: a.doc, obj: v.List()}
}

func (a *Array) PushMap() *Map {
	return a.InsertMap(a.Len())
}

// Delete removes n values starting at i.
func (a *Array) Delete(i, n int) {
	obj := a.target(false)
	if obj == nil {
		return
	}
	i = clamp(i, obj.Len())
	end := clamp(i+n, obj.Len())
	if i >= end {
		return
	}
	for k := end - 1; k >= i; k-- {
		if err := obj.Delete(k); err != nil {
			log.Printf("crdt: delete element %d: %v", k, err)
			break
		}
	}
	a.doc.edited()
}

func (t *Text) Len() int {
	obj := t.target(false)
	if obj == nil {
		return 0
	}
	return obj.Len()
}

func (t *Text) String() string {
	obj := t.target(false)
	if obj == nil {
		return ""
	}
	s, err := obj.Get()
	if err != nil {
		log.Printf("crdt: read text: %v", err)
		return ""
	}
	return s
}

// Insert adds s at rune position pos. Concurrent inserts interleave at
// character granularity.
func (t *Text) Insert(pos int, s string) {
	if s == "" {
		return
	}
	obj := t.target(true)
	if obj == nil {
		return
	}
	if err := obj.Insert(clamp(pos, obj.Len()), s); err != nil {
		log.Printf("crdt: insert text at %d: %v", pos, err)
		return
	}
	t.doc.edited()
}

// Delete removes n runes starting at pos.
func (t *Text) Delete(pos, n int) {
	obj := t.target(false)
	if obj == nil {
		return
	}
	pos = clamp(pos, obj.Len())
	n = clamp(n, obj.Len()-pos)
	if n == 0 {
		return
	}
	if err := obj.Delete(pos, n); err != nil {
		log.Printf("crdt: delete text at %d: %v", pos, err)
		return
	}
	t.doc.edited()
}
