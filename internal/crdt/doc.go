// Package crdt wraps an automerge document in the handles the collaboration
// engine drives: maps, sequences and text grouped under named roots, plus
// the update and state exchange peers use to converge.
//
// A Doc is not safe for concurrent use. Callers serialize access.
package crdt

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/automerge/automerge-go"
)

type observer struct {
	id int
	fn func(Update, any)
}

type Doc struct {
	am     *automerge.Doc
	client ClientID

	// seen holds the hash of every change integrated into am. heads is the
	// frontier after the last emitted batch, so the next local commit can be
	// read back as "changes since heads".
	seen    map[string]struct{}
	heads   []automerge.ChangeHash
	pending []change

	depth int
	dirty bool

	observers []observer
	nextObs   int
}

func NewDoc(client ClientID) *Doc {
	if client == 0 {
		client = NewClientID()
	}
	am := automerge.New()
	if err := am.SetActorID(client.actor()); err != nil {
		log.Printf("crdt: set actor for client %d: %v", client, err)
	}
	return &Doc{
		am:     am,
		client: client,
		seen:   map[string]struct{}{},
	}
}

func (d *Doc) ClientID() ClientID {
	return d.client
}

// StateVector summarizes what this replica holds as its current heads.
func (d *Doc) StateVector() StateVector {
	heads := d.am.Heads()
	sv := make(StateVector, 0, len(heads))
	for _, h := range heads {
		sv = append(sv, h.String())
	}
	sort.Strings(sv)
	return sv
}

// Covers reports whether every change named by sv has been integrated.
func (d *Doc) Covers(sv StateVector) bool {
	for _, h := range sv {
		if _, ok := d.seen[h]; !ok {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no change has ever been integrated.
func (d *Doc) IsEmpty() bool {
	return len(d.seen) == 0
}

// Pending is the number of received changes waiting on missing
// dependencies.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// OnUpdate registers fn for every integrated batch, local or remote. The
// origin is whatever was passed to Transact or ApplyUpdate.
func (d *Doc) OnUpdate(fn func(update Update, origin any)) (cancel func()) {
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		for i, obs := range d.observers {
			if obs.id == id {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// Transact groups the local edits performed by fn into one change. Nested
// calls join the outer transaction.
func (d *Doc) Transact(origin any, fn func()) {
	if d.depth > 0 {
		fn()
		return
	}
	d.depth = 1
	defer func() {
		d.depth = 0
		d.commit(origin)
	}()
	fn()
}

// EncodeStateAsUpdate returns every change the holder of sv is missing. A
// nil vector yields the full history. Heads this replica has never seen are
// ignored, which can only make the answer larger.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) Update {
	since := make([]automerge.ChangeHash, 0, len(sv))
	for _, h := range sv {
		if _, ok := d.seen[h]; !ok {
			continue
		}
		hash, err := automerge.NewChangeHash(h)
		if err != nil {
			continue
		}
		since = append(since, hash)
	}
	changes, err := d.am.Changes(since...)
	if err != nil {
		log.Printf("crdt: changes since %v: %v", sv, err)
		return Update{}
	}
	return Update{changes: wrap(changes)}
}

func wrap(changes []*automerge.Change) []change {
	out := make([]change, 0, len(changes))
	for _, ch := range changes {
		out = append(out, newChange(ch))
	}
	return out
}

// ApplyUpdate integrates remote changes. Already seen changes are skipped
// and changes with missing dependencies are buffered until those arrive. It
// returns the number of changes integrated by this call.
func (d *Doc) ApplyUpdate(u Update, origin any) (int, error) {
	queue := make([]change, 0, len(d.pending)+len(u.changes))
	queue = append(queue, d.pending...)
	queue = append(queue, u.changes...)

	var (
		applied  []change
		firstErr error
	)
	for progress := true; progress; {
		progress = false
		rest := make([]change, 0, len(queue))
		for _, ch := range queue {
			if _, ok := d.seen[ch.Hash]; ok {
				continue
			}
			if !d.ready(ch) {
				rest = append(rest, ch)
				continue
			}
			if err := d.load(ch); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: change %s: %v", ErrMalformedUpdate, ch.Hash, err)
				}
				continue
			}
			d.seen[ch.Hash] = struct{}{}
			applied = append(applied, ch)
			progress = true
		}
		queue = rest
	}
	d.pending = dedupe(queue)

	if len(applied) > 0 {
		d.heads = d.am.Heads()
		d.emit(Update{changes: applied}, origin)
	}
	return len(applied), firstErr
}

// load integrates one change whose dependencies are present. Automerge
// skips bytes it cannot parse without failing, so the change only counts as
// loaded once its hash shows up among the heads.
func (d *Doc) load(ch change) error {
	if err := d.am.LoadIncremental(ch.Data); err != nil {
		return err
	}
	for _, head := range d.am.Heads() {
		if head.String() == ch.Hash {
			return nil
		}
	}
	return errors.New("change bytes do not match its hash")
}

func (d *Doc) ready(ch change) bool {
	for _, dep := range ch.Deps {
		if _, ok := d.seen[dep]; !ok {
			return false
		}
	}
	return true
}

func dedupe(changes []change) []change {
	if len(changes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(changes))
	out := make([]change, 0, len(changes))
	for _, ch := range changes {
		if _, ok := seen[ch.Hash]; ok {
			continue
		}
		seen[ch.Hash] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// edited records a successful local edit and commits it unless a
// transaction is open.
func (d *Doc) edited() {
	d.dirty = true
	if d.depth == 0 {
		d.commit(nil)
	}
}

func (d *Doc) commit(origin any) {
	if !d.dirty {
		return
	}
	d.dirty = false
	if _, err := d.am.Commit(""); err != nil {
		log.Printf("crdt: commit on client %d: %v", d.client, err)
		return
	}
	changes, err := d.am.Changes(d.heads...)
	if err != nil {
		log.Printf("crdt: read back commit on client %d: %v", d.client, err)
		return
	}
	d.heads = d.am.Heads()
	var fresh []change
	for _, ch := range changes {
		hash := ch.Hash().String()
		if _, ok := d.seen[hash]; ok {
			continue
		}
		d.seen[hash] = struct{}{}
		fresh = append(fresh, newChange(ch))
	}
	if len(fresh) > 0 {
		d.emit(Update{changes: fresh}, origin)
	}
}

func (d *Doc) emit(u Update, origin any) {
	observers := append([]observer(nil), d.observers...)
	for _, obs := range observers {
		obs.fn(u, origin)
	}
}

func (d *Doc) String() string {
	return fmt.Sprintf("crdt.Doc(client=%d changes=%d pending=%d)", d.client, len(d.seen), len(d.pending))
}
