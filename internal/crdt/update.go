package crdt

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

var ErrMalformedUpdate = errors.New("malformed update")

// ClientID identifies one replica. Every replica draws its own on creation
// and uses it as its automerge actor.
type ClientID uint64

// NewClientID returns a random non-zero client id.
func NewClientID() ClientID {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		if id := binary.BigEndian.Uint32(buf[:]); id != 0 {
			return ClientID(id)
		}
	}
}

func (c ClientID) actor() string {
	return fmt.Sprintf("%016x", uint64(c))
}

// change is one automerge change in transit: its saved bytes plus the hash
// and dependency hashes the receiver needs to order it before loading.
type change struct {
	Hash string   `json:"hash"`
	Deps []string `json:"deps,omitempty"`
	Data []byte   `json:"data"`
}

func newChange(ch *automerge.Change) change {
	deps := ch.Dependencies()
	out := change{Hash: ch.Hash().String(), Data: ch.Save()}
	if len(deps) > 0 {
		out.Deps = make([]string, 0, len(deps))
		for _, dep := range deps {
			out.Deps = append(out.Deps, dep.String())
		}
	}
	return out
}

// Update is a batch of changes. Receivers integrate it in any order.
type Update struct {
	changes []change
}

func (u Update) Empty() bool {
	return len(u.changes) == 0
}

// Len is the number of changes in the batch.
func (u Update) Len() int {
	return len(u.changes)
}

// Merge returns a batch holding the changes of u followed by other.
func (u Update) Merge(other Update) Update {
	changes := make([]change, 0, len(u.changes)+len(other.changes))
	changes = append(changes, u.changes...)
	changes = append(changes, other.changes...)
	return Update{changes: changes}
}

type wireUpdate struct {
	Changes []change `json:"changes"`
}

// Encode renders the batch as a JSON object, so it travels in JSON frames
// and JSONB columns unchanged.
func (u Update) Encode() ([]byte, error) {
	w := wireUpdate{Changes: u.changes}
	if w.Changes == nil {
		w.Changes = []change{}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate rejects anything but the object Encode produces. Change
// payloads are only checked for shape here; the replica loading them
// reports corrupt bytes.
func DecodeUpdate(data []byte) (Update, error) {
	var w wireUpdate
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i, ch := range w.Changes {
		if len(ch.Data) == 0 {
			return Update{}, fmt.Errorf("%w: change %d has no data", ErrMalformedUpdate, i)
		}
		for _, hash := range append([]string{ch.Hash}, ch.Deps...) {
			if _, err := automerge.NewChangeHash(hash); err != nil {
				return Update{}, fmt.Errorf("%w: change %d: bad hash %q", ErrMalformedUpdate, i, hash)
			}
		}
	}
	if len(w.Changes) == 0 {
		return Update{}, nil
	}
	return Update{changes: w.Changes}, nil
}

// StateVector lists the hex hashes of a replica's head changes. A peer
// holding every listed change has everything the replica had.
type StateVector []string
