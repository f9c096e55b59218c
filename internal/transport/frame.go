// Package transport carries replication and awareness frames between a
// replica and its peers.
package transport

import (
	"encoding/json"
	"errors"

	"storymap/collab/internal/crdt"
)

var (
	ErrOffline = errors.New("transport offline")
	ErrClosed  = errors.New("transport closed")
)

type FrameType string

const (
	// FrameSyncStep1 carries the sender's state vector and asks for what it lacks.
	FrameSyncStep1 FrameType = "sync-step1"
	// FrameSyncStep2 answers a step1 with the missing operations.
	FrameSyncStep2 FrameType = "sync-step2"
	FrameUpdate    FrameType = "update"
	FrameAwareness FrameType = "awareness"
	FramePeerLeft  FrameType = "peer-left"
	// FrameStatus is produced locally by a transport when connectivity
	// changes. It is never sent over the wire.
	FrameStatus FrameType = "status"
)

type Frame struct {
	Type        FrameType        `json:"type"`
	Client      crdt.ClientID    `json:"client,omitempty"`
	StateVector crdt.StateVector `json:"sv,omitempty"`
	Update      json.RawMessage  `json:"update,omitempty"`
	Awareness   json.RawMessage  `json:"awareness,omitempty"`
	Online      bool             `json:"online,omitempty"`
}

// Transport is a bidirectional frame channel bound to one map.
type Transport interface {
	// Send delivers a frame to the peers. It returns ErrOffline while
	// disconnected; callers treat that as non-fatal.
	Send(Frame) error
	// Frames yields received frames and local status frames. The channel is
	// closed after Close.
	Frames() <-chan Frame
	Online() bool
	Close() error
}

func StatusFrame(online bool) Frame {
	return Frame{Type: FrameStatus, Online: online}
}
