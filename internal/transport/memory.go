package transport

import (
	"sync"

	"storymap/collab/internal/crdt"
)

// MemoryHub connects in-process peers by room. Frames sent by one connection
// reach every other connection in the same room.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[string]map[*MemoryConn]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: map[string]map[*MemoryConn]struct{}{}}
}

func (h *MemoryHub) Join(room string) *MemoryConn {
	conn := &MemoryConn{
		hub:     h,
		room:    room,
		frames:  make(chan Frame, 1024),
		clients: map[crdt.ClientID]struct{}{},
		online:  true,
	}
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = map[*MemoryConn]struct{}{}
	}
	h.rooms[room][conn] = struct{}{}
	h.mu.Unlock()
	conn.deliver(StatusFrame(true), true)
	return conn
}

// Peers returns the number of open connections in room.
func (h *MemoryHub) Peers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *MemoryHub) broadcast(from *MemoryConn, frame Frame) {
	h.mu.Lock()
	peers := make([]*MemoryConn, 0, len(h.rooms[from.room]))
	for peer := range h.rooms[from.room] {
		if peer != from {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()
	for _, peer := range peers {
		peer.deliver(frame, false)
	}
}

func (h *MemoryHub) leave(conn *MemoryConn) {
	h.mu.Lock()
	delete(h.rooms[conn.room], conn)
	if len(h.rooms[conn.room]) == 0 {
		delete(h.rooms, conn.room)
	}
	h.mu.Unlock()
}

type MemoryConn struct {
	hub  *MemoryHub
	room string

	mu     sync.Mutex
	frames chan Frame
	closed bool
	online bool

	clientsMu sync.Mutex
	clients   map[crdt.ClientID]struct{}
}

// deliver queues a frame for this connection. Frames from peers are dropped
// while the connection is offline.
func (c *MemoryConn) deliver(frame Frame, local bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (!c.online && !local) {
		return
	}
	c.frames <- frame
}

func (c *MemoryConn) Send(frame Frame) error {
	if frame.Type == FrameStatus {
		return nil
	}
	c.mu.Lock()
	closed, online := c.closed, c.online
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !online {
		return ErrOffline
	}
	if frame.Type == FrameAwareness && frame.Client != 0 {
		c.clientsMu.Lock()
		c.clients[frame.Client] = struct{}{}
		c.clientsMu.Unlock()
	}
	c.hub.broadcast(c, frame)
	return nil
}

// SetOnline simulates losing and regaining connectivity. Peers see the
// connection's awareness clients leave while it is offline.
func (c *MemoryConn) SetOnline(online bool) {
	c.mu.Lock()
	if c.closed || c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	c.mu.Unlock()
	if !online {
		c.announceLeft()
	}
	c.deliver(StatusFrame(online), true)
}

func (c *MemoryConn) announceLeft() {
	c.clientsMu.Lock()
	clients := make([]crdt.ClientID, 0, len(c.clients))
	for client := range c.clients {
		clients = append(clients, client)
	}
	c.clients = map[crdt.ClientID]struct{}{}
	c.clientsMu.Unlock()
	for _, client := range clients {
		c.hub.broadcast(c, Frame{Type: FramePeerLeft, Client: client})
	}
}

func (c *MemoryConn) Frames() <-chan Frame {
	return c.frames
}

func (c *MemoryConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online && !c.closed
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasOnline := c.online
	c.closed = true
	close(c.frames)
	c.mu.Unlock()

	c.hub.leave(c)
	if wasOnline {
		c.announceLeft()
	}
	return nil
}
