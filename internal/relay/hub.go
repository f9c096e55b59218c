// Package relay is the server side of map replication. Each map with
// connected clients gets a room holding a server replica that answers sync
// requests, persists updates and relays awareness. When the last client
// leaves the room is flushed: the log is compacted into a snapshot and the
// serialized map is handed to the configured sinks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"storymap/collab/internal/mapjson"
	"storymap/collab/internal/store"
	"storymap/collab/internal/storymap"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const maxFrameBytes = 8 << 20

// Sink receives a map's serialized document on every flush.
type Sink interface {
	Name() string
	Flush(ctx context.Context, mapID string, doc *storymap.Document, data []byte) error
}

type Options struct {
	Sinks []Sink
	// FrameRate and FrameBurst bound the frames one connection may send.
	FrameRate  rate.Limit
	FrameBurst int
	// FlushInterval also flushes rooms that stay busy. Zero flushes only
	// when a room empties.
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
	Metrics        *Metrics
}

type Hub struct {
	store    store.Store
	opts     Options
	metrics  *Metrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*Room
	conns map[*conn]struct{}

	wg sync.WaitGroup
}

func NewHub(st store.Store, opts Options) *Hub {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 50
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 100
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:   st,
		opts:    opts,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   map[string]*Room{},
		conns:   map[*conn]struct{}{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	if opts.FlushInterval > 0 {
		h.wg.Add(1)
		go h.flushLoop(opts.FlushInterval)
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Serve upgrades the request and relays frames for mapID until the client
// disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, mapID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade %s: %v", mapID, err)
		return
	}
	limiter := rate.NewLimiter(h.opts.FrameRate, h.opts.FrameBurst)
	c := newConn(ws, limiter, h.metrics)

	room, err := h.join(mapID, c)
	if err != nil {
		log.Printf("relay: join %s: %v", mapID, err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "map unavailable"),
			time.Now().Add(writeWait))
		c.close()
		return
	}
	h.metrics.Connections.Inc()
	defer h.metrics.Connections.Dec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()
	c.readLoop(h.ctx, room)

	h.leave(room, c)
	close(c.send)
	<-done
}

func (h *Hub) join(mapID string, c *conn) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return nil, errors.New("relay closed")
	}
	room, ok := h.rooms[mapID]
	if !ok {
		var err error
		room, err = loadRoom(h.ctx, mapID, h.store, h.metrics)
		if err != nil {
			return nil, err
		}
		h.rooms[mapID] = room
		h.metrics.Rooms.Inc()
		log.Printf("relay: opened room %s", mapID)
	}
	room.add(c)
	h.conns[c] = struct{}{}
	return room, nil
}

// leave removes c. The last connection out closes the room and flushes it
// in the background.
func (h *Hub) leave(room *Room, c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	empty := room.remove(c)
	if empty && h.rooms[room.mapID] == room {
		delete(h.rooms, room.mapID)
		h.metrics.Rooms.Dec()
	}
	if empty {
		// Counted before the connection disappears so Close waits for it.
		h.wg.Add(1)
	}
	h.mu.Unlock()
	if !empty {
		return
	}
	log.Printf("relay: closed room %s", room.mapID)
	go func() {
		defer h.wg.Done()
		if err := h.flush(room); err != nil {
			log.Printf("relay: flush %s: %v", room.mapID, err)
		}
	}()
}

// Room returns the live room of mapID, if any.
func (h *Hub) Room(mapID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[mapID]
	return room, ok
}

// Rooms is the number of maps with connected clients.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Document returns the current document of mapID, from its live room or
// from the store.
func (h *Hub) Document(ctx context.Context, mapID string) (*storymap.Document, error) {
	if room, ok := h.Room(mapID); ok {
		doc, ok := room.documentIfSynced()
		if !ok {
			return nil, fmt.Errorf("map %s: %w", mapID, store.ErrNotFound)
		}
		return doc, nil
	}
	replica, _, _, err := loadReplica(ctx, mapID, h.store)
	if err != nil {
		return nil, err
	}
	if replica.IsEmpty() {
		return nil, fmt.Errorf("map %s: %w", mapID, store.ErrNotFound)
	}
	room := &Room{mapID: mapID, doc: replica}
	return room.document(), nil
}

// Flush flushes every live room now.
func (h *Hub) Flush() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()
	for _, room := range rooms {
		if err := h.flush(room); err != nil {
			log.Printf("relay: flush %s: %v", room.mapID, err)
		}
	}
}

// Close disconnects every client, waits for the rooms to flush and stops
// background work.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	// Connection handlers schedule their room flushes before returning.
	deadline := time.Now().Add(h.opts.FlushTimeout)
	for h.connCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) flushLoop(interval time.Duration) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Flush()
		}
	}
}

// flush compacts the room's log into a snapshot and hands the serialized
// map to every sink. Sink failures are logged and do not undo compaction.
func (h *Hub) flush(room *Room) error {
	room.flushMu.Lock()
	defer room.flushMu.Unlock()

	state, ok, err := room.pendingFlush()
	if err != nil || !ok {
		return err
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.FlushTimeout)
	defer cancel()

	status := "ok"
	defer func() {
		h.metrics.FlushSeconds.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if err := h.store.EnsureMap(ctx, room.mapID, state.doc.Name); err != nil {
		status = "error"
		return fmt.Errorf("ensure map row: %w", err)
	}
	if err := h.store.Compact(ctx, state.snapshot); err != nil {
		status = "error"
		return fmt.Errorf("compact: %w", err)
	}
	room.flushed(state.snapshot.UptoSeq)

	data, err := mapjson.Marshal(state.doc)
	if err != nil {
		status = "error"
		return err
	}
	for _, sink := range h.opts.Sinks {
		if err := sink.Flush(ctx, room.mapID, state.doc, data); err != nil {
			status = "partial"
			log.Printf("relay: %s sink for %s: %v", sink.Name(), room.mapID, err)
		}
	}
	log.Printf("relay: flushed %s up to seq %d", room.mapID, state.snapshot.UptoSeq)
	return nil
}
