package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/session"
	"storymap/collab/internal/storymap"
	"storymap/collab/internal/transport"

	"github.com/google/uuid"
)

const DefaultCursorThrottle = 50 * time.Millisecond

// Broadcaster is the transport side of the channel. The collaboration
// engine implements it.
type Broadcaster interface {
	ClientID() crdt.ClientID
	SendAwareness(payload json.RawMessage) error
	OnAwareness(fn func(transport.Frame)) (cancel func())
}

// Renderer draws remote presence. It is called from the channel's own
// goroutines and must not call back into the channel.
type Renderer interface {
	RenderCursor(client crdt.ClientID, cursor Cursor)
	RemoveCursor(client crdt.ClientID)
	RenderGhost(client crdt.ClientID, ghost GhostView)
	RemoveGhost(client crdt.ClientID)
	SetViewerCount(count int, visible bool)
}

// GhostView is a drag preview rebuilt from the local document.
type GhostView struct {
	Ghost
	Column *storymap.Column
	Card   *storymap.Card
	Cards  []storymap.Card
}

type Options struct {
	// SessionStorage holds the session id; Preferences holds cursorsVisible.
	SessionStorage session.Storage
	Preferences    session.Storage
	Renderer       Renderer
	// Document returns the current local document for ghost synthesis. It
	// must not block on locks held while calling into the channel.
	Document func() *storymap.Document
	Color    string
	Throttle time.Duration
	Renew    time.Duration
	Timeout  time.Duration
	Now      func() time.Time
}

type Channel struct {
	b    Broadcaster
	aw   *Awareness
	opts Options

	stateMu sync.Mutex

	mu             sync.Mutex
	throttle       *time.Timer
	cursorsVisible bool
	hintSeq        uint64
	seenHints      map[crdt.ClientID]uint64
	hintListeners  map[int]func(crdt.ClientID, LockHint)
	nextListener   int

	renderMu sync.Mutex
	rendered map[crdt.ClientID]struct{}

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewChannel publishes the local record and starts the renew loop.
func NewChannel(ctx context.Context, b Broadcaster, opts Options) *Channel {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultCursorThrottle
	}
	if opts.Renew <= 0 {
		opts.Renew = DefaultRenew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionStorage == nil {
		opts.SessionStorage = session.NewMemoryStore()
	}
	if opts.Preferences == nil {
		opts.Preferences = session.NewMemoryStore()
	}
	c := &Channel{
		b:              b,
		aw:             NewAwareness(b.ClientID(), opts.Timeout),
		opts:           opts,
		cursorsVisible: true,
		seenHints:      map[crdt.ClientID]uint64{},
		hintListeners:  map[int]func(crdt.ClientID, LockHint){},
		rendered:       map[crdt.ClientID]struct{}{},
	}
	if value, ok, err := opts.Preferences.Get(ctx, session.KeyCursorsVisible); err == nil && ok {
		c.cursorsVisible = value != "false"
	}

	sessionID, ok, err := opts.SessionStorage.Get(ctx, session.KeySessionID)
	if err != nil || !ok || sessionID == "" {
		sessionID = uuid.NewString()
		if err := opts.SessionStorage.Set(ctx, session.KeySessionID, sessionID); err != nil {
			log.Printf("presence: persist session id: %v", err)
		}
	}

	c.unsubscribe = b.OnAwareness(c.handle)
	c.update(func(s *State) {
		s.SessionID = sessionID
		s.User = User{Color: opts.Color}
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.renewLoop(loopCtx)
	return c
}

func (c *Channel) SessionID() string {
	return c.aw.Local().SessionID
}

func (c *Channel) Awareness() *Awareness {
	return c.aw
}

// ViewerCount includes this session.
func (c *Channel) ViewerCount() int {
	return c.aw.Count()
}

// MoveCursor publishes the pointer position converted to document
// coordinates. Moves arriving within the throttle window of the last
// broadcast are dropped.
func (c *Channel) MoveCursor(screenX, screenY, zoom float64) {
	if zoom <= 0 {
		zoom = 1
	}
	c.mu.Lock()
	if c.throttle != nil {
		c.mu.Unlock()
		return
	}
	c.throttle = time.AfterFunc(c.opts.Throttle, func() {
		c.mu.Lock()
		c.throttle = nil
		c.mu.Unlock()
	})
	c.mu.Unlock()

	c.update(func(s *State) {
		s.MapCursor = &Cursor{X: screenX / zoom, Y: screenY / zoom, Color: s.User.Color}
	})
}

// HideCursor clears the cursor, as when the pointer leaves the map.
func (c *Channel) HideCursor() {
	c.update(func(s *State) { s.MapCursor = nil })
}

func (c *Channel) StartDrag(kind GhostType, id string) {
	c.update(func(s *State) {
		s.DragGhost = &Ghost{Type: kind, ID: id, Color: s.User.Color}
	})
}

func (c *Channel) EndDrag() {
	c.update(func(s *State) { s.DragGhost = nil })
}

// PublishLockHint broadcasts a lock change. Delivery is best effort. The hint
// rides on exactly one broadcast; later renewals and cursor moves go out
// without it.
func (c *Channel) PublishLockHint(mapID, action string, isLocked bool) {
	c.mu.Lock()
	c.hintSeq++
	hint := LockHint{MapID: mapID, Action: action, IsLocked: isLocked, Seq: c.hintSeq}
	c.mu.Unlock()
	c.update(func(s *State) { s.Lock = &hint })

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	state := c.aw.Local()
	state.Lock = nil
	c.aw.Replace(state)
}

// OnLockHint registers fn for lock hints published by peers.
func (c *Channel) OnLockHint(fn func(client crdt.ClientID, hint LockHint)) (cancel func()) {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.hintListeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.hintListeners, id)
		c.mu.Unlock()
	}
}

func (c *Channel) CursorsVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursorsVisible
}

// SetCursorsVisible toggles the local display of remote cursors and
// remembers the choice across sessions.
func (c *Channel) SetCursorsVisible(ctx context.Context, visible bool) error {
	c.mu.Lock()
	c.cursorsVisible = visible
	c.mu.Unlock()
	value := "true"
	if !visible {
		value = "false"
	}
	err := c.opts.Preferences.Set(ctx, session.KeyCursorsVisible, value)
	c.Render()
	return err
}

// Render redraws every peer, for example after the local document changed
// under an active drag ghost.
func (c *Channel) Render() {
	c.render()
}

func (c *Channel) update(fn func(*State)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	state := c.aw.Local()
	fn(&state)
	payload, err := c.aw.SetLocal(state)
	if err != nil {
		log.Printf("presence: %v", err)
		return
	}
	c.publish(payload)
}

func (c *Channel) publish(payload json.RawMessage) {
	err := c.b.SendAwareness(payload)
	if err != nil && !errors.Is(err, transport.ErrOffline) && !errors.Is(err, transport.ErrClosed) {
		log.Printf("presence: broadcast: %v", err)
	}
}

func (c *Channel) handle(frame transport.Frame) {
	switch frame.Type {
	case transport.FrameStatus:
		if frame.Online {
			if payload, err := c.aw.Renew(); err == nil {
				c.publish(payload)
			}
			return
		}
		c.aw.Clear()
	case transport.FrameAwareness, transport.FramePeerLeft:
		change, err := c.aw.Apply(frame, c.opts.Now())
		if err != nil {
			log.Printf("presence: %v", err)
			return
		}
		if change.Empty() {
			return
		}
		c.dispatchHints(change)
	default:
		return
	}
	c.render()
}

func (c *Channel) dispatchHints(change Change) {
	type pending struct {
		client crdt.ClientID
		hint   LockHint
	}
	var fire []pending
	c.mu.Lock()
	for _, client := range change.Removed {
		delete(c.seenHints, client)
	}
	// A hint on a peer's first record may be a replay of something that
	// happened before this session joined; the poll covers that case.
	for _, client := range change.Added {
		if state, ok := c.aw.State(client); ok && state.Lock != nil {
			c.seenHints[client] = state.Lock.Seq
		}
	}
	for _, client := range change.Updated {
		state, ok := c.aw.State(client)
		if !ok || state.Lock == nil {
			continue
		}
		if state.Lock.Seq <= c.seenHints[client] {
			continue
		}
		c.seenHints[client] = state.Lock.Seq
		fire = append(fire, pending{client: client, hint: *state.Lock})
	}
	listeners := make([]func(crdt.ClientID, LockHint), 0, len(c.hintListeners))
	for _, fn := range c.hintListeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, p := range fire {
		for _, fn := range listeners {
			fn(p.client, p.hint)
		}
	}
}

// render diffs the observed peer set against what was drawn last time, so
// peers that vanished without a message are still cleaned up.
func (c *Channel) render() {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	r := c.opts.Renderer
	if r == nil {
		return
	}
	visible := c.CursorsVisible()
	peers := c.aw.Peers()
	current := make(map[crdt.ClientID]struct{}, len(peers))
	var doc *storymap.Document
	for _, client := range peers {
		current[client] = struct{}{}
		state, ok := c.aw.State(client)
		if !ok {
			continue
		}
		if visible && state.MapCursor != nil {
			r.RenderCursor(client, *state.MapCursor)
		} else {
			r.RemoveCursor(client)
		}
		if state.DragGhost == nil {
			r.RemoveGhost(client)
			continue
		}
		if doc == nil && c.opts.Document != nil {
			doc = c.opts.Document()
		}
		if view, ok := synthesizeGhost(doc, *state.DragGhost); ok {
			r.RenderGhost(client, view)
		} else {
			r.RemoveGhost(client)
		}
	}
	for client := range c.rendered {
		if _, ok := current[client]; !ok {
			r.RemoveCursor(client)
			r.RemoveGhost(client)
		}
	}
	c.rendered = current
	count := len(peers) + 1
	r.SetViewerCount(count, count > 1)
}

func (c *Channel) renewLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Renew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick re-announces the local record and drops peers that went quiet.
func (c *Channel) tick() {
	if payload, err := c.aw.Renew(); err == nil {
		c.publish(payload)
	}
	if change := c.aw.Expire(c.opts.Now()); !change.Empty() {
		c.dispatchHints(change)
		c.render()
	}
}

// Close stops the renew loop and the cursor throttle timer. The local record
// is left to expire on peers.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.mu.Lock()
		if c.throttle != nil {
			c.throttle.Stop()
			c.throttle = nil
		}
		c.mu.Unlock()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
	})
}

func synthesizeGhost(doc *storymap.Document, ghost Ghost) (GhostView, bool) {
	if doc == nil {
		return GhostView{}, false
	}
	view := GhostView{Ghost: ghost}
	switch ghost.Type {
	case GhostColumn:
		column, ok := doc.Column(ghost.ID)
		if !ok {
			return GhostView{}, false
		}
		view.Column = &column
		view.Cards = append(view.Cards, doc.Users[column.ID]...)
		view.Cards = append(view.Cards, doc.Activities[column.ID]...)
		for _, slice := range doc.Slices {
			view.Cards = append(view.Cards, slice.Stories[column.ID]...)
		}
	case GhostStory:
		card, _, ok := doc.FindCard(ghost.ID)
		if !ok {
			return GhostView{}, false
		}
		view.Card = &card
	default:
		return GhostView{}, false
	}
	return view, true
}
