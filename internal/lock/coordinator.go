// Package lock gates map editing behind a server-held password. Lock state
// is authoritative on the server; peers learn about changes from best-effort
// awareness hints and a periodic poll.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/presence"
	"storymap/collab/internal/session"
)

const DefaultPollInterval = 3 * time.Second

const (
	ActionLock   = "lock"
	ActionUnlock = "unlock"
	ActionRelock = "relock"
	ActionRemove = "remove"
)

type State int

const (
	Unlocked State = iota
	LockedSessionUnlocked
	LockedSessionLocked
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case LockedSessionUnlocked:
		return "locked-session-unlocked"
	case LockedSessionLocked:
		return "locked-session-locked"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is the locally cached lock state of one map.
type Status struct {
	IsLocked        bool
	SessionUnlocked bool
}

func (s Status) State() State {
	switch {
	case !s.IsLocked:
		return Unlocked
	case s.SessionUnlocked:
		return LockedSessionUnlocked
	default:
		return LockedSessionLocked
	}
}

// Editable holds iff the map is unlocked or this session unlocked it.
func (s Status) Editable() bool {
	return !s.IsLocked || s.SessionUnlocked
}

// Hints publishes and receives lock hints. presence.Channel implements it.
type Hints interface {
	PublishLockHint(mapID, action string, isLocked bool)
	OnLockHint(fn func(client crdt.ClientID, hint presence.LockHint)) (cancel func())
}

type Options struct {
	// Session is session-scoped storage holding the unlockedMaps record.
	Session      session.Storage
	Hints        Hints
	PollInterval time.Duration
	// Notify shows a failure message to the user.
	Notify func(message string)
	// OnChange runs after every local state change, outside the lock.
	OnChange func(Status)
}

type Coordinator struct {
	mapID string
	api   API
	opts  Options

	mu     sync.Mutex
	status Status
	hash   string
	// gen counts completed local actions. A poll that started before one
	// finished carries stale server state and is discarded.
	gen uint64

	kick       chan struct{}
	cancelHint func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewCoordinator(mapID string, api API, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Session == nil {
		opts.Session = session.NewMemoryStore()
	}
	c := &Coordinator{
		mapID: mapID,
		api:   api,
		opts:  opts,
		kick:  make(chan struct{}, 1),
	}
	if opts.Hints != nil {
		c.cancelHint = opts.Hints.OnLockHint(c.handleHint)
	}
	return c
}

func (c *Coordinator) MapID() string {
	return c.mapID
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) State() State {
	return c.Status().State()
}

func (c *Coordinator) Editable() bool {
	return c.Status().Editable()
}

// Refresh polls the server. A change of isLocked recomputes this session's
// unlock status from session storage; once the lock is gone the session's
// unlock record is forgotten, so a later password set elsewhere is not
// trusted.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	isLocked, err := c.api.Status(ctx, c.mapID)
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", c.mapID, err)
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	prev := c.status
	next := prev
	if isLocked != prev.IsLocked {
		next.IsLocked = isLocked
		next.SessionUnlocked = isLocked && sessionUnlocked(ctx, c.opts.Session, c.mapID)
	}
	if !isLocked {
		c.hash = ""
	}
	c.status = next
	c.mu.Unlock()

	if !isLocked {
		c.forget(ctx)
	}
	if next != prev {
		c.changed(next)
	}
	return nil
}

// SetPassword locks the map. The session that set the password is unlocked.
func (c *Coordinator) SetPassword(ctx context.Context, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash := HashPassword(password)
	if err := c.api.Lock(ctx, c.mapID, hash); err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			c.notify("This map is already locked.")
		} else {
			c.notify("Could not lock the map. Please try again.")
		}
		return err
	}
	c.apply(ctx, Status{IsLocked: true, SessionUnlocked: true}, hash, ActionLock)
	return nil
}

// Unlock verifies password with the server. A rejected password leaves the
// state untouched and publishes nothing.
func (c *Coordinator) Unlock(ctx context.Context, password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	hash := HashPassword(password)
	ok, err := c.api.Unlock(ctx, c.mapID, hash)
	if err != nil {
		c.notify("Could not reach the server to unlock the map.")
		return err
	}
	if !ok {
		c.notify("Incorrect password.")
		return ErrWrongPassword
	}
	c.apply(ctx, Status{IsLocked: true, SessionUnlocked: true}, hash, ActionUnlock)
	return nil
}

// Relock forgets this session's unlock. It needs no server call.
func (c *Coordinator) Relock(ctx context.Context) error {
	c.mu.Lock()
	locked := c.status.IsLocked
	c.mu.Unlock()
	if !locked {
		return nil
	}
	c.apply(ctx, Status{IsLocked: true}, "", ActionRelock)
	return nil
}

// Remove deletes the lock. An empty password falls back to the hash this
// session last used successfully.
func (c *Coordinator) Remove(ctx context.Context, password string) error {
	c.mu.Lock()
	hash := c.hash
	c.mu.Unlock()
	if password != "" {
		hash = HashPassword(password)
	}
	if hash == "" {
		return ErrNoPassword
	}
	ok, err := c.api.Remove(ctx, c.mapID, hash)
	if err != nil {
		c.notify("Could not remove the lock. Please try again.")
		return err
	}
	if !ok {
		c.notify("Incorrect password.")
		return ErrWrongPassword
	}
	c.apply(ctx, Status{}, "", ActionRemove)
	return nil
}

// Start refreshes once and then polls until ctx ends or Stop is called.
// Poll failures are logged and retried on the next tick.
func (c *Coordinator) Start(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.Printf("lock: %v", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.poll(loopCtx)
}

// Stop ends polling and detaches from hints.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if c.cancelHint != nil {
		c.cancelHint()
		c.cancelHint = nil
	}
}

func (c *Coordinator) poll(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Printf("lock: %v", err)
		}
	}
}

// handleHint applies a peer's lock hint right away and asks the poll loop to
// confirm it with the server. Session storage is left alone: only the poll
// may forget an unlock record.
func (c *Coordinator) handleHint(client crdt.ClientID, hint presence.LockHint) {
	if hint.MapID != c.mapID {
		return
	}
	ctx := context.Background()
	c.mu.Lock()
	prev := c.status
	next := prev
	if !hint.IsLocked {
		c.hash = ""
	}
	if hint.IsLocked != prev.IsLocked {
		next.IsLocked = hint.IsLocked
		next.SessionUnlocked = hint.IsLocked && sessionUnlocked(ctx, c.opts.Session, c.mapID)
	}
	c.status = next
	c.mu.Unlock()
	if next != prev {
		log.Printf("lock: map %s %s by peer %d", c.mapID, hint.Action, client)
		c.changed(next)
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) apply(ctx context.Context, next Status, hash, action string) {
	c.mu.Lock()
	prev := c.status
	c.status = next
	c.hash = hash
	c.gen++
	c.mu.Unlock()

	if err := markUnlocked(ctx, c.opts.Session, c.mapID, next.SessionUnlocked); err != nil {
		log.Printf("lock: %v", err)
	}
	if c.opts.Hints != nil {
		c.opts.Hints.PublishLockHint(c.mapID, action, next.IsLocked)
	}
	if next != prev {
		c.changed(next)
	}
}

// forget drops this session's unlock record for the map.
func (c *Coordinator) forget(ctx context.Context) {
	if !sessionUnlocked(ctx, c.opts.Session, c.mapID) {
		return
	}
	if err := markUnlocked(ctx, c.opts.Session, c.mapID, false); err != nil {
		log.Printf("lock: %v", err)
	}
}

func (c *Coordinator) changed(status Status) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(status)
	}
}

func (c *Coordinator) notify(message string) {
	if c.opts.Notify != nil {
		c.opts.Notify(message)
	}
}
