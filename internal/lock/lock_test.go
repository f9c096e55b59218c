package lock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/presence"
	"storymap/collab/internal/session"
)

type memAPI struct {
	mu   sync.Mutex
	hash map[string]string
	down bool
}

func newMemAPI() *memAPI {
	return &memAPI{hash: map[string]string{}}
}

var errDown = errors.New("connection refused")

func (m *memAPI) Status(ctx context.Context, mapID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errDown
	}
	return m.hash[mapID] != "", nil
}

func (m *memAPI) Lock(ctx context.Context, mapID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	if m.hash[mapID] != "" {
		return ErrAlreadyLocked
	}
	m.hash[mapID] = passwordHash
	return nil
}

func (m *memAPI) Unlock(ctx context.Context, mapID, passwordHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errDown
	}
	return m.hash[mapID] == passwordHash, nil
}

func (m *memAPI) Remove(ctx context.Context, mapID, passwordHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errDown
	}
	if m.hash[mapID] != passwordHash {
		return false, nil
	}
	delete(m.hash, mapID)
	return true, nil
}

type published struct {
	mapID, action string
	isLocked      bool
}

type fakeHints struct {
	mu      sync.Mutex
	sent    []published
	handler func(crdt.ClientID, presence.LockHint)
}

func (f *fakeHints) PublishLockHint(mapID, action string, isLocked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{mapID, action, isLocked})
}

func (f *fakeHints) OnLockHint(fn func(crdt.ClientID, presence.LockHint)) func() {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

func (f *fakeHints) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeHints) deliver(hint presence.LockHint) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(7, hint)
	}
}

func TestLockScenarioSecondSessionIsReadOnly(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	hints := &fakeHints{}
	first := NewCoordinator("map1", api, Options{Hints: hints})
	if err := first.SetPassword(ctx, "abcd"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if got := first.Status(); !got.IsLocked || !got.SessionUnlocked || !first.Editable() {
		t.Fatalf("locking session should stay editable: %+v", got)
	}
	if hints.count() != 1 || hints.sent[0].action != ActionLock {
		t.Fatalf("expected a lock hint, got %+v", hints.sent)
	}

	second := NewCoordinator("map1", api, Options{})
	if err := second.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := second.Status(); !got.IsLocked || got.SessionUnlocked || second.Editable() {
		t.Fatalf("second session should be locked out: %+v", got)
	}
	if second.State() != LockedSessionLocked {
		t.Fatalf("State() = %s", second.State())
	}
}

func TestUnlockWithWrongPasswordChangesNothing(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	api.hash["map1"] = HashPassword("abcd")
	hints := &fakeHints{}
	var notices []string
	c := NewCoordinator("map1", api, Options{Hints: hints, Notify: func(msg string) { notices = append(notices, msg) }})
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	before := c.Status()

	if err := c.Unlock(ctx, "wxyz"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	if c.Status() != before {
		t.Fatalf("state changed after rejected unlock: %+v", c.Status())
	}
	if len(notices) != 1 {
		t.Fatalf("expected a failure notice, got %v", notices)
	}
	if hints.count() != 0 {
		t.Fatalf("rejected unlock must not broadcast")
	}

	if err := c.Unlock(ctx, "abcd"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if c.State() != LockedSessionUnlocked {
		t.Fatalf("State() = %s", c.State())
	}
}

func TestSessionStorageRemembersUnlock(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	api.hash["map1"] = HashPassword("abcd")
	store := session.NewMemoryStore()

	first := NewCoordinator("map1", api, Options{Session: store})
	if err := first.Unlock(ctx, "abcd"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	raw, _, _ := store.Get(ctx, session.KeyUnlockedMaps)
	var maps map[string]bool
	if err := json.Unmarshal([]byte(raw), &maps); err != nil || !maps["map1"] {
		t.Fatalf("unlockedMaps = %q", raw)
	}

	reopened := NewCoordinator("map1", api, Options{Session: store})
	if err := reopened.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if reopened.State() != LockedSessionUnlocked {
		t.Fatalf("prior unlock not trusted: %s", reopened.State())
	}

	if err := reopened.Relock(ctx); err != nil {
		t.Fatalf("Relock() error = %v", err)
	}
	if reopened.Editable() {
		t.Fatalf("relocked session should not be editable")
	}
	if sessionUnlocked(ctx, store, "map1") {
		t.Fatalf("relock did not clear session storage")
	}
}

func TestRemoveUsesCachedHash(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	c := NewCoordinator("map1", api, Options{})
	if err := c.Remove(ctx, ""); !errors.Is(err, ErrNoPassword) {
		t.Fatalf("expected ErrNoPassword, got %v", err)
	}
	if err := c.SetPassword(ctx, "abcd"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if err := c.Remove(ctx, ""); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if c.State() != Unlocked {
		t.Fatalf("State() = %s", c.State())
	}
	if locked, _ := api.Status(ctx, "map1"); locked {
		t.Fatalf("server still locked")
	}
}

func TestNetworkFailuresLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	api.down = true
	var notices []string
	c := NewCoordinator("map1", api, Options{Notify: func(msg string) { notices = append(notices, msg) }})

	if err := c.SetPassword(ctx, "abcd"); !errors.Is(err, errDown) {
		t.Fatalf("expected network error, got %v", err)
	}
	if c.Status().IsLocked || len(notices) != 1 {
		t.Fatalf("state %+v notices %v", c.Status(), notices)
	}
	if err := c.Refresh(ctx); err == nil {
		t.Fatalf("expected Refresh() error")
	}
}

func TestPasswordValidation(t *testing.T) {
	cases := []struct {
		password string
		want     error
	}{
		{"", ErrEmptyPassword},
		{"abc", ErrShortPassword},
		{"åäöü", nil},
		{"abcd", nil},
	}
	for _, tc := range cases {
		if err := ValidatePassword(tc.password); !errors.Is(err, tc.want) {
			t.Fatalf("ValidatePassword(%q) = %v, want %v", tc.password, err, tc.want)
		}
	}
	c := NewCoordinator("map1", newMemAPI(), Options{})
	if err := c.SetPassword(context.Background(), "abc"); !errors.Is(err, ErrShortPassword) {
		t.Fatalf("expected ErrShortPassword, got %v", err)
	}
	if got := HashPassword("abcd"); got != "88d4266fd4e6338d13b845fcf289579d209c897823b9217da3e161936f031589" {
		t.Fatalf("HashPassword() = %s", got)
	}
}

func TestEditabilityMatchesState(t *testing.T) {
	for _, status := range []Status{{}, {IsLocked: true}, {IsLocked: true, SessionUnlocked: true}} {
		want := !status.IsLocked || status.SessionUnlocked
		if status.Editable() != want {
			t.Fatalf("Editable(%+v) = %v", status, status.Editable())
		}
		if (status.State() != LockedSessionLocked) != want {
			t.Fatalf("State(%+v) = %s disagrees with editability", status, status.State())
		}
	}
}

func TestHintsAndPollPropagateLocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api := newMemAPI()
	hints := &fakeHints{}
	var mu sync.Mutex
	var changes []Status
	c := NewCoordinator("map1", api, Options{
		Hints:        hints,
		PollInterval: 10 * time.Millisecond,
		OnChange: func(s Status) {
			mu.Lock()
			changes = append(changes, s)
			mu.Unlock()
		},
	})
	c.Start(ctx)
	defer c.Stop()

	hints.deliver(presence.LockHint{MapID: "other", Action: ActionLock, IsLocked: true, Seq: 1})
	if c.Status().IsLocked {
		t.Fatalf("hint for another map applied")
	}

	api.mu.Lock()
	api.hash["map1"] = HashPassword("abcd")
	api.mu.Unlock()
	hints.deliver(presence.LockHint{MapID: "map1", Action: ActionLock, IsLocked: true, Seq: 2})
	if c.Editable() {
		t.Fatalf("hint did not lock the session")
	}

	api.mu.Lock()
	delete(api.hash, "map1")
	api.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status().IsLocked && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Status().IsLocked {
		t.Fatalf("poll never observed the removed lock")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 {
		t.Fatalf("expected change callbacks, got %+v", changes)
	}
}

func TestHTTPClientSpeaksLockAPI(t *testing.T) {
	want := HashPassword("abcd")
	var locked atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/lock/{mapId}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(StatusResponse{IsLocked: locked.Load()})
	})
	mux.HandleFunc("POST /api/lock/{mapId}", func(w http.ResponseWriter, r *http.Request) {
		if locked.Load() {
			w.WriteHeader(http.StatusConflict)
			return
		}
		var req HashRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		locked.Store(req.PasswordHash == want)
		_ = json.NewEncoder(w).Encode(OKResponse{OK: true})
	})
	mux.HandleFunc("POST /api/lock/{mapId}/unlock", func(w http.ResponseWriter, r *http.Request) {
		var req HashRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(OKResponse{OK: req.PasswordHash == want})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	client := NewHTTPClient(srv.URL+"/", nil)
	if err := client.Lock(ctx, "map1", want); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if isLocked, err := client.Status(ctx, "map1"); err != nil || !isLocked {
		t.Fatalf("Status() = %v, %v", isLocked, err)
	}
	if err := client.Lock(ctx, "map1", want); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	if ok, err := client.Unlock(ctx, "map1", HashPassword("nope")); err != nil || ok {
		t.Fatalf("Unlock(wrong) = %v, %v", ok, err)
	}
	if ok, err := client.Unlock(ctx, "map1", want); err != nil || !ok {
		t.Fatalf("Unlock() = %v, %v", ok, err)
	}
	if _, err := client.Remove(ctx, "map1", want); err == nil {
		t.Fatalf("expected error for unrouted endpoint")
	}
}

// blockingAPI holds Status calls until release is closed, answering with the
// server state captured when the call started.
type blockingAPI struct {
	*memAPI
	started chan struct{}
	release chan struct{}
}

func (b *blockingAPI) Status(ctx context.Context, mapID string) (bool, error) {
	isLocked, err := b.memAPI.Status(ctx, mapID)
	b.started <- struct{}{}
	<-b.release
	return isLocked, err
}

func TestStalePollDoesNotUndoLocalLock(t *testing.T) {
	ctx := context.Background()
	api := &blockingAPI{memAPI: newMemAPI(), started: make(chan struct{}, 1), release: make(chan struct{})}
	store := session.NewMemoryStore()
	c := NewCoordinator("map1", api, Options{Session: store})

	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()
	<-api.started

	if err := c.SetPassword(ctx, "abcd"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	close(api.release)
	if err := <-done; err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.State() != LockedSessionUnlocked {
		t.Fatalf("stale poll downgraded the session: %s", c.State())
	}
	if !sessionUnlocked(ctx, store, "map1") {
		t.Fatalf("stale poll cleared the unlock record")
	}
}

func TestRemoveHintKeepsSessionRecord(t *testing.T) {
	ctx := context.Background()
	api := newMemAPI()
	api.hash["map1"] = HashPassword("abcd")
	store := session.NewMemoryStore()
	if err := markUnlocked(ctx, store, "map1", true); err != nil {
		t.Fatalf("markUnlocked() error = %v", err)
	}
	hints := &fakeHints{}
	c := NewCoordinator("map1", api, Options{Session: store, Hints: hints})
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.State() != LockedSessionUnlocked {
		t.Fatalf("State() = %s", c.State())
	}

	hints.deliver(presence.LockHint{MapID: "map1", Action: ActionRemove, IsLocked: false, Seq: 1})
	if !sessionUnlocked(ctx, store, "map1") {
		t.Fatalf("hint cleared session storage")
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.State() != LockedSessionUnlocked {
		t.Fatalf("poll should restore the trusted unlock, got %s", c.State())
	}
}
