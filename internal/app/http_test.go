package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storymap/collab/internal/collab"
	"storymap/collab/internal/gitrepo"
	"storymap/collab/internal/lock"
	"storymap/collab/internal/relay"
	"storymap/collab/internal/search"
	"storymap/collab/internal/store"
	"storymap/collab/internal/storymap"
	"storymap/collab/internal/transport"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

type fakeStoreForHealth struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type testEnv struct {
	store   *store.MemoryStore
	git     *gitrepo.Service
	service *Service
	server  *HTTPServer
}

func newTestEnv(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	if st == nil {
		st = mem
	}
	hub := relay.NewHub(st, relay.Options{})
	t.Cleanup(hub.Close)
	git := gitrepo.New(t.TempDir())
	svc := New(st, hub, git, search.NewService(nil, search.NewMemory()))
	svc.bcryptCost = bcrypt.MinCost
	return &testEnv{store: mem, git: git, service: svc, server: NewHTTPServer(svc, "*")}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpointReportsFailures(t *testing.T) {
	fs := &fakeStoreForHealth{MemoryStore: store.NewMemoryStore()}
	env := newTestEnv(t, fs)

	rr := env.do(t, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	env.server.AddReadinessCheck("redis", func(context.Context) error { return nil })
	rr = env.do(t, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	checks := response["checks"].(map[string]any)
	if checks["database"].(map[string]any)["status"] != "error" {
		t.Errorf("expected database error, got %v", checks["database"])
	}
	if checks["redis"].(map[string]any)["status"] != "ok" {
		t.Errorf("expected redis ok, got %v", checks["redis"])
	}
}

func TestLockLifecycleThroughClient(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.server.Handler())
	defer server.Close()
	client := lock.NewHTTPClient(server.URL, server.Client())
	ctx := context.Background()
	right := lock.HashPassword("hunter22")
	wrong := lock.HashPassword("guess")

	if locked, err := client.Status(ctx, "map-1"); err != nil || locked {
		t.Fatalf("Status() = %v, %v; want unlocked", locked, err)
	}
	if err := client.Lock(ctx, "map-1", right); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := client.Lock(ctx, "map-1", wrong); !errors.Is(err, lock.ErrAlreadyLocked) {
		t.Fatalf("second Lock() error = %v, want ErrAlreadyLocked", err)
	}
	if locked, err := client.Status(ctx, "map-1"); err != nil || !locked {
		t.Fatalf("Status() = %v, %v; want locked", locked, err)
	}
	if ok, err := client.Unlock(ctx, "map-1", wrong); err != nil || ok {
		t.Fatalf("Unlock(wrong) = %v, %v", ok, err)
	}
	if ok, err := client.Unlock(ctx, "map-1", right); err != nil || !ok {
		t.Fatalf("Unlock(right) = %v, %v", ok, err)
	}
	if ok, err := client.Remove(ctx, "map-1", wrong); err != nil || ok {
		t.Fatalf("Remove(wrong) = %v, %v", ok, err)
	}
	if ok, err := client.Remove(ctx, "map-1", right); err != nil || !ok {
		t.Fatalf("Remove(right) = %v, %v", ok, err)
	}
	if locked, err := client.Status(ctx, "map-1"); err != nil || locked {
		t.Fatalf("Status() after remove = %v, %v", locked, err)
	}
	if ok, err := client.Unlock(ctx, "map-1", right); err != nil || ok {
		t.Fatalf("Unlock() of an unlocked map = %v, %v", ok, err)
	}
}

func TestCoordinatorsShareLockThroughServer(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.server.Handler())
	defer server.Close()
	ctx := context.Background()

	owner := lock.NewCoordinator("map-1", lock.NewHTTPClient(server.URL, server.Client()), lock.Options{})
	visitor := lock.NewCoordinator("map-1", lock.NewHTTPClient(server.URL, server.Client()), lock.Options{})

	if err := owner.SetPassword(ctx, "secret"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if err := visitor.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if visitor.Editable() {
		t.Fatal("visitor can edit a locked map")
	}
	if err := visitor.Unlock(ctx, "wrong"); !errors.Is(err, lock.ErrWrongPassword) {
		t.Fatalf("Unlock(wrong) error = %v", err)
	}
	if err := visitor.Unlock(ctx, "secret"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if !visitor.Editable() {
		t.Fatal("visitor still read-only after unlocking")
	}
	if err := owner.Remove(ctx, ""); err != nil {
		t.Fatalf("Remove() with cached hash error = %v", err)
	}
	if err := visitor.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if visitor.Status().IsLocked {
		t.Fatal("visitor still sees the lock")
	}
}

func TestLockStoresBcryptDigest(t *testing.T) {
	env := newTestEnv(t, nil)
	hash := lock.HashPassword("secret")
	rr := env.do(t, http.MethodPost, "/api/lock/map-1", `{"passwordHash":"`+hash+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	stored, err := env.store.GetLock(context.Background(), "map-1")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if stored.PasswordHash == hash || !strings.HasPrefix(stored.PasswordHash, "$2") {
		t.Fatalf("expected a bcrypt digest at rest, got %q", stored.PasswordHash)
	}
}

func TestLockValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   string
	}{
		{"short hash", http.MethodPost, "/api/lock/map-1", `{"passwordHash":"abc"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"non hex hash", http.MethodPost, "/api/lock/map-1/unlock", `{"passwordHash":"` + strings.Repeat("z", 64) + `"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"bad body", http.MethodPost, "/api/lock/map-1", `{`, http.StatusBadRequest, "INVALID_BODY"},
		{"unknown action", http.MethodPost, "/api/lock/map-1/steal", `{}`, http.StatusNotFound, "NOT_FOUND"},
		{"wrong method", http.MethodDelete, "/api/lock/map-1", "", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, tc.method, tc.target, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if code := decodeResponse(t, rr)["code"]; code != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, code)
			}
		})
	}
}

func TestUnlockAttemptsAreThrottled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.service.attemptRate = rate.Every(time.Hour)
	env.service.attemptBurst = 2
	body := `{"passwordHash":"` + lock.HashPassword("guess") + `"}`

	for i := 0; i < 2; i++ {
		if rr := env.do(t, http.MethodPost, "/api/lock/map-1/unlock", body); rr.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected status 200, got %d", i, rr.Code)
		}
	}
	rr := env.do(t, http.MethodPost, "/api/lock/map-1/unlock", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/lock/map-2/unlock", body); rr.Code != http.StatusOK {
		t.Fatalf("other maps must not be throttled, got %d", rr.Code)
	}
}

func TestHistoryAndVersionEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/maps/map-1/history", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for a map without history, got %d", rr.Code)
	}

	first, _, err := env.git.CommitSnapshot("map-1", []byte(`{"app":"storymap","v":1,"name":"One"}`), "relay", "Snapshot One")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if _, _, err := env.git.CommitSnapshot("map-1", []byte(`{"app":"storymap","v":1,"name":"Two"}`), "relay", "Snapshot Two"); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	rr = env.do(t, http.MethodGet, "/api/maps/map-1/history?limit=1", "")
	var history struct {
		Versions []gitrepo.Version `json:"versions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &history); err != nil {
		t.Fatalf("failed to parse history: %v", err)
	}
	if len(history.Versions) != 1 || history.Versions[0].Message != "Snapshot Two" {
		t.Fatalf("unexpected history %+v", history.Versions)
	}

	rr = env.do(t, http.MethodGet, "/api/maps/map-1/versions/"+first.Hash, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var version VersionPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &version); err != nil {
		t.Fatalf("failed to parse version: %v", err)
	}
	if !strings.Contains(string(version.Map), `"One"`) {
		t.Fatalf("unexpected version payload %s", version.Map)
	}

	rr = env.do(t, http.MethodGet, "/api/maps/map-1/versions/"+strings.Repeat("0", 40), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for an unknown version, got %d", rr.Code)
	}
}

func TestExportAndListThroughRelay(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.server.Handler())
	defer server.Close()

	rr := env.do(t, http.MethodGet, "/api/maps/map-1/export", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 before any edit, got %d", rr.Code)
	}

	local := storymap.New("Checkout flow")
	local.AddColumn("Browse", -1)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/map-1"
	engine, err := collab.Connect(context.Background(), "map-1", local, collab.Options{
		Transport:   transport.Dial(context.Background(), url, transport.DialOptions{}),
		SyncTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer engine.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		rr = env.do(t, http.MethodGet, "/api/maps/map-1/export", "")
		if rr.Code == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "Checkout-flow.json") {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
	exported := decodeResponse(t, rr)
	if exported["name"] != "Checkout flow" || exported["app"] != "storymap" {
		t.Fatalf("unexpected export %v", exported)
	}

	if err := env.store.EnsureMap(context.Background(), "map-1", "Checkout flow"); err != nil {
		t.Fatalf("EnsureMap() error = %v", err)
	}
	rr = env.do(t, http.MethodGet, "/api/maps", "")
	var listing struct {
		Maps []MapSummary `json:"maps"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to parse listing: %v", err)
	}
	if len(listing.Maps) != 1 || listing.Maps[0].Online != 1 {
		t.Fatalf("unexpected listing %+v", listing.Maps)
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := storymap.New("Checkout flow")
	doc.ID = "map-1"
	if err := env.service.search.IndexDocument(context.Background(), doc); err != nil {
		t.Fatalf("IndexDocument() error = %v", err)
	}

	rr := env.do(t, http.MethodGet, "/api/search?q=checkout", "")
	var response search.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse search response: %v", err)
	}
	if response.Total != 1 || response.Results[0].ID != "map-1" {
		t.Fatalf("unexpected search response %+v", response)
	}

	rr = env.do(t, http.MethodGet, "/api/search?q=", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse search response: %v", err)
	}
	if response.Total != 0 || len(response.Results) != 0 {
		t.Fatalf("blank query returned %+v", response)
	}
}

func TestArchiveDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/maps/map-1/archive", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
