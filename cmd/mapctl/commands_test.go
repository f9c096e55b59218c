package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storymap/collab/internal/app"
	"storymap/collab/internal/gitrepo"
	"storymap/collab/internal/mapjson"
	"storymap/collab/internal/relay"
	"storymap/collab/internal/search"
	"storymap/collab/internal/store"
	"storymap/collab/internal/storymap"

	"github.com/alicebob/miniredis/v2"
)

func newServer(t *testing.T) string {
	t.Helper()
	st := store.NewMemoryStore()
	hub := relay.NewHub(st, relay.Options{})
	svc := app.New(st, hub, gitrepo.New(t.TempDir()), search.NewService(nil, search.NewMemory()))
	server := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return server.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLockCommands(t *testing.T) {
	server := newServer(t)

	out, err := run(t, "--server", server, "lock", "status", "map-1")
	if err != nil || !strings.Contains(out, "map-1: unlocked") {
		t.Fatalf("lock status = %q, %v", out, err)
	}
	if _, err := run(t, "--server", server, "lock", "set", "map-1", "-p", "abc"); err == nil {
		t.Fatal("expected a short password to be rejected")
	}
	if _, err = run(t, "--server", server, "lock", "set", "map-1", "-p", "secret"); err != nil {
		t.Fatalf("lock set error = %v", err)
	}
	out, err = run(t, "--server", server, "lock", "status", "map-1")
	if err != nil || !strings.Contains(out, "locked-session-locked") {
		t.Fatalf("lock status after set = %q, %v", out, err)
	}
	if _, err := run(t, "--server", server, "lock", "unlock", "map-1", "-p", "wrong"); err == nil {
		t.Fatal("expected a wrong password to fail")
	}
	out, err = run(t, "--server", server, "lock", "unlock", "map-1", "-p", "secret")
	if err != nil || !strings.Contains(out, "locked-session-unlocked") {
		t.Fatalf("lock unlock = %q, %v", out, err)
	}
	if _, err := run(t, "--server", server, "lock", "remove", "map-1"); err == nil {
		t.Fatal("expected remove without a known password to fail")
	}
	if _, err := run(t, "--server", server, "lock", "remove", "map-1", "-p", "secret"); err != nil {
		t.Fatalf("lock remove error = %v", err)
	}
	out, _ = run(t, "--server", server, "lock", "status", "map-1")
	if !strings.Contains(out, "map-1: unlocked") {
		t.Fatalf("lock status after remove = %q", out)
	}
}

func TestUnlockIsRememberedPerSessionInRedis(t *testing.T) {
	server := newServer(t)
	redis := miniredis.RunT(t)
	redisURL := "redis://" + redis.Addr()

	if _, err := run(t, "--server", server, "lock", "set", "map-1", "-p", "secret"); err != nil {
		t.Fatalf("lock set error = %v", err)
	}
	if _, err := run(t, "--server", server, "--redis", redisURL, "--session", "alice", "lock", "unlock", "map-1", "-p", "secret"); err != nil {
		t.Fatalf("lock unlock error = %v", err)
	}

	out, err := run(t, "--server", server, "--redis", redisURL, "--session", "alice", "lock", "status", "map-1")
	if err != nil || !strings.Contains(out, "locked-session-unlocked") {
		t.Fatalf("same session status = %q, %v", out, err)
	}
	out, err = run(t, "--server", server, "--redis", redisURL, "--session", "bob", "lock", "status", "map-1")
	if err != nil || !strings.Contains(out, "locked-session-locked") {
		t.Fatalf("other session status = %q, %v", out, err)
	}

	out, err = run(t, "--server", server, "--redis", redisURL, "--session", "alice", "lock", "relock", "map-1")
	if err != nil || !strings.Contains(out, "locked-session-locked") {
		t.Fatalf("relock = %q, %v", out, err)
	}
}

func TestImportThenExport(t *testing.T) {
	server := newServer(t)

	doc := storymap.New("Onboarding")
	doc.AddColumn("Sign up", -1)
	doc.AddColumn("Invite team", -1)
	data, err := mapjson.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "onboarding.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if out, err := run(t, "--server", server, "import", "map-1", path); err != nil {
		t.Fatalf("import = %q, %v", out, err)
	}

	exported := filepath.Join(t.TempDir(), "out.json")
	if out, err := run(t, "--server", server, "export", "map-1", "-o", exported); err != nil {
		t.Fatalf("export = %q, %v", out, err)
	}
	raw, err := os.ReadFile(exported)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	got, err := mapjson.Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Name != "Onboarding" || len(got.Columns) != 2 || got.Columns[1].Name != "Invite team" {
		t.Fatalf("unexpected exported map %+v", got)
	}
}

func TestImportIntoLockedMapNeedsPassword(t *testing.T) {
	server := newServer(t)
	path := filepath.Join(t.TempDir(), "map.json")
	if err := os.WriteFile(path, []byte(`{"app":"storymap","v":1,"name":"Locked","steps":[],"users":[],"activities":[],"slices":[]}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := run(t, "--server", server, "lock", "set", "map-1", "-p", "secret"); err != nil {
		t.Fatalf("lock set error = %v", err)
	}
	if _, err := run(t, "--server", server, "import", "map-1", path); err == nil {
		t.Fatal("expected import into a locked map to fail")
	}
	if out, err := run(t, "--server", server, "import", "map-1", path, "-p", "secret"); err != nil {
		t.Fatalf("import with password = %q, %v", out, err)
	}
}

func TestHistoryAndSearchWithoutData(t *testing.T) {
	server := newServer(t)
	out, err := run(t, "--server", server, "history", "map-1")
	if err != nil || !strings.Contains(out, "no versions yet") {
		t.Fatalf("history = %q, %v", out, err)
	}
	out, err = run(t, "--server", server, "search", "anything")
	if err != nil || !strings.Contains(out, "0 result(s)") {
		t.Fatalf("search = %q, %v", out, err)
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8787": "ws://localhost:8787/ws/a%20b",
		"https://maps.example/": "wss://maps.example/ws/a%20b",
		"ws://already.example":  "ws://already.example/ws/a%20b",
	}
	for server, want := range cases {
		if got := wsURL(server, "a b"); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", server, got, want)
		}
	}
}
