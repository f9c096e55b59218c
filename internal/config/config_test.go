package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORYMAP_CONFIG", "")
	t.Setenv("API_ADDR", "")
	t.Setenv("STORYMAP_FLUSH_INTERVAL", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" || cfg.FrameBurst != 100 || cfg.FlushInterval != 5*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("STORYMAP_CONFIG", "")
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("STORYMAP_MEMORY_STORE", "true")
	t.Setenv("STORYMAP_FLUSH_INTERVAL", "30s")
	t.Setenv("STORYMAP_FRAME_RATE", "not-a-number")
	t.Setenv("STORYMAP_WS_ORIGINS", "https://a.example, ,https://b.example")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" || !cfg.MemoryStore || cfg.FlushInterval != 30*time.Second {
		t.Fatalf("environment ignored: %+v", cfg)
	}
	if cfg.FrameRate != 50 {
		t.Fatalf("invalid frame rate should fall back, got %v", cfg.FrameRate)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadFileOverridesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storymap.yaml")
	content := "addr: \":7000\"\nreposDir: /srv/repos\nflushInterval: 2m\narchiveEndpoint: minio:9000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("STORYMAP_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":7000" || cfg.ReposDir != "/srv/repos" || cfg.ArchiveEndpoint != "minio:9000" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.FlushInterval != 2*time.Minute {
		t.Fatalf("unexpected flush interval %v", cfg.FlushInterval)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("addr: [unterminated"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("STORYMAP_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected a parse error")
	}
}
