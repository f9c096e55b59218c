package archive

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestSnapshotKeysSortInTimeOrder(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	earlier := snapshotKey("map-1", base)
	later := snapshotKey("map-1", base.Add(time.Millisecond))
	if !(earlier < later) {
		t.Fatalf("keys out of order: %s >= %s", earlier, later)
	}
	if !strings.HasPrefix(earlier, "maps/map-1/") || !strings.HasSuffix(earlier, ".json") {
		t.Fatalf("unexpected key %s", earlier)
	}
	if got := latestKey("map-1"); got != "maps/map-1/latest.json" {
		t.Fatalf("latestKey() = %s", got)
	}
}

func TestMapIDsCannotEscapePrefix(t *testing.T) {
	for _, id := range []string{"../other", "a/b", `a\b`} {
		key := latestKey(id)
		if strings.Count(key, "/") != 2 || strings.Contains(key, "..") {
			t.Fatalf("latestKey(%q) = %s", id, key)
		}
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	endpoint := os.Getenv("STORYMAP_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("STORYMAP_TEST_MINIO_ENDPOINT not set")
	}
	ctx := context.Background()
	a, err := New(ctx, Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("STORYMAP_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("STORYMAP_TEST_MINIO_SECRET_KEY"),
		Bucket:    "storymap-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	mapID := "archive-" + time.Now().Format("150405.000000")
	if _, err := a.Put(ctx, mapID, []byte(`{"app":"storymap","v":1}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, err := a.Latest(ctx, mapID)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if string(data) != `{"app":"storymap","v":1}` {
		t.Fatalf("Latest() = %s", data)
	}
	objects, err := a.List(ctx, mapID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("expected one archived object, got %+v", objects)
	}
}
