package relay

import (
	"context"
	"fmt"

	"storymap/collab/internal/archive"
	"storymap/collab/internal/gitrepo"
	"storymap/collab/internal/search"
	"storymap/collab/internal/storymap"
)

// GitSink commits each flushed map to its version history.
type GitSink struct {
	Repo *gitrepo.Service
}

func (GitSink) Name() string { return "git" }

func (s GitSink) Flush(ctx context.Context, mapID string, doc *storymap.Document, data []byte) error {
	_, _, err := s.Repo.CommitSnapshot(mapID, data, "relay", fmt.Sprintf("Snapshot %s", doc.Name))
	return err
}

// ArchiveSink copies each flushed map to object storage.
type ArchiveSink struct {
	Archive *archive.Archive
}

func (ArchiveSink) Name() string { return "archive" }

func (s ArchiveSink) Flush(ctx context.Context, mapID string, doc *storymap.Document, data []byte) error {
	_, err := s.Archive.Put(ctx, mapID, data)
	return err
}

// SearchSink reindexes each flushed map.
type SearchSink struct {
	Search *search.Service
}

func (SearchSink) Name() string { return "search" }

func (s SearchSink) Flush(ctx context.Context, mapID string, doc *storymap.Document, data []byte) error {
	return s.Search.IndexDocument(ctx, doc)
}
