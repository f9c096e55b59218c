package search

import (
	"context"
	"log"

	"storymap/collab/internal/storymap"
)

// Fallback is the always-available index behind Meilisearch.
type Fallback interface {
	Searcher
	IndexMap(ctx context.Context, rec MapRecord) error
}

// Service tries Meilisearch first and falls back to the local index.
type Service struct {
	meili    *Meili
	fallback Fallback
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument writes the fallback row synchronously and pushes to
// Meilisearch in the background.
func (s *Service) IndexDocument(ctx context.Context, doc *storymap.Document) error {
	rec := Record(doc)
	if s.fallback != nil {
		if err := s.fallback.IndexMap(ctx, rec); err != nil {
			return err
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	go func() {
		if err := s.meili.IndexMap(rec); err != nil {
			log.Printf("search: index map %s: %v", rec.ID, err)
		}
	}()
	return nil
}

// ReindexAll reads every fallback record and pushes it to Meilisearch.
// Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	loader, ok := s.fallback.(interface {
		LoadAllRecords(context.Context) ([]MapRecord, error)
	})
	if !ok {
		return
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexMaps(records); err != nil {
		log.Printf("search: reindex maps: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
