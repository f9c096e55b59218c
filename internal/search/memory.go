package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Fallback used when the relay runs without
// Postgres. It matches every query term as a case-insensitive substring.
type Memory struct {
	mu      sync.RWMutex
	records map[string]MapRecord
}

func NewMemory() *Memory {
	return &Memory{records: map[string]MapRecord{}}
}

func (m *Memory) Healthy() bool { return true }

func (m *Memory) IndexMap(ctx context.Context, rec MapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) Search(q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	m.mu.RLock()
	var hits []Result
	for _, rec := range m.records {
		if snippet, ok := match(rec, terms); ok {
			hits = append(hits, Result{ID: rec.ID, Name: rec.Name, Snippet: snippet})
		}
	}
	m.mu.RUnlock()
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })

	total := len(hits)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min(max(q.Offset, 0), total)
	end := min(start+limit, total)
	return hits[start:end], total, nil
}

func match(rec MapRecord, terms []string) (string, bool) {
	haystack := strings.ToLower(rec.Name + "\n" + rec.Cards + "\n" + rec.Notes)
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return "", false
		}
	}
	for _, line := range strings.Split(rec.Cards, "\n") {
		if strings.Contains(strings.ToLower(line), terms[0]) {
			return line, true
		}
	}
	return "", true
}
