package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down the relay is down too.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()
	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM map_search WHERE fts @@ plainto_tsquery('simple', $1)`, q.Text,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT map_id, name,
			ts_headline('simple', cards || ' ' || notes, plainto_tsquery('simple', $1),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=24') AS snippet
		FROM map_search
		WHERE fts @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, map_id
		LIMIT $2 OFFSET $3`, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// IndexMap upserts the search row of a map. The map row must exist.
func (p *PgFTS) IndexMap(ctx context.Context, rec MapRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO map_search (map_id, name, notes, cards, card_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (map_id) DO UPDATE
		SET name = EXCLUDED.name, notes = EXCLUDED.notes, cards = EXCLUDED.cards, card_count = EXCLUDED.card_count
	`, rec.ID, rec.Name, rec.Notes, rec.Cards, rec.CardCount)
	if err != nil {
		return fmt.Errorf("pgfts index map %s: %w", rec.ID, err)
	}
	return nil
}

// LoadAllRecords returns every indexed map for a full Meilisearch reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MapRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT map_id, name, notes, cards, card_count FROM map_search`)
	if err != nil {
		return nil, fmt.Errorf("load map records: %w", err)
	}
	defer rows.Close()

	records := make([]MapRecord, 0)
	for rows.Next() {
		var rec MapRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Notes, &rec.Cards, &rec.CardCount); err != nil {
			return nil, fmt.Errorf("scan map record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate map records: %w", err)
	}
	return records, nil
}
