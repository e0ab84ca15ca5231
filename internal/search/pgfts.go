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

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over message bodies with ts_rank ordering and
// ts_headline snippets, constrained to the caller's chats.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ChatIDs) == 0 {
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

	chatIDs := make([]string, len(q.ChatIDs))
	copy(chatIDs, q.ChatIDs)

	placeholders := make([]string, 0, len(chatIDs))
	args := []any{q.Text}
	for i, chatID := range chatIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, chatID)
	}
	inClause := strings.Join(placeholders, ", ")

	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM messages m
		WHERE m.fts @@ plainto_tsquery('english', $1)
		  AND m.chat_id IN (%s)`, inClause)

	var total int
	ctx := context.Background()
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.chat_id, m.sender_id,
			ts_headline('english', coalesce(m.body, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM messages m
		WHERE m.fts @@ plainto_tsquery('english', $1)
		  AND m.chat_id IN (%s)
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, inClause, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ChatID, &r.SenderID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all messages for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, chat_id, sender_id, body
		FROM messages
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var record MessageRecord
		if err := rows.Scan(&record.ID, &record.ChatID, &record.SenderID, &record.Body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
