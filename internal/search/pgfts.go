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

// Healthy always returns true; if Postgres is down the store is down too.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks public posts with plainto_tsquery and ts_rank, using
// ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	where := []string{"m.fts @@ " + tsQuery, "m.type = 'post'", "m.private = FALSE", "m.unreadable = FALSE"}
	args := []any{q.Text}
	if q.Author != "" {
		args = append(args, q.Author)
		where = append(where, fmt.Sprintf("m.author = $%d", len(args)))
	}
	if q.Channel != "" {
		args = append(args, q.Channel)
		where = append(where, fmt.Sprintf("m.content->>'channel' = $%d", len(args)))
	}
	whereSQL := strings.Join(where, " AND ")

	countSQL := "SELECT count(*) FROM messages m WHERE " + whereSQL
	dataSQL := fmt.Sprintf(`SELECT m.id, m.author, coalesce(m.content->>'channel', ''),
			ts_headline('english', coalesce(m.content->>'text', ''), %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		FROM messages m
		WHERE %s
		ORDER BY ts_rank(m.fts, %s) DESC, m.claimed_at DESC
		LIMIT %d OFFSET %d`, tsQuery, whereSQL, tsQuery, q.limit(), offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Author, &r.Channel, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadPosts returns every searchable post for a full reindex.
func (p *PgFTS) LoadPosts(ctx context.Context) ([]PostRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, author, coalesce(content->>'text', ''), coalesce(content->>'channel', ''),
			coalesce(content->>'root', ''), claimed_at
		FROM messages
		WHERE type = 'post' AND private = FALSE AND unreadable = FALSE
		ORDER BY claimed_at, sequence
	`)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()

	posts := make([]PostRecord, 0)
	for rows.Next() {
		var r PostRecord
		if err := rows.Scan(&r.ID, &r.Author, &r.Text, &r.Channel, &r.Root, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}
