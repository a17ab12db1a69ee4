package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"threadline/api/internal/message"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `m.id, m.author, m.sequence, m.claimed_at, m.received_at, m.private, m.unreadable, m.content`

func (s *PostgresStore) Get(ctx context.Context, id string, opts GetOptions) (message.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.id = $1`
	if !opts.IncludePrivate {
		query += ` AND m.private = FALSE`
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, ErrNotFound
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) Backlinks(ctx context.Context, target string, opts BacklinkOptions) iter.Seq2[message.Message, error] {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.id IN (SELECT l.source FROM message_links l WHERE l.target = $1)`
	args := []any{target}
	if opts.Type != "" {
		args = append(args, string(opts.Type))
		query += fmt.Sprintf(` AND m.type = $%d`, len(args))
	}
	if !opts.IncludePrivate {
		query += ` AND m.private = FALSE`
	}
	query += ` ORDER BY m.claimed_at ASC, m.sequence ASC`
	return s.stream(ctx, "backlinks "+target, query, args...)
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) iter.Seq2[message.Message, error] {
	var where []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Type != "" {
		add("m.type = $%d", string(filter.Type))
	}
	if filter.Author != "" {
		add("m.author = $%d", filter.Author)
	}
	if filter.Channel != "" {
		add("m.content->>'channel' = $%d", filter.Channel)
	}
	if filter.Since != 0 {
		add("m.claimed_at >= $%d", filter.Since)
	}
	if filter.Until != 0 {
		add("m.claimed_at <= $%d", filter.Until)
	}
	if !filter.IncludePrivate {
		where = append(where, "m.private = FALSE")
	}

	query := `SELECT ` + messageColumns + ` FROM messages m`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.Reverse {
		query += ` ORDER BY m.claimed_at DESC, m.sequence DESC`
	} else {
		query += ` ORDER BY m.claimed_at ASC, m.sequence ASC`
	}
	return s.stream(ctx, "query", query, args...)
}

// stream yields rows lazily; the cursor is closed as soon as the consumer
// stops pulling.
func (s *PostgresStore) stream(ctx context.Context, label, query string, args ...any) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(message.Message{}, fmt.Errorf("%s: %w", label, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				yield(message.Message{}, fmt.Errorf("%s: scan: %w", label, err))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(message.Message{}, fmt.Errorf("%s: %w", label, err))
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (message.Message, error) {
	var m message.Message
	var content []byte
	if err := row.Scan(&m.ID, &m.Author, &m.Sequence, &m.Timestamp, &m.Received, &m.Private, &m.Unreadable, &content); err != nil {
		return message.Message{}, err
	}
	decoded, unreadable := message.DecodeContent(content)
	m.Content = decoded
	m.Unreadable = m.Unreadable || unreadable
	return m, nil
}

func (s *PostgresStore) Relationships(ctx context.Context, viewer string) (map[string]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, following, blocking
		FROM relationships
		WHERE viewer = $1
	`, viewer)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	out := map[string]Relationship{}
	for rows.Next() {
		var subject string
		var rel Relationship
		if err := rows.Scan(&subject, &rel.Following, &rel.Blocking); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out[subject] = rel
	}
	return out, rows.Err()
}

// Append writes the message, its backlinks and, for contact messages, the
// author's relationship edge in one transaction. Re-appending an id is a no-op.
func (s *PostgresStore) Append(ctx context.Context, m message.Message) error {
	content, err := encodeContent(m)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append %s: %w", m.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, author, sequence, claimed_at, received_at, type, private, unreadable, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.Author, m.Sequence, m.Timestamp, m.Received, string(m.Content.Type), m.Private, m.Unreadable, content)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	if inserted, _ := result.RowsAffected(); inserted == 0 {
		return tx.Commit()
	}

	for rel, targets := range m.Links() {
		for _, target := range targets {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_links (source, target, rel) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, m.ID, target, rel); err != nil {
				return fmt.Errorf("insert link %s -> %s: %w", m.ID, target, err)
			}
		}
	}

	if c := m.Content.Contact; c != nil && c.Contact != "" && !m.Private {
		if _, err := tx.ExecContext(ctx, upsertRelationship,
			m.Author, c.Contact, c.Following, c.Blocking, m.Timestamp, m.Sequence); err != nil {
			return fmt.Errorf("upsert relationship %s -> %s: %w", m.Author, c.Contact, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append %s: %w", m.ID, err)
	}
	return nil
}

// upsertRelationship sets each flag only when the contact is not older, in
// log order, than the one that set it last.
const upsertRelationship = `
	INSERT INTO relationships (viewer, subject, following, blocking, following_at, following_seq, blocking_at, blocking_seq)
	VALUES ($1, $2, COALESCE($3, FALSE), COALESCE($4, FALSE),
		CASE WHEN $3::boolean IS NULL THEN NULL ELSE $5::bigint END,
		CASE WHEN $3::boolean IS NULL THEN NULL ELSE $6::bigint END,
		CASE WHEN $4::boolean IS NULL THEN NULL ELSE $5::bigint END,
		CASE WHEN $4::boolean IS NULL THEN NULL ELSE $6::bigint END)
	ON CONFLICT (viewer, subject) DO UPDATE SET
		following = CASE WHEN ` + followingNewer + ` THEN EXCLUDED.following ELSE relationships.following END,
		following_at = CASE WHEN ` + followingNewer + ` THEN EXCLUDED.following_at ELSE relationships.following_at END,
		following_seq = CASE WHEN ` + followingNewer + ` THEN EXCLUDED.following_seq ELSE relationships.following_seq END,
		blocking = CASE WHEN ` + blockingNewer + ` THEN EXCLUDED.blocking ELSE relationships.blocking END,
		blocking_at = CASE WHEN ` + blockingNewer + ` THEN EXCLUDED.blocking_at ELSE relationships.blocking_at END,
		blocking_seq = CASE WHEN ` + blockingNewer + ` THEN EXCLUDED.blocking_seq ELSE relationships.blocking_seq END
`

const (
	followingNewer = `(EXCLUDED.following_at IS NOT NULL AND (relationships.following_at IS NULL OR
		(EXCLUDED.following_at, EXCLUDED.following_seq) >= (relationships.following_at, relationships.following_seq)))`
	blockingNewer = `(EXCLUDED.blocking_at IS NOT NULL AND (relationships.blocking_at IS NULL OR
		(EXCLUDED.blocking_at, EXCLUDED.blocking_seq) >= (relationships.blocking_at, relationships.blocking_seq)))`
)

func encodeContent(m message.Message) ([]byte, error) {
	if m.Unreadable {
		// boxed content is stored as a JSON string
		raw := m.Content.Raw
		if len(raw) == 0 || !json.Valid(raw) {
			return json.Marshal(string(raw))
		}
		return raw, nil
	}
	content, err := json.Marshal(m.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content %s: %w", m.ID, err)
	}
	return content, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
