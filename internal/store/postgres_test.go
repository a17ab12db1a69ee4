package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"threadline/api/internal/message"
	"threadline/api/internal/stream"
)

var messageCols = []string{"id", "author", "sequence", "claimed_at", "received_at", "private", "unreadable", "content"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM messages m WHERE m.id = \$1 AND m.private = FALSE`).
		WithArgs("%missing").
		WillReturnRows(sqlmock.NewRows(messageCols))

	_, err := s.Get(context.Background(), "%missing", GetOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGetDecodesContent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM messages m WHERE m.id = \$1$`).
		WithArgs("%c").
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow("%c", "@b", int64(2), int64(200), int64(201), false, false, []byte(`{"type":"post","text":"hey","root":"%r","fork":"%p"}`)))

	m, err := s.Get(context.Background(), "%c", GetOptions{IncludePrivate: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Content.Post == nil || m.Content.Post.Root != "%r" || m.Content.Post.Fork != "%p" {
		t.Fatalf("unexpected content: %+v", m.Content)
	}
	if message.Classify(m) != message.ClassSubtopic {
		t.Fatalf("expected subtopic, got %s", message.Classify(m))
	}
}

func TestPostgresBacklinksStream(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE m.id IN \(SELECT l.source FROM message_links l WHERE l.target = \$1\) AND m.type = \$2 AND m.private = FALSE ORDER BY m.claimed_at ASC`).
		WithArgs("%r", "vote").
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow("%v1", "@a", int64(1), int64(10), int64(10), false, false, []byte(`{"type":"vote","vote":{"link":"%r","value":1}}`)).
			AddRow("%v2", "@a", int64(2), int64(20), int64(20), false, false, []byte(`{"type":"vote","vote":{"link":"%r","value":-1}}`)))

	got, err := stream.Collect(s.Backlinks(context.Background(), "%r", BacklinkOptions{Type: message.TypeVote}))
	if err != nil {
		t.Fatalf("Backlinks: %v", err)
	}
	if len(got) != 2 || got[1].Content.Vote.Value != -1 {
		t.Fatalf("unexpected votes: %+v", got)
	}
}

func TestPostgresQueryBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE m.type = \$1 AND m.author = \$2 AND m.claimed_at >= \$3 AND m.private = FALSE ORDER BY m.claimed_at DESC`).
		WithArgs("post", "@a", int64(100)).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow("%x", "@a", int64(1), int64(150), int64(150), false, true, []byte(`"Ym94ZWQ=.box"`)))

	got, err := stream.Collect(s.Query(context.Background(), Filter{Type: message.TypePost, Author: "@a", Since: 100, Reverse: true}))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || !got[0].Unreadable {
		t.Fatalf("expected one unreadable message, got %+v", got)
	}
}

func TestPostgresRelationships(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM relationships`).
		WithArgs("@me").
		WillReturnRows(sqlmock.NewRows([]string{"subject", "following", "blocking"}).
			AddRow("@friend", true, false).
			AddRow("@troll", false, true))

	rels, err := s.Relationships(context.Background(), "@me")
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	if !rels["@friend"].Following || !rels["@troll"].Blocking {
		t.Fatalf("unexpected relationships: %+v", rels)
	}
}

func TestPostgresAppendSkipsLinksForDuplicates(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	m := postMsg("%dup", "@a", 1, "%r", "")
	if err := s.Append(context.Background(), m); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresAppendWritesLinksAndContacts(t *testing.T) {
	s, mock := newMockStore(t)
	yes := true
	m := message.Message{ID: "%c", Author: "@me", Sequence: 1, Timestamp: 1, Content: message.Content{
		Type: message.TypeContact, Contact: &message.Contact{Contact: "@friend", Following: &yes},
	}}
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO messages`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO message_links`).WithArgs("%c", "@friend", "contact").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO relationships.*\(EXCLUDED\.following_at, EXCLUDED\.following_seq\) >=`).
		WithArgs("@me", "@friend", true, sqlmock.AnyArg(), int64(1), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Append(context.Background(), m); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
