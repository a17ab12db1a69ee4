package store

import (
	"context"
	"errors"
	"testing"

	"threadline/api/internal/message"
	"threadline/api/internal/stream"
)

func postMsg(id, author string, ts int64, root, fork string) message.Message {
	return message.Message{
		ID: id, Author: author, Sequence: ts, Timestamp: ts,
		Content: message.Content{Type: message.TypePost, Post: &message.Post{Text: id, Root: root, Fork: fork}},
	}
}

func voteMsg(id, author string, ts int64, target string, value int) message.Message {
	return message.Message{
		ID: id, Author: author, Sequence: ts, Timestamp: ts,
		Content: message.Content{Type: message.TypeVote, Vote: &message.Vote{Link: target, Value: value}},
	}
}

func TestMemoryStoreOrdersByClaimedTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, m := range []message.Message{
		postMsg("%c", "@a", 30, "", ""),
		postMsg("%a", "@a", 10, "", ""),
		postMsg("%b", "@b", 20, "", ""),
	} {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := stream.Collect(s.Query(ctx, Filter{Type: message.TypePost}))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 || got[0].ID != "%a" || got[2].ID != "%c" {
		t.Fatalf("unexpected order: %v", ids(got))
	}

	got, _ = stream.Collect(s.Query(ctx, Filter{Reverse: true, Author: "@a"}))
	if len(got) != 2 || got[0].ID != "%c" || got[1].ID != "%a" {
		t.Fatalf("unexpected reverse author scan: %v", ids(got))
	}
}

func TestMemoryStoreBacklinksAndPrivacy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	secret := postMsg("%secret", "@b", 3, "%root", "")
	secret.Private = true
	for _, m := range []message.Message{
		postMsg("%root", "@a", 1, "", ""),
		postMsg("%reply", "@b", 2, "%root", ""),
		secret,
		voteMsg("%vote", "@c", 4, "%root", 1),
	} {
		_ = s.Append(ctx, m)
	}

	all, _ := stream.Collect(s.Backlinks(ctx, "%root", BacklinkOptions{IncludePrivate: true}))
	if len(all) != 3 {
		t.Fatalf("expected 3 backlinks, got %v", ids(all))
	}
	public, _ := stream.Collect(s.Backlinks(ctx, "%root", BacklinkOptions{Type: message.TypePost}))
	if len(public) != 1 || public[0].ID != "%reply" {
		t.Fatalf("expected only the public reply, got %v", ids(public))
	}

	if _, err := s.Get(ctx, "%secret", GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("private message must be hidden without IncludePrivate, got %v", err)
	}
	if _, err := s.Get(ctx, "%secret", GetOptions{IncludePrivate: true}); err != nil {
		t.Fatalf("Get private: %v", err)
	}
	if _, err := s.Get(ctx, "%missing", GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreRelationshipsFromContacts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	yes, no := true, false
	contact := func(id string, ts int64, subject string, following, blocking *bool) message.Message {
		return message.Message{ID: id, Author: "@me", Sequence: ts, Timestamp: ts, Content: message.Content{
			Type: message.TypeContact, Contact: &message.Contact{Contact: subject, Following: following, Blocking: blocking},
		}}
	}
	_ = s.Append(ctx, contact("%1", 1, "@friend", &yes, nil))
	_ = s.Append(ctx, contact("%2", 2, "@troll", nil, &yes))
	_ = s.Append(ctx, contact("%3", 3, "@friend", &no, nil))

	rels, err := s.Relationships(ctx, "@me")
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	if rels["@friend"].Following {
		t.Fatal("later unfollow must win")
	}
	if !rels["@troll"].Blocking {
		t.Fatal("expected @troll blocked")
	}
}

func TestMemoryStoreRelationshipsFollowLogOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	yes, no := true, false
	contact := func(id string, ts int64, following, blocking *bool) message.Message {
		return message.Message{ID: id, Author: "@me", Sequence: ts, Timestamp: ts, Content: message.Content{
			Type: message.TypeContact, Contact: &message.Contact{Contact: "@friend", Following: following, Blocking: blocking},
		}}
	}
	// ingested newest first
	_ = s.Append(ctx, contact("%unfollow", 30, &no, nil))
	_ = s.Append(ctx, contact("%block", 20, nil, &yes))
	_ = s.Append(ctx, contact("%follow", 10, &yes, &no))

	rels, err := s.Relationships(ctx, "@me")
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	if rels["@friend"].Following {
		t.Fatal("the unfollow is latest in the log and must win")
	}
	if !rels["@friend"].Blocking {
		t.Fatal("the block is later in the log than the follow's blocking=false")
	}
}

func TestMemoryStoreStopsWhenConsumerStops(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := int64(1); i <= 10; i++ {
		_ = s.Append(ctx, postMsg(string(rune('a'+i)), "@a", i, "", ""))
	}
	got, _ := stream.Collect(stream.Take(s.Query(ctx, Filter{}), 2))
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
}

func ids(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
