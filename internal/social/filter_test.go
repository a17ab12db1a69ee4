package social

import (
	"context"
	"errors"
	"testing"

	"threadline/api/internal/message"
	"threadline/api/internal/store"
)

type countingGraph struct {
	rels  map[string]store.Relationship
	err   error
	calls int
}

func (g *countingGraph) Relationships(context.Context, string) (map[string]store.Relationship, error) {
	g.calls++
	return g.rels, g.err
}

func by(author string) message.Message {
	return message.Message{ID: "%" + author, Author: author}
}

func fixtureGraph() *countingGraph {
	return &countingGraph{rels: map[string]store.Relationship{
		"@friend":  {Following: true},
		"@troll":   {Blocking: true},
		"@frenemy": {Following: true, Blocking: true},
	}}
}

func TestDefaultFilterHidesBlockedAuthors(t *testing.T) {
	pred, err := BuildFilter(context.Background(), fixtureGraph(), "@me", DefaultOptions())
	if err != nil {
		t.Fatalf("BuildFilter: %v", err)
	}
	cases := map[string]bool{
		"@me":       true,
		"@friend":   true,
		"@stranger": true,
		"@troll":    false,
		"@frenemy":  false,
	}
	for author, want := range cases {
		if got := pred(by(author)); got != want {
			t.Errorf("%s: got %v want %v", author, got, want)
		}
	}
}

func TestFilterSelfHandling(t *testing.T) {
	ctx := context.Background()
	graph := fixtureGraph()

	excluded, _ := BuildFilter(ctx, graph, "@me", Options{Me: Bool(false)})
	if excluded(by("@me")) {
		t.Fatal("Me=false must exclude the viewer's own messages")
	}
	following, _ := BuildFilter(ctx, graph, "@me", Options{Following: Bool(true)})
	if !following(by("@me")) {
		t.Fatal("self-authored messages pass unless Me is false")
	}
	if following(by("@stranger")) {
		t.Fatal("Following=true must exclude unfollowed authors")
	}
}

func TestBlockingOptionsPartitionOtherAuthors(t *testing.T) {
	ctx := context.Background()
	graph := fixtureGraph()
	blocked, _ := BuildFilter(ctx, graph, "@me", Options{Blocking: Bool(true)})
	notBlocked, _ := BuildFilter(ctx, graph, "@me", Options{Blocking: Bool(false)})

	for _, author := range []string{"@friend", "@troll", "@frenemy", "@stranger", "@other"} {
		m := by(author)
		if blocked(m) == notBlocked(m) {
			t.Errorf("%s admitted by both or neither filter", author)
		}
	}
}

func TestFilterFetchesRelationshipsOnce(t *testing.T) {
	graph := fixtureGraph()
	pred, _ := BuildFilter(context.Background(), graph, "@me", DefaultOptions())
	for i := 0; i < 100; i++ {
		pred(by("@friend"))
	}
	if graph.calls != 1 {
		t.Fatalf("expected one relationship fetch, got %d", graph.calls)
	}
}

func TestFilterPropagatesGraphErrors(t *testing.T) {
	boom := errors.New("graph offline")
	_, err := BuildFilter(context.Background(), &countingGraph{err: boom}, "@me", DefaultOptions())
	if !errors.Is(err, boom) {
		t.Fatalf("expected graph error, got %v", err)
	}
}

func TestAndRequiresEveryPredicate(t *testing.T) {
	yes := func(message.Message) bool { return true }
	no := func(message.Message) bool { return false }
	if !And(yes, nil, yes)(by("@a")) {
		t.Fatal("expected admit")
	}
	if And(yes, no)(by("@a")) {
		t.Fatal("expected reject")
	}
}
