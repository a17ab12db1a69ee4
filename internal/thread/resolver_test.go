package thread

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"threadline/api/internal/message"
	"threadline/api/internal/store"
)

func post(id, author string, ts int64, root, fork string) message.Message {
	return message.Message{ID: id, Author: author, Sequence: ts, Timestamp: ts,
		Content: message.Content{Type: message.TypePost, Post: &message.Post{Text: id, Root: root, Fork: fork}}}
}

func seeded(t *testing.T, msgs ...message.Message) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	for _, m := range msgs {
		if err := s.Append(context.Background(), m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return s
}

func ids(msgs []message.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return strings.Join(out, " ")
}

func targets(msgs []message.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Thread.Target {
			out = append(out, m.ID)
		}
	}
	return out
}

const (
	R  = "%R.sha256"
	C1 = "%C1.sha256"
	C2 = "%C2.sha256"
)

func TestResolveBareRootPost(t *testing.T) {
	s := seeded(t, post(R, "@A", 1, "", ""))
	got, err := NewResolver(s, nil, Options{}).Resolve(context.Background(), R, "@viewer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].ID != R || !got[0].Thread.Target {
		t.Fatalf("expected only the tagged root, got %+v", got)
	}
	if message.Classify(got[0]) != message.ClassPost {
		t.Fatalf("expected post classification, got %s", message.Classify(got[0]))
	}
}

func TestResolveCommentThread(t *testing.T) {
	s := seeded(t,
		post(R, "@A", 1, "", ""),
		post(C1, "@B", 2, R, ""),
		post(C2, "@C", 3, R, C1),
	)
	r := NewResolver(s, nil, Options{})

	for _, viewer := range []string{"@A", "@B", "@stranger"} {
		got, err := r.Resolve(context.Background(), C2, viewer)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if ids(got) != R+" "+C1+" "+C2 {
			t.Fatalf("unexpected thread: %s", ids(got))
		}
		if tagged := targets(got); len(tagged) != 1 || tagged[0] != C2 {
			t.Fatalf("expected C2 tagged, got %v", tagged)
		}
		if got[1].Thread != (message.ThreadMeta{Depth: 1, Subtopic: true}) {
			t.Fatalf("unexpected C1 meta: %+v", got[1].Thread)
		}
		if got[2].Thread.Depth != 2 || !got[2].Thread.Subtopic {
			t.Fatalf("unexpected C2 meta: %+v", got[2].Thread)
		}
	}
}

func TestResolveDepthFirstOrder(t *testing.T) {
	a, b, a1, a2, b1 := "%a.sha256", "%b.sha256", "%a1.sha256", "%a2.sha256", "%b1.sha256"
	s := seeded(t,
		post(R, "@A", 1, "", ""),
		post(a, "@B", 2, R, ""),
		post(b, "@C", 3, R, ""),
		post(b1, "@A", 4, R, b),
		post(a1, "@C", 5, R, a),
		post(a2, "@B", 6, R, a),
		message.Message{ID: "%vote.sha256", Author: "@D", Timestamp: 7, Content: message.Content{
			Type: message.TypeVote, Vote: &message.Vote{Link: R, Value: 1}}},
	)

	got, err := NewResolver(s, nil, Options{Concurrency: 2}).Resolve(context.Background(), R, "@A")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := strings.Join([]string{R, a, a1, a2, b, b1}, " ")
	if ids(got) != want {
		t.Fatalf("got %s\nwant %s", ids(got), want)
	}
}

func TestFindRootIsIdempotentAcrossThread(t *testing.T) {
	s := seeded(t,
		post(R, "@A", 1, "", ""),
		post(C1, "@B", 2, R, ""),
		post(C2, "@C", 3, R, C1),
	)
	r := NewResolver(s, nil, Options{})
	thread, err := r.Resolve(context.Background(), C2, "@A")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, m := range thread {
		root, err := r.FindRoot(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("FindRoot(%s): %v", m.ID, err)
		}
		if root.ID != R {
			t.Fatalf("FindRoot(%s) = %s, want %s", m.ID, root.ID, R)
		}
	}
}

func TestFindRootStopsOnCycle(t *testing.T) {
	x, y := "%x.sha256", "%y.sha256"
	s := seeded(t,
		post(x, "@A", 1, R, y),
		post(y, "@B", 2, R, x),
	)
	r := NewResolver(s, nil, Options{})

	root, err := r.FindRoot(context.Background(), x)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if root.ID != x {
		t.Fatalf("expected the requested message as root, got %s", root.ID)
	}

	got, err := r.Resolve(context.Background(), x, "@A")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ids(got) != x+" "+y {
		t.Fatalf("expected a finite thread, got %s", ids(got))
	}
	if tagged := targets(got); len(tagged) != 1 || tagged[0] != x {
		t.Fatalf("expected x tagged once, got %v", tagged)
	}
}

func TestFindRootUnreadableAncestor(t *testing.T) {
	boxed := message.Message{ID: C1, Author: "@B", Timestamp: 2, Private: true, Unreadable: true,
		Content: message.Content{Raw: []byte(`"boxed.box"`)}}
	s := seeded(t, boxed, post(C2, "@C", 3, R, C1))
	r := NewResolver(s, nil, Options{})

	root, err := r.FindRoot(context.Background(), C2)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if root.ID != C2 {
		t.Fatalf("expected last readable message as root, got %s", root.ID)
	}

	root, err = r.FindRoot(context.Background(), C1)
	if err != nil || root.ID != C1 {
		t.Fatalf("expected unreadable start to be its own root, got %s (%v)", root.ID, err)
	}
}

func TestFindRootNonPostIsOwnRoot(t *testing.T) {
	v := message.Message{ID: "%v.sha256", Author: "@A", Timestamp: 1, Content: message.Content{
		Type: message.TypeVote, Vote: &message.Vote{Link: R, Value: 1}}}
	s := seeded(t, v)
	got, err := NewResolver(s, nil, Options{}).Resolve(context.Background(), v.ID, "@A")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || message.Classify(got[0]) != message.ClassMystery {
		t.Fatalf("expected a lone mystery node, got %+v", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	s := seeded(t, post(C1, "@B", 2, R, ""))
	r := NewResolver(s, nil, Options{})

	for _, id := range []string{"%missing.sha256", C1} {
		_, err := r.Resolve(context.Background(), id, "@A")
		var nf *NotFoundError
		if !errors.As(err, &nf) || !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%s: expected not found, got %v", id, err)
		}
		if !strings.Contains(err.Error(), "maybe try again later") {
			t.Fatalf("unexpected message: %v", err)
		}
	}
}

type brokenBacklinks struct {
	*store.MemoryStore
	err error
}

func (b brokenBacklinks) Backlinks(context.Context, string, store.BacklinkOptions) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) { yield(message.Message{}, b.err) }
}

func TestResolvePropagatesUpstreamErrors(t *testing.T) {
	boom := errors.New("store unreachable")
	s := seeded(t, post(R, "@A", 1, "", ""))
	_, err := NewResolver(brokenBacklinks{MemoryStore: s, err: boom}, nil, Options{}).Resolve(context.Background(), R, "@A")
	if !errors.Is(err, boom) || errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

type recordingEnricher struct {
	viewer string
	got    []message.Message
}

func (e *recordingEnricher) Enrich(_ context.Context, msgs []message.Message, viewer string) ([]message.Message, error) {
	e.viewer = viewer
	e.got = msgs
	return msgs, nil
}

func TestResolvePassesThreadToEnricher(t *testing.T) {
	s := seeded(t, post(R, "@A", 1, "", ""), post(C1, "@B", 2, R, ""))
	e := &recordingEnricher{}
	if _, err := NewResolver(s, e, Options{}).Resolve(context.Background(), C1, "@viewer"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.viewer != "@viewer" || ids(e.got) != R+" "+C1 {
		t.Fatalf("unexpected enrich call: %s %s", e.viewer, ids(e.got))
	}
}
