// Package thread rebuilds discussion trees from the backlink index.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/metrics"
	"threadline/api/internal/store"
	"threadline/api/internal/stream"
)

// NotFoundError is returned when the requested message or one of its
// ancestors is not in the store yet. It matches store.ErrNotFound.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("message %s not found, maybe try again later", e.ID)
}

func (e *NotFoundError) Unwrap() error { return store.ErrNotFound }

// Enricher annotates a resolved thread before it is returned.
type Enricher interface {
	Enrich(ctx context.Context, msgs []message.Message, viewer string) ([]message.Message, error)
}

type Options struct {
	Schema      message.Schema
	Concurrency int
	Logger      logging.Logger
	Metrics     *metrics.Collector
}

type Resolver struct {
	reader      store.Reader
	enricher    Enricher
	schema      message.Schema
	concurrency int
	logger      logging.Logger
	metrics     *metrics.Collector
}

// NewResolver builds a resolver. A nil enricher returns threads unannotated.
func NewResolver(reader store.Reader, enricher Enricher, opts Options) *Resolver {
	if opts.Schema == nil {
		opts.Schema = message.DefaultSchema
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 64
	}
	return &Resolver{
		reader:      reader,
		enricher:    enricher,
		schema:      opts.Schema,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

var threadGet = store.GetOptions{IncludePrivate: true}

// Resolve returns the whole thread containing id: the root first, then its
// descendants depth first. The message with id is tagged as the target.
func (r *Resolver) Resolve(ctx context.Context, id, viewer string) (thread []message.Message, err error) {
	started := time.Now()
	defer func() { r.metrics.ObserveOperation("thread", started, err) }()

	root, err := r.FindRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	descendants, err := r.Descendants(ctx, root)
	if err != nil {
		return nil, err
	}

	root.Thread = message.ThreadMeta{}
	thread = append([]message.Message{root}, descendants...)

	found := false
	for i := range thread {
		if thread[i].ID == id {
			thread[i].Thread.Target = true
			found = true
		}
	}
	if !found {
		// Linked in a way no parent accepts as a child; show it anyway.
		target, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		target.Thread = message.ThreadMeta{Depth: 1, Subtopic: true, Target: true}
		thread = append(thread, target)
	}

	if r.enricher == nil {
		return thread, nil
	}
	return r.enricher.Enrich(ctx, thread, viewer)
}

func (r *Resolver) get(ctx context.Context, id string) (message.Message, error) {
	m, err := r.reader.Get(ctx, id, threadGet)
	if errors.Is(err, store.ErrNotFound) {
		return message.Message{}, &NotFoundError{ID: id}
	}
	return m, err
}

// FindRoot walks fork and root pointers upward from id, one fetch per step.
// A walk that revisits a message stops and treats id itself as the root.
func (r *Resolver) FindRoot(ctx context.Context, id string) (message.Message, error) {
	start, err := r.get(ctx, id)
	if err != nil {
		return message.Message{}, err
	}

	current := start
	var child *message.Message
	visited := map[string]struct{}{start.ID: {}}
	for {
		if current.Unreadable {
			if child != nil {
				return *child, nil
			}
			return current, nil
		}
		if current.Content.Type != message.TypePost {
			return current, nil
		}

		var parentID string
		switch {
		case r.schema.Valid(message.KindSubtopic, current):
			parentID = current.Content.Post.Fork
		case r.schema.Valid(message.KindComment, current):
			parentID = current.Content.Post.Root
		default:
			return current, nil
		}

		if _, seen := visited[parentID]; seen {
			if r.logger != nil {
				r.logger.WithFields(logging.Fields{"message": id, "repeat": parentID}).Warn("cycle in thread ancestry")
			}
			return start, nil
		}
		visited[parentID] = struct{}{}

		parent, err := r.get(ctx, parentID)
		if err != nil {
			return message.Message{}, err
		}
		walked := current
		child = &walked
		current = parent
	}
}

// Descendants collects every reply below root. Each level of the tree is
// fetched concurrently; the result is assembled depth first in backlink
// order, so it does not depend on which fetch finished first.
func (r *Resolver) Descendants(ctx context.Context, root message.Message) ([]message.Message, error) {
	children := map[string][]message.Message{}
	visited := map[string]struct{}{root.ID: {}}
	frontier := []message.Message{root}

	for len(frontier) > 0 {
		results := stream.ParallelMap(ctx, frontier, r.concurrency, func(ctx context.Context, parent message.Message) ([]message.Message, error) {
			return r.directChildren(ctx, parent.ID)
		})

		var next []message.Message
		for i, res := range results {
			if res.Err != nil {
				return nil, res.Err
			}
			parent := frontier[i].ID
			for _, child := range res.Value {
				if _, seen := visited[child.ID]; seen {
					continue
				}
				visited[child.ID] = struct{}{}
				children[parent] = append(children[parent], child)
				next = append(next, child)
			}
		}
		frontier = next
	}

	var out []message.Message
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		for _, child := range children[id] {
			child.Thread = message.ThreadMeta{Depth: depth, Subtopic: true}
			out = append(out, child)
			walk(child.ID, depth+1)
		}
	}
	walk(root.ID, 1)
	return out, nil
}

// directChildren returns the readable posts that reply to parent directly:
// subtopics forked from it and comments rooted on it.
func (r *Resolver) directChildren(ctx context.Context, parent string) ([]message.Message, error) {
	backlinks := r.reader.Backlinks(ctx, parent, store.BacklinkOptions{Type: message.TypePost, IncludePrivate: true})
	accepted := stream.Filter(backlinks, func(m message.Message) bool {
		if !m.IsPost() {
			return false
		}
		p := m.Content.Post
		switch {
		case p.Fork == parent:
			return r.schema.Valid(message.KindSubtopic, m)
		case p.Root == parent && p.Fork == "":
			return r.schema.Valid(message.KindComment, m)
		default:
			return false
		}
	})
	children, err := stream.Collect(accepted)
	if err != nil {
		return nil, fmt.Errorf("replies to %s: %w", parent, err)
	}
	return children, nil
}
