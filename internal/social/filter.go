// Package social gates messages by the viewer's follow and block edges.
package social

import (
	"context"
	"fmt"

	"threadline/api/internal/message"
	"threadline/api/internal/store"
)

// Options constrain the author of an admitted message. A nil field does not
// constrain. Following and Blocking apply to other authors; Me decides
// whether the viewer's own messages pass.
type Options struct {
	Following *bool
	Blocking  *bool
	Me        *bool
}

// DefaultOptions hides blocked authors and admits everyone else.
func DefaultOptions() Options {
	return Options{Blocking: Bool(false)}
}

func Bool(v bool) *bool { return &v }

// Predicate is a pure authorship check built from one relationship snapshot.
type Predicate func(message.Message) bool

// Graph is the relationship source the filter reads from.
type Graph interface {
	Relationships(ctx context.Context, viewer string) (map[string]store.Relationship, error)
}

// BuildFilter fetches the viewer's relationships once. The returned
// predicate never touches the store again.
func BuildFilter(ctx context.Context, graph Graph, viewer string, opts Options) (Predicate, error) {
	rels, err := graph.Relationships(ctx, viewer)
	if err != nil {
		return nil, fmt.Errorf("load relationships for %s: %w", viewer, err)
	}
	following := make(map[string]struct{}, len(rels))
	blocking := make(map[string]struct{})
	for subject, rel := range rels {
		if rel.Following {
			following[subject] = struct{}{}
		}
		if rel.Blocking {
			blocking[subject] = struct{}{}
		}
	}
	return newPredicate(viewer, following, blocking, opts), nil
}

func newPredicate(viewer string, following, blocking map[string]struct{}, opts Options) Predicate {
	return func(m message.Message) bool {
		if m.Author == viewer {
			return opts.Me == nil || *opts.Me
		}
		if opts.Following != nil {
			_, ok := following[m.Author]
			if ok != *opts.Following {
				return false
			}
		}
		if opts.Blocking != nil {
			_, ok := blocking[m.Author]
			if ok != *opts.Blocking {
				return false
			}
		}
		return true
	}
}

// And admits a message only when every predicate does.
func And(preds ...Predicate) Predicate {
	return func(m message.Message) bool {
		for _, p := range preds {
			if p != nil && !p(m) {
				return false
			}
		}
		return true
	}
}
