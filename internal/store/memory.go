package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"threadline/api/internal/message"
)

// MemoryStore keeps the log in process. It is not persistent and is meant for
// local mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]message.Message
	log       []string
	backlinks map[string][]string
	contacts  map[string]map[string]contactEdge
}

// contactEdge remembers where in the log each half of a relationship was
// last set, so contacts appended out of order still fold in log order.
type contactEdge struct {
	rel         Relationship
	followingAt *message.Message
	blockingAt  *message.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]message.Message),
		backlinks: make(map[string][]string),
		contacts:  make(map[string]map[string]contactEdge),
	}
}

// Append inserts m keeping the log ordered by claimed timestamp and sequence.
// Appending an id twice is a no-op.
func (s *MemoryStore) Append(_ context.Context, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.ID]; ok {
		return nil
	}
	m.Thread = message.ThreadMeta{}
	m.Meta = message.Meta{}
	s.byID[m.ID] = m

	pos := sort.Search(len(s.log), func(i int) bool {
		return s.less(m, s.byID[s.log[i]])
	})
	s.log = append(s.log, "")
	copy(s.log[pos+1:], s.log[pos:])
	s.log[pos] = m.ID

	seen := map[string]bool{}
	for _, targets := range m.Links() {
		for _, target := range targets {
			if seen[target] {
				continue
			}
			seen[target] = true
			s.backlinks[target] = s.insertOrdered(s.backlinks[target], m)
		}
	}

	if c := m.Content.Contact; c != nil && c.Contact != "" && !m.Private {
		edges := s.contacts[m.Author]
		if edges == nil {
			edges = make(map[string]contactEdge)
			s.contacts[m.Author] = edges
		}
		edge := edges[c.Contact]
		if c.Following != nil && (edge.followingAt == nil || !s.less(m, *edge.followingAt)) {
			edge.rel.Following = *c.Following
			edge.followingAt = &m
		}
		if c.Blocking != nil && (edge.blockingAt == nil || !s.less(m, *edge.blockingAt)) {
			edge.rel.Blocking = *c.Blocking
			edge.blockingAt = &m
		}
		edges[c.Contact] = edge
	}
	return nil
}

func (s *MemoryStore) less(a, b message.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Sequence < b.Sequence
}

func (s *MemoryStore) insertOrdered(ids []string, m message.Message) []string {
	pos := sort.Search(len(ids), func(i int) bool {
		return s.less(m, s.byID[ids[i]])
	})
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = m.ID
	return ids
}

func (s *MemoryStore) Get(_ context.Context, id string, opts GetOptions) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok || (m.Private && !opts.IncludePrivate) {
		return message.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Backlinks(ctx context.Context, target string, opts BacklinkOptions) iter.Seq2[message.Message, error] {
	s.mu.RLock()
	ids := append([]string(nil), s.backlinks[target]...)
	s.mu.RUnlock()

	filter := Filter{Type: opts.Type, IncludePrivate: opts.IncludePrivate}
	return s.yieldIDs(ctx, ids, filter, false)
}

func (s *MemoryStore) Query(ctx context.Context, filter Filter) iter.Seq2[message.Message, error] {
	s.mu.RLock()
	ids := append([]string(nil), s.log...)
	s.mu.RUnlock()
	return s.yieldIDs(ctx, ids, filter, filter.Reverse)
}

func (s *MemoryStore) yieldIDs(ctx context.Context, ids []string, filter Filter, reverse bool) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		for i := range ids {
			if err := ctx.Err(); err != nil {
				yield(message.Message{}, err)
				return
			}
			id := ids[i]
			if reverse {
				id = ids[len(ids)-1-i]
			}
			s.mu.RLock()
			m := s.byID[id]
			s.mu.RUnlock()
			if !filter.matches(m) {
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Relationships(_ context.Context, viewer string) (map[string]Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Relationship, len(s.contacts[viewer]))
	for subject, edge := range s.contacts[viewer] {
		out[subject] = edge.rel
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}
