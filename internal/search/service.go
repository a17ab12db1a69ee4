package search

import (
	"context"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   logging.Logger
}

// NewService creates a search service. meili and fallback may each be nil.
func NewService(meili *Meili, fallback Searcher, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WithError(err).Warn("search: meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.WithError(err).Error("search: fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Record returns the index record for m and whether m is searchable.
func Record(m message.Message) (PostRecord, bool) {
	if m.Private || !m.IsPost() {
		return PostRecord{}, false
	}
	p := m.Content.Post
	return PostRecord{
		ID:        m.ID,
		Author:    m.Author,
		Text:      p.Text,
		Channel:   p.Channel,
		Root:      p.Root,
		Timestamp: m.Timestamp,
	}, true
}

// IndexMessage indexes m if it is a public post (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(m message.Message) {
	record, ok := Record(m)
	if !ok || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPosts([]PostRecord{record}); err != nil {
			s.logger.WithError(err).WithField("message", m.ID).Warn("search: index post")
		}
	}()
}

// Reindex pushes posts to Meilisearch in batches and returns how many were
// sent.
func (s *Service) Reindex(posts []PostRecord, batchSize int) (int, error) {
	if s.meili == nil || !s.meili.Healthy() {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	sent := 0
	for start := 0; start < len(posts); start += batchSize {
		end := min(start+batchSize, len(posts))
		if err := s.meili.IndexPosts(posts[start:end]); err != nil {
			return sent, err
		}
		sent = end
	}
	return sent, nil
}

// ReindexFromPG reloads every public post from PostgreSQL into Meilisearch.
func (s *Service) ReindexFromPG(ctx context.Context, pg *PgFTS) (int, error) {
	if s.meili == nil || !s.meili.Healthy() || pg == nil {
		return 0, nil
	}
	posts, err := pg.LoadPosts(ctx)
	if err != nil {
		return 0, err
	}
	return s.Reindex(posts, 500)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
