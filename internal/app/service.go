package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"threadline/api/internal/auth"
	"threadline/api/internal/blob"
	"threadline/api/internal/config"
	"threadline/api/internal/enrich"
	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/metrics"
	"threadline/api/internal/popular"
	"threadline/api/internal/profile"
	"threadline/api/internal/search"
	"threadline/api/internal/social"
	"threadline/api/internal/store"
	"threadline/api/internal/stream"
	"threadline/api/internal/thread"
)

// BlobStore is the read side of the blob adapter.
type BlobStore interface {
	Open(ctx context.Context, id string) (io.ReadCloser, blob.Info, error)
}

type Dependencies struct {
	// Profiles defaults to an uncached resolver over the store.
	Profiles enrich.Profiles
	Search   *search.Service
	Blobs    BlobStore
	Logger   logging.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// Service holds the store handle and every component an operation needs.
// The viewer is an explicit argument of each operation.
type Service struct {
	cfg      config.Config
	store    store.Store
	profiles enrich.Profiles
	enricher *enrich.Pipeline
	threads  *thread.Resolver
	ranker   *popular.Ranker
	search   *search.Service
	blobs    BlobStore
	tokens   *auth.Signer
	logger   logging.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	checksMu sync.RWMutex
	checks   map[string]func(context.Context) error

	// serializes sequence allocation for locally published messages
	publishMu sync.Mutex
}

func New(cfg config.Config, dataStore store.Store, deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Profiles == nil {
		deps.Profiles = profile.NewResolver(dataStore, nil, deps.Logger)
	}

	enricher := enrich.New(dataStore, deps.Profiles, enrich.Options{
		PublicMode:  cfg.PublicMode,
		Concurrency: cfg.FetchConcurrency,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
		Now:         deps.Now,
	})
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		profiles: deps.Profiles,
		enricher: enricher,
		threads: thread.NewResolver(dataStore, enricher, thread.Options{
			Concurrency: cfg.FetchConcurrency,
			Logger:      deps.Logger,
			Metrics:     deps.Metrics,
		}),
		ranker: popular.NewRanker(dataStore, enricher, popular.Options{
			Concurrency: cfg.FetchConcurrency,
			Logger:      deps.Logger,
			Metrics:     deps.Metrics,
			Now:         deps.Now,
		}),
		search:  deps.Search,
		blobs:   deps.Blobs,
		tokens:  auth.NewSigner(cfg.TokenSecret, cfg.TokenTTL),
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     deps.Now,
		checks:  map[string]func(context.Context) error{},
	}
}

// AddCheck registers a readiness probe next to the store ping.
func (s *Service) AddCheck(name string, check func(context.Context) error) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready runs every probe. The result has one entry per probe, nil when it
// passed.
func (s *Service) Ready(ctx context.Context) map[string]error {
	s.checksMu.RLock()
	checks := make(map[string]func(context.Context) error, len(s.checks)+1)
	for name, check := range s.checks {
		checks[name] = check
	}
	s.checksMu.RUnlock()
	checks["database"] = s.Ping

	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check(ctx)
	}
	return results
}

// Viewer resolves the feed a request acts for. Requests without a token act
// as the local feed.
func (s *Service) Viewer(token string) (string, error) {
	if token == "" {
		return s.cfg.LocalFeedID, nil
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Feed, nil
}

// Author resolves the feed a write acts for. In public mode the local feed
// is never lent to anonymous requests, so writes need a viewer token.
func (s *Service) Author(token string) (string, error) {
	if token == "" && s.cfg.PublicMode {
		return "", forbidden("A viewer token is required to publish in public mode")
	}
	return s.Viewer(token)
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// IssueToken mints a viewer token for feed.
func (s *Service) IssueToken(feed string) (string, time.Time, error) {
	token, claims, err := s.tokens.Issue(feed)
	if errors.Is(err, auth.ErrInvalidToken) {
		return "", time.Time{}, invalidArgument("feed must be a feed id", map[string]any{"feed": feed})
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt(), nil
}

func (s *Service) ResolveThread(ctx context.Context, id, viewer string) ([]message.Message, error) {
	msgs, err := s.threads.Resolve(ctx, id, viewer)
	return msgs, classify(err, id)
}

func (s *Service) Popular(ctx context.Context, period, viewer string) ([]message.Message, error) {
	msgs, err := s.ranker.Popular(ctx, period, viewer)
	return msgs, classify(err, period)
}

// ProfileView is the display identity of a feed as seen by the viewer.
type ProfileView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	Description string `json:"description,omitempty"`
	Redacted    bool   `json:"redacted,omitempty"`
	Self        bool   `json:"self"`
	Following   bool   `json:"following"`
	Blocking    bool   `json:"blocking"`
}

func (s *Service) Profile(ctx context.Context, feed, viewer string) (ProfileView, error) {
	if !message.IsFeedID(feed) {
		return ProfileView{}, invalidArgument("feed must be a feed id", map[string]any{"feed": feed})
	}
	p, err := s.profiles.Lookup(ctx, feed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ProfileView{}, ctxErr
		}
		s.logger.WithError(err).WithField("feed", feed).Warn("profile lookup failed, using fallback")
	}
	rels, err := s.store.Relationships(ctx, viewer)
	if err != nil {
		return ProfileView{}, fmt.Errorf("load relationships for %s: %w", viewer, err)
	}

	hidden := p.Hidden(s.cfg.PublicMode)
	view := ProfileView{
		ID:        feed,
		Name:      p.DisplayName(s.cfg.PublicMode),
		Image:     p.DisplayImage(s.cfg.PublicMode),
		Redacted:  hidden,
		Self:      feed == viewer,
		Following: rels[feed].Following,
		Blocking:  rels[feed].Blocking,
	}
	if !hidden {
		view.Description = p.Description
	}
	return view, nil
}

// SearchResult is a search response with the matching posts resolved,
// filtered for the viewer and enriched.
type SearchResult struct {
	Query    string            `json:"query"`
	Total    int               `json:"total"`
	Messages []message.Message `json:"messages"`
}

func (s *Service) Search(ctx context.Context, q search.Query, viewer string) (result SearchResult, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("search", started, err) }()

	result = SearchResult{Query: q.Text, Messages: []message.Message{}}
	if s.search == nil {
		return result, nil
	}
	resp := s.search.Search(ctx, q)
	result.Total = resp.Total

	ids := make([]string, len(resp.Results))
	for i, hit := range resp.Results {
		ids[i] = hit.ID
	}
	found, err := s.resolveAll(ctx, "search", ids)
	if err != nil {
		return result, err
	}
	admit, err := social.BuildFilter(ctx, s.store, viewer, social.DefaultOptions())
	if err != nil {
		return result, err
	}
	visible := make([]message.Message, 0, len(found))
	for _, m := range found {
		if admit(m) {
			visible = append(visible, m)
		}
	}
	enriched, err := s.enricher.Enrich(ctx, visible, viewer)
	if err != nil {
		return result, err
	}
	result.Messages = enriched
	return result, nil
}

// resolveAll fetches public readable posts by id, keeping input order.
// Ids that fail to resolve are dropped.
func (s *Service) resolveAll(ctx context.Context, operation string, ids []string) ([]message.Message, error) {
	results := stream.ParallelMap(ctx, ids, s.cfg.FetchConcurrency, func(ctx context.Context, id string) (message.Message, error) {
		return s.store.Get(ctx, id, store.GetOptions{})
	})
	out := make([]message.Message, 0, len(results))
	dropped := 0
	for i, res := range results {
		if res.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !errors.Is(res.Err, store.ErrNotFound) {
				s.logger.WithError(res.Err).WithField("id", ids[i]).Debug("dropping unresolved " + operation + " result")
			}
			dropped++
			continue
		}
		if res.Value.Private || !res.Value.IsPost() {
			dropped++
			continue
		}
		out = append(out, res.Value)
	}
	s.metrics.Dropped(operation, dropped)
	return out, nil
}

// OpenBlob streams a stored blob.
func (s *Service) OpenBlob(ctx context.Context, id string) (io.ReadCloser, blob.Info, error) {
	if s.blobs == nil {
		return nil, blob.Info{}, domainError(http.StatusServiceUnavailable, "BLOBS_UNAVAILABLE", "Blob storage not configured", nil)
	}
	rc, info, err := s.blobs.Open(ctx, id)
	switch {
	case errors.Is(err, blob.ErrInvalidID):
		return nil, blob.Info{}, invalidArgument("id must be a blob id", map[string]any{"id": id})
	case errors.Is(err, blob.ErrNotFound):
		return nil, blob.Info{}, domainError(http.StatusNotFound, "NOT_FOUND", "Blob not found", map[string]any{"id": id})
	case err != nil:
		return nil, blob.Info{}, err
	}
	return rc, info, nil
}
