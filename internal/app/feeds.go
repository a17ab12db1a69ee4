package app

import (
	"context"
	"fmt"
	"time"

	"threadline/api/internal/message"
	"threadline/api/internal/social"
	"threadline/api/internal/store"
	"threadline/api/internal/stream"
)

const (
	DefaultFeedLimit = 20
	MaxFeedLimit     = 64
)

// FeedOptions parameterize FilteredFeed: Social gates the author, the
// remaining fields select content.
type FeedOptions struct {
	Social  social.Options
	Type    message.Type
	Author  string
	Channel string
	// Match is an extra content predicate applied after the social filter.
	Match func(message.Message) bool
	Limit int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultFeedLimit
	}
	return min(limit, MaxFeedLimit)
}

// FilteredFeed scans the log newest first, keeps what passes both the social
// filter and the content predicate, and stops reading once Limit messages
// are accepted.
func (s *Service) FilteredFeed(ctx context.Context, opts FeedOptions, viewer string) (out []message.Message, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("feed", started, err) }()

	admit, err := social.BuildFilter(ctx, s.store, viewer, opts.Social)
	if err != nil {
		return nil, err
	}
	keep := admit
	if opts.Match != nil {
		keep = social.And(admit, opts.Match)
	}

	scan := s.store.Query(ctx, store.Filter{
		Type:    opts.Type,
		Author:  opts.Author,
		Channel: opts.Channel,
		Reverse: true,
	})
	msgs, err := stream.Collect(stream.Take(stream.Filter(scan, keep), clampLimit(opts.Limit)))
	if err != nil {
		return nil, err
	}
	return s.enricher.Enrich(ctx, msgs, viewer)
}

// FeedParams are the caller-facing knobs of a named feed.
type FeedParams struct {
	Limit   int
	Channel string
	// Feed is the subject of the profile and likes feeds.
	Feed string
}

var feedNames = []string{"latest", "extended", "topics", "profile", "likes", "channel"}

// Feed runs one of the named feeds.
func (s *Service) Feed(ctx context.Context, name string, params FeedParams, viewer string) ([]message.Message, error) {
	readable := func(m message.Message) bool { return m.IsPost() }
	topLevel := func(m message.Message) bool {
		return m.IsPost() && message.Classify(m) == message.ClassPost
	}
	switch name {
	case "latest":
		return s.FilteredFeed(ctx, FeedOptions{
			Social: social.Options{Following: social.Bool(true), Blocking: social.Bool(false)},
			Type:   message.TypePost,
			Match:  readable,
			Limit:  params.Limit,
		}, viewer)
	case "extended":
		return s.FilteredFeed(ctx, FeedOptions{
			Social: social.Options{Following: social.Bool(false), Blocking: social.Bool(false), Me: social.Bool(false)},
			Type:   message.TypePost,
			Match:  readable,
			Limit:  params.Limit,
		}, viewer)
	case "topics":
		return s.FilteredFeed(ctx, FeedOptions{
			Social: social.Options{Following: social.Bool(true), Blocking: social.Bool(false)},
			Type:   message.TypePost,
			Match:  topLevel,
			Limit:  params.Limit,
		}, viewer)
	case "profile":
		if !message.IsFeedID(params.Feed) {
			return nil, invalidArgument("feed must be a feed id", map[string]any{"feed": params.Feed})
		}
		return s.FilteredFeed(ctx, FeedOptions{
			Social: social.DefaultOptions(),
			Type:   message.TypePost,
			Author: params.Feed,
			Match:  readable,
			Limit:  params.Limit,
		}, viewer)
	case "likes":
		if !message.IsFeedID(params.Feed) {
			return nil, invalidArgument("feed must be a feed id", map[string]any{"feed": params.Feed})
		}
		return s.Likes(ctx, params.Feed, params.Limit, viewer)
	case "channel":
		if params.Channel == "" {
			return nil, invalidArgument("channel is required", nil)
		}
		return s.FilteredFeed(ctx, FeedOptions{
			Social:  social.DefaultOptions(),
			Type:    message.TypePost,
			Channel: params.Channel,
			Match:   readable,
			Limit:   params.Limit,
		}, viewer)
	}
	return nil, invalidArgument(fmt.Sprintf("Unknown feed %q", name), map[string]any{"feed": name, "allowed": feedNames})
}

// Likes returns the posts feed currently upvotes, most recent vote first.
// The newest vote of feed on a target decides whether it is liked.
func (s *Service) Likes(ctx context.Context, feed string, limit int, viewer string) (out []message.Message, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("likes", started, err) }()

	limit = clampLimit(limit)
	seen := map[string]bool{}
	latest := stream.Filter(
		s.store.Query(ctx, store.Filter{Type: message.TypeVote, Author: feed, Reverse: true}),
		func(m message.Message) bool {
			v := m.Content.Vote
			if v == nil || v.Link == "" || seen[v.Link] {
				return false
			}
			seen[v.Link] = true
			return message.ClampVote(v.Value) == 1
		},
	)

	admit, err := social.BuildFilter(ctx, s.store, viewer, social.DefaultOptions())
	if err != nil {
		return nil, err
	}

	var liked []message.Message
	for vote, err := range latest {
		if err != nil {
			return nil, err
		}
		target, err := s.store.Get(ctx, vote.Content.Vote.Link, store.GetOptions{})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.metrics.Dropped("likes", 1)
			continue
		}
		if !target.IsPost() || !admit(target) {
			continue
		}
		liked = append(liked, target)
		if len(liked) == limit {
			break
		}
	}
	return s.enricher.Enrich(ctx, liked, viewer)
}
