package app

import (
	"context"
	"fmt"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/store"
	"threadline/api/internal/stream"
)

type ReplyInput struct {
	Text string `json:"text"`
	// Root and Fork are optional; when given they must match the parent.
	Root           string `json:"root"`
	Fork           string `json:"fork"`
	ContentWarning string `json:"contentWarning"`
}

type VoteInput struct {
	Value      int    `json:"value"`
	Expression string `json:"expression"`
}

// Reply publishes a comment on a root post or a subtopic under a reply.
// Invalid structure is rejected before anything is written.
func (s *Service) Reply(ctx context.Context, parentID string, input ReplyInput, author string) (message.Message, error) {
	parent, err := s.store.Get(ctx, parentID, store.GetOptions{IncludePrivate: true})
	if err != nil {
		return message.Message{}, classify(err, parentID)
	}
	post, err := message.NewReply(parent, input.Text, input.Root, input.Fork)
	if err != nil {
		return message.Message{}, classify(err, parentID)
	}
	post.ContentWarning = input.ContentWarning

	published, err := s.publish(ctx, author, message.Content{Type: message.TypePost, Post: &post})
	if err != nil {
		return message.Message{}, err
	}
	enriched, err := s.enricher.Enrich(ctx, []message.Message{published}, author)
	if err != nil {
		return message.Message{}, err
	}
	return enriched[0], nil
}

// Vote publishes the author's vote on target, clamped to [-1, 1].
func (s *Service) Vote(ctx context.Context, targetID string, input VoteInput, author string) (message.Message, error) {
	if _, err := s.store.Get(ctx, targetID, store.GetOptions{IncludePrivate: true}); err != nil {
		return message.Message{}, classify(err, targetID)
	}
	vote := message.Vote{
		Link:       targetID,
		Value:      message.ClampVote(input.Value),
		Expression: input.Expression,
	}
	if vote.Expression == "" {
		vote.Expression = expressionFor(vote.Value)
	}
	return s.publish(ctx, author, message.Content{Type: message.TypeVote, Vote: &vote})
}

func expressionFor(value int) string {
	switch value {
	case 1:
		return "Like"
	case -1:
		return "Dislike"
	}
	return "Unlike"
}

// publish appends a new message to the author's feed at the next sequence
// number and indexes it for search.
func (s *Service) publish(ctx context.Context, author string, content message.Content) (message.Message, error) {
	if !message.IsFeedID(author) {
		return message.Message{}, invalidArgument("a feed identity is required to publish", map[string]any{"author": author})
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	// The log is ordered by claimed time, which imported feeds may skew, so
	// the head is the highest sequence rather than the newest message.
	head, err := stream.Reduce(s.store.Query(ctx, store.Filter{
		Author:         author,
		IncludePrivate: true,
	}), int64(0), func(head int64, m message.Message) int64 {
		return max(head, m.Sequence)
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("read head of %s: %w", author, err)
	}
	seq := head + 1

	now := s.now().UnixMilli()
	m := message.Message{
		Author:    author,
		Sequence:  seq,
		Timestamp: now,
		Received:  now,
		Content:   content,
	}
	m.ID, err = message.ComputeID(m)
	if err != nil {
		return message.Message{}, err
	}
	if err := s.store.Append(ctx, m); err != nil {
		return message.Message{}, fmt.Errorf("publish %s: %w", m.ID, err)
	}
	if s.search != nil {
		s.search.IndexMessage(m)
	}
	s.logger.WithFields(logging.Fields{
		"id":       m.ID,
		"author":   author,
		"type":     string(content.Type),
		"sequence": seq,
	}).Info("published message")
	return m, nil
}
