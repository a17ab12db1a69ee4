package store

import (
	"context"
	"errors"
	"iter"

	"threadline/api/internal/message"
)

var ErrNotFound = errors.New("message not found")

// Relationship is the viewer's edge to one other feed.
type Relationship struct {
	Following bool
	Blocking  bool
}

type GetOptions struct {
	IncludePrivate bool
}

type BacklinkOptions struct {
	IncludePrivate bool
	// Type restricts results to one content type when set.
	Type message.Type
}

// Filter selects messages for a log scan. Results are ordered by claimed
// timestamp, then sequence; Reverse yields newest first.
type Filter struct {
	Type           message.Type
	Author         string
	Channel        string
	Since          int64
	Until          int64
	IncludePrivate bool
	Reverse        bool
}

// Reader is the read side every query in the service is built on.
type Reader interface {
	Get(ctx context.Context, id string, opts GetOptions) (message.Message, error)
	Backlinks(ctx context.Context, target string, opts BacklinkOptions) iter.Seq2[message.Message, error]
	Query(ctx context.Context, filter Filter) iter.Seq2[message.Message, error]
	Relationships(ctx context.Context, viewer string) (map[string]Relationship, error)
}

// Store adds the write path used by ingest and publishing.
type Store interface {
	Reader
	Append(ctx context.Context, m message.Message) error
	Ping(ctx context.Context) error
}

func (f Filter) matches(m message.Message) bool {
	if f.Type != "" && m.Content.Type != f.Type {
		return false
	}
	if f.Author != "" && m.Author != f.Author {
		return false
	}
	if f.Channel != "" && (m.Content.Post == nil || m.Content.Post.Channel != f.Channel) {
		return false
	}
	if f.Since != 0 && m.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && m.Timestamp > f.Until {
		return false
	}
	if m.Private && !f.IncludePrivate {
		return false
	}
	return true
}
