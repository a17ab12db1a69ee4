// Package ingest loads exported message logs into the store.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

const maxLineBytes = 8 << 20

// Indexer receives searchable posts in batches.
type Indexer interface {
	Reindex(posts []search.PostRecord, batchSize int) (int, error)
}

// Invalidator drops cached profiles of feeds whose about messages changed.
type Invalidator interface {
	Invalidate(ctx context.Context, feeds ...string) error
}

type Options struct {
	Indexer     Indexer
	Invalidator Invalidator
	BatchSize   int
	Logger      logging.Logger
}

// Stats summarize one load.
type Stats struct {
	Lines    int `json:"lines"`
	Appended int `json:"appended"`
	Invalid  int `json:"invalid"`
	Indexed  int `json:"indexed"`
}

type Loader struct {
	store store.Store
	opts  Options
}

func NewLoader(dataStore store.Store, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Loader{store: dataStore, opts: opts}
}

// Load reads one exported message per line. Lines that do not decode are
// counted and skipped; a store failure stops the load.
func (l *Loader) Load(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats
	var pending []search.PostRecord
	profiles := map[string]struct{}{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		m, err := message.Decode(line)
		if err != nil {
			stats.Invalid++
			l.opts.Logger.WithError(err).WithField("line", stats.Lines).Warn("skipping undecodable message")
			continue
		}
		if err := l.store.Append(ctx, m); err != nil {
			return stats, fmt.Errorf("append %s (line %d): %w", m.ID, stats.Lines, err)
		}
		stats.Appended++

		if record, ok := search.Record(m); ok && l.opts.Indexer != nil {
			pending = append(pending, record)
			if len(pending) >= l.opts.BatchSize {
				if err := l.flush(&stats, pending); err != nil {
					return stats, err
				}
				pending = pending[:0]
			}
		}
		if about := m.Content.About; about != nil && about.About != "" {
			profiles[about.About] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read messages: %w", err)
	}
	if err := l.flush(&stats, pending); err != nil {
		return stats, err
	}

	if l.opts.Invalidator != nil && len(profiles) > 0 {
		feeds := make([]string, 0, len(profiles))
		for feed := range profiles {
			feeds = append(feeds, feed)
		}
		if err := l.opts.Invalidator.Invalidate(ctx, feeds...); err != nil {
			l.opts.Logger.WithError(err).WithField("feeds", len(feeds)).Warn("profile cache invalidation failed")
		}
	}

	l.opts.Logger.WithFields(logging.Fields{
		"lines":    stats.Lines,
		"appended": stats.Appended,
		"invalid":  stats.Invalid,
		"indexed":  stats.Indexed,
	}).Info("message log loaded")
	return stats, nil
}

func (l *Loader) flush(stats *Stats, posts []search.PostRecord) error {
	if l.opts.Indexer == nil || len(posts) == 0 {
		return nil
	}
	sent, err := l.opts.Indexer.Reindex(posts, l.opts.BatchSize)
	stats.Indexed += sent
	if err != nil {
		return fmt.Errorf("index posts: %w", err)
	}
	return nil
}
