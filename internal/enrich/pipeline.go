// Package enrich annotates messages with what a reader needs to display them:
// vote tallies, author identity, redaction, classification and timestamps.
package enrich

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/metrics"
	"threadline/api/internal/profile"
	"threadline/api/internal/store"
	"threadline/api/internal/stream"
)

const (
	RedactionNotice = "This public message is hidden because this server runs in public mode and its author has not opted in to public web hosting."
	RedactedMarker  = "Redacted"

	// maxTimestamp is the largest millisecond value that is still a date.
	maxTimestamp = 8.64e15
)

// Profiles resolves display identities.
type Profiles interface {
	Lookup(ctx context.Context, feed string) (profile.Profile, error)
}

type Options struct {
	PublicMode  bool
	Concurrency int
	Logger      logging.Logger
	Metrics     *metrics.Collector
	Now         func() time.Time
}

type Pipeline struct {
	reader      store.Reader
	profiles    Profiles
	publicMode  bool
	concurrency int
	logger      logging.Logger
	metrics     *metrics.Collector
	now         func() time.Time
}

func New(reader store.Reader, profiles Profiles, opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		reader:      reader,
		profiles:    profiles,
		publicMode:  opts.PublicMode,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
}

// Enrich returns annotated copies of msgs in input order. Lookups that fail
// degrade to their fallback values; only a cancelled context is an error.
// Vote fetches and profile lookups each run through one pool of at most
// Concurrency calls for the whole batch.
func (p *Pipeline) Enrich(ctx context.Context, msgs []message.Message, viewer string) ([]message.Message, error) {
	started := time.Now()
	tallies := stream.ParallelMap(ctx, msgs, p.concurrency, func(ctx context.Context, m message.Message) ([]string, error) {
		return p.voters(ctx, m.ID), nil
	})
	voters := make([][]string, len(msgs))
	for i, r := range tallies {
		if r.Err != nil {
			p.metrics.ObserveOperation("enrich", started, r.Err)
			return nil, r.Err
		}
		voters[i] = r.Value
	}

	profiles, err := p.lookupAll(ctx, msgs, voters)
	if err != nil {
		p.metrics.ObserveOperation("enrich", started, err)
		return nil, err
	}

	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = p.annotate(m, voters[i], profiles, viewer)
	}
	p.metrics.ObserveOperation("enrich", started, nil)
	return out, nil
}

// lookupAll resolves every author and voter in the batch once.
func (p *Pipeline) lookupAll(ctx context.Context, msgs []message.Message, voters [][]string) (map[string]profile.Profile, error) {
	seen := map[string]bool{}
	var feeds []string
	add := func(feed string) {
		if !seen[feed] {
			seen[feed] = true
			feeds = append(feeds, feed)
		}
	}
	for i, m := range msgs {
		add(m.Author)
		for _, voter := range voters[i] {
			add(voter)
		}
	}

	results := stream.ParallelMap(ctx, feeds, p.concurrency, func(ctx context.Context, feed string) (profile.Profile, error) {
		return p.lookup(ctx, feed), nil
	})
	profiles := make(map[string]profile.Profile, len(feeds))
	for i, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		profiles[feeds[i]] = r.Value
	}
	return profiles, nil
}

func (p *Pipeline) annotate(m message.Message, voters []string, profiles map[string]profile.Profile, viewer string) message.Message {
	author := profiles[m.Author]
	var names []string
	if len(voters) > 0 {
		names = make([]string, len(voters))
		for i, voter := range voters {
			names[i] = profiles[voter].DisplayName(p.publicMode)
		}
	}

	m.Meta = message.Meta{
		AuthorName:     author.DisplayName(p.publicMode),
		AuthorImage:    author.DisplayImage(p.publicMode),
		Classification: message.Classify(m),
		Voters:         voters,
		VoterNames:     names,
		Time:           p.formatTime(m.Timestamp, m.Received),
	}
	for _, voter := range voters {
		if voter == viewer {
			m.Meta.VotedByViewer = true
			break
		}
	}

	if post := m.Content.Post; post != nil && !m.Unreadable {
		display := *post
		if display.Channel != "" && display.Root == "" {
			display.Text += "\n\n#" + display.Channel
		}
		if author.Hidden(p.publicMode) {
			display.Text = RedactionNotice
			if display.ContentWarning != "" {
				display.ContentWarning = RedactedMarker
			}
			m.Meta.Redacted = true
		}
		m.Content.Post = &display
	}
	return m
}

// voters folds the votes on id to one value per author, last one wins, and
// returns the authors whose final value is 1 in first-vote order.
func (p *Pipeline) voters(ctx context.Context, id string) []string {
	final := map[string]int{}
	var order []string
	for v, err := range p.reader.Backlinks(ctx, id, store.BacklinkOptions{Type: message.TypeVote}) {
		if err != nil {
			p.degraded(err, "vote lookup failed", logging.Fields{"message": id})
			return nil
		}
		vote := v.Content.Vote
		if vote == nil || vote.Link != id {
			continue
		}
		if _, seen := final[v.Author]; !seen {
			order = append(order, v.Author)
		}
		final[v.Author] = message.ClampVote(vote.Value)
	}

	var voters []string
	for _, author := range order {
		if final[author] == 1 {
			voters = append(voters, author)
		}
	}
	return voters
}

func (p *Pipeline) lookup(ctx context.Context, feed string) profile.Profile {
	if p.profiles == nil {
		return profile.Profile{ID: feed}
	}
	prof, err := p.profiles.Lookup(ctx, feed)
	if err != nil {
		p.degraded(err, "profile lookup failed", logging.Fields{"feed": feed})
		return profile.Profile{ID: feed}
	}
	return prof
}

func (p *Pipeline) degraded(err error, msg string, fields logging.Fields) {
	p.metrics.Dropped("enrich", 1)
	if p.logger != nil {
		p.logger.WithError(err).WithFields(fields).Warn(msg)
	}
}

// ValidTimestamp reports whether ts, in milliseconds, is a representable
// date after the epoch.
func ValidTimestamp(ts int64) bool {
	return ts > 0 && float64(ts) <= maxTimestamp
}

func (p *Pipeline) formatTime(claimed, received int64) message.TimeMeta {
	ts := claimed
	if !ValidTimestamp(ts) {
		ts = received
	}
	t := time.UnixMilli(ts).UTC()
	return message.TimeMeta{
		ISO8601: t.Format("2006-01-02T15:04:05.000Z07:00"),
		Since:   humanize.RelTime(t, p.now(), "ago", "from now"),
	}
}
