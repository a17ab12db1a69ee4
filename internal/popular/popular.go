// Package popular ranks messages by damped vote tallies over a time window.
package popular

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/metrics"
	"threadline/api/internal/social"
	"threadline/api/internal/store"
	"threadline/api/internal/stream"
)

// MaxResults bounds the number of candidates resolved per query.
const MaxResults = 64

var ErrInvalidPeriod = errors.New("invalid period")

type Period string

const (
	Day   Period = "day"
	Week  Period = "week"
	Month Period = "month"
	Year  Period = "year"
)

var periodDays = map[Period]float64{
	Day:   1,
	Week:  7,
	Month: 30.42,
	Year:  365,
}

func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	if _, ok := periodDays[p]; !ok {
		return "", fmt.Errorf("%w %q: expected day, week, month or year", ErrInvalidPeriod, s)
	}
	return p, nil
}

// Window is the lookback duration of the period.
func (p Period) Window() time.Duration {
	return time.Duration(periodDays[p] * float64(24*time.Hour))
}

// Tally holds one effective vote value per voter and target.
type Tally map[string]map[string]int

// Add folds one vote into the tally. A later vote for the same pair
// replaces the earlier one; values are clamped to [-1, 1].
func (t Tally) Add(m message.Message) Tally {
	v := m.Content.Vote
	if m.Unreadable || v == nil || v.Link == "" {
		return t
	}
	targets := t[m.Author]
	if targets == nil {
		targets = map[string]int{}
		t[m.Author] = targets
	}
	targets[v.Link] = message.ClampVote(v.Value)
	return t
}

// Fold reduces a vote stream in delivery order.
func Fold(votes stream.Seq[message.Message]) (Tally, error) {
	return stream.Reduce(votes, Tally{}, Tally.Add)
}

// Scores sums each voter's votes damped by 1+ln(targets voted on), so a
// prolific voter carries less weight per vote. Votes by exclude are ignored.
func Scores(t Tally, exclude string) map[string]float64 {
	scores := map[string]float64{}
	for voter, targets := range t {
		if voter == exclude || len(targets) == 0 {
			continue
		}
		divisor := 1 + math.Log(float64(len(targets)))
		for target, value := range targets {
			scores[target] += float64(value) / divisor
		}
	}
	return scores
}

type Score struct {
	Target string  `json:"target"`
	Value  float64 `json:"value"`
}

// Rank orders targets by score, highest first, breaking ties by id, and
// keeps at most k.
func Rank(scores map[string]float64, k int) []Score {
	ranked := make([]Score, 0, len(scores))
	for target, value := range scores {
		ranked = append(ranked, Score{Target: target, Value: value})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Value != ranked[j].Value {
			return ranked[i].Value > ranked[j].Value
		}
		return ranked[i].Target < ranked[j].Target
	})
	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

type Enricher interface {
	Enrich(ctx context.Context, msgs []message.Message, viewer string) ([]message.Message, error)
}

type Options struct {
	Concurrency int
	Logger      logging.Logger
	Metrics     *metrics.Collector
	Now         func() time.Time
}

type Ranker struct {
	reader      store.Reader
	enricher    Enricher
	concurrency int
	logger      logging.Logger
	metrics     *metrics.Collector
	now         func() time.Time
}

func NewRanker(reader store.Reader, enricher Enricher, opts Options) *Ranker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = MaxResults
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ranker{
		reader:      reader,
		enricher:    enricher,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
}

// Popular returns the most upvoted public posts of the period, filtered by
// the viewer's default social filter. Candidates that fail to resolve are
// dropped without replacement, so fewer than MaxResults may come back.
func (r *Ranker) Popular(ctx context.Context, period string, viewer string) (out []message.Message, err error) {
	started := time.Now()
	defer func() { r.metrics.ObserveOperation("popular", started, err) }()

	p, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	ranked, err := r.Top(ctx, p, viewer)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(ranked))
	for i, s := range ranked {
		ids[i] = s.Target
	}
	results := stream.ParallelMap(ctx, ids, r.concurrency, func(ctx context.Context, id string) (message.Message, error) {
		return r.reader.Get(ctx, id, store.GetOptions{})
	})

	candidates := make([]message.Message, 0, len(results))
	dropped := 0
	for i, res := range results {
		if res.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			dropped++
			if r.logger != nil {
				r.logger.WithError(res.Err).WithField("target", ids[i]).Debug("dropping popular candidate")
			}
			continue
		}
		m := res.Value
		if m.Private || !m.IsPost() {
			dropped++
			continue
		}
		candidates = append(candidates, m)
	}
	r.metrics.Dropped("popular", dropped)

	admit, err := social.BuildFilter(ctx, r.reader, viewer, social.DefaultOptions())
	if err != nil {
		return nil, err
	}
	visible := candidates[:0]
	for _, m := range candidates {
		if admit(m) {
			visible = append(visible, m)
		}
	}

	if r.enricher == nil {
		return visible, nil
	}
	return r.enricher.Enrich(ctx, visible, viewer)
}

// Top computes the ranked targets of the period without resolving them.
func (r *Ranker) Top(ctx context.Context, p Period, viewer string) ([]Score, error) {
	since := r.now().Add(-p.Window()).UnixMilli()
	votes := r.reader.Query(ctx, store.Filter{Type: message.TypeVote, Since: since})
	tally, err := Fold(votes)
	if err != nil {
		return nil, fmt.Errorf("tally %s votes: %w", p, err)
	}
	return Rank(Scores(tally, viewer), MaxResults), nil
}
