package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/metrics"
)

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// The breaker opens once FailureRatio of the last MinRequests calls
	// failed, and probes again after BreakerDelay.
	FailureRatio float64
	MinRequests  uint
	BreakerDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  10,
		BreakerDelay: 15 * time.Second,
	}
}

func (c RetryConfig) normalize() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = d.FailureRatio
	}
	if c.MinRequests == 0 {
		c.MinRequests = d.MinRequests
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = d.BreakerDelay
	}
	return c
}

// Resilient decorates a Store with retries and a circuit breaker. Missing
// messages and cancelled contexts are returned as-is. Streams are retried
// only until their first item is produced; a failure after that ends the
// stream with the error.
type Resilient struct {
	next     Store
	executor failsafe.Executor[any]
	metrics  *metrics.Collector
	breaker  circuitbreaker.CircuitBreaker[any]
}

func NewResilient(next Store, cfg RetryConfig, collector *metrics.Collector, logger logging.Logger) *Resilient {
	cfg = cfg.normalize()

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return retryable(err) && !errors.Is(err, circuitbreaker.ErrOpen)
		}).
		Build()

	threshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if threshold < 1 {
		threshold = 1
	}
	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(threshold, cfg.MinRequests).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(_ any, err error) bool { return retryable(err) })
	if logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"circuit_breaker": "store",
				"from_state":      stateName(event.OldState),
				"to_state":        stateName(event.NewState),
			}).Warn("circuit breaker state change")
		})
	}
	breaker := builder.Build()

	return &Resilient{
		next:     next,
		executor: failsafe.With[any](retry, breaker),
		metrics:  collector,
		breaker:  breaker,
	}
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// retryable is false for outcomes another attempt cannot change.
func retryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func execute[T any](ctx context.Context, executor failsafe.Executor[any], fn func() (T, error)) (T, error) {
	out, err := executor.WithContext(ctx).Get(func() (any, error) {
		v, err := fn()
		return v, err
	})
	v, _ := out.(T)
	return v, err
}

func (r *Resilient) observe(op string, started time.Time, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	r.metrics.ObserveStore(op, started, err)
}

func (r *Resilient) Get(ctx context.Context, id string, opts GetOptions) (message.Message, error) {
	started := time.Now()
	m, err := execute(ctx, r.executor, func() (message.Message, error) {
		return r.next.Get(ctx, id, opts)
	})
	r.observe("get", started, err)
	return m, err
}

func (r *Resilient) Relationships(ctx context.Context, viewer string) (map[string]Relationship, error) {
	started := time.Now()
	rels, err := execute(ctx, r.executor, func() (map[string]Relationship, error) {
		return r.next.Relationships(ctx, viewer)
	})
	r.observe("relationships", started, err)
	return rels, err
}

func (r *Resilient) Backlinks(ctx context.Context, target string, opts BacklinkOptions) iter.Seq2[message.Message, error] {
	return r.retryStream(ctx, "backlinks", func() iter.Seq2[message.Message, error] {
		return r.next.Backlinks(ctx, target, opts)
	})
}

func (r *Resilient) Query(ctx context.Context, filter Filter) iter.Seq2[message.Message, error] {
	return r.retryStream(ctx, "query", func() iter.Seq2[message.Message, error] {
		return r.next.Query(ctx, filter)
	})
}

// Append is safe to retry: appending an existing id is a no-op.
func (r *Resilient) Append(ctx context.Context, m message.Message) error {
	started := time.Now()
	_, err := execute(ctx, r.executor, func() (struct{}, error) {
		return struct{}{}, r.next.Append(ctx, m)
	})
	r.observe("append", started, err)
	return err
}

// Ping bypasses the policies so readiness reflects the store right now.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

var ErrBreakerOpen = errors.New("store circuit breaker is open")

// CheckBreaker is a readiness check that fails while store calls are being
// rejected by the breaker.
func (r *Resilient) CheckBreaker(context.Context) error {
	if r.breaker.IsOpen() {
		return ErrBreakerOpen
	}
	return nil
}

type firstItem struct {
	msg message.Message
	ok  bool
}

func (r *Resilient) retryStream(ctx context.Context, op string, open func() iter.Seq2[message.Message, error]) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		started := time.Now()
		var next func() (message.Message, error, bool)
		var stop func()

		first, err := execute(ctx, r.executor, func() (firstItem, error) {
			if stop != nil {
				stop()
			}
			next, stop = iter.Pull2(open())
			m, err, ok := next()
			if err != nil {
				return firstItem{}, err
			}
			return firstItem{msg: m, ok: ok}, nil
		})
		if stop != nil {
			defer stop()
		}
		r.observe(op, started, err)

		if err != nil {
			yield(message.Message{}, err)
			return
		}
		if !first.ok || !yield(first.msg, nil) {
			return
		}
		for {
			m, err, ok := next()
			if !ok {
				return
			}
			if !yield(m, err) || err != nil {
				return
			}
		}
	}
}
