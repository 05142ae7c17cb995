package summary

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/pipeline"
)

// Aggregator records job results into a Store.
type Aggregator struct {
	store    *Store
	logger   *zap.Logger
	attempts uint
	delay    time.Duration
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger sets the aggregator logger.
func WithLogger(l *zap.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRetryDelay sets the pause before the second write attempt.
func WithRetryDelay(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.delay = d }
}

// NewAggregator creates an aggregator writing to store. A failed append is
// retried once.
func NewAggregator(store *Store, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:    store,
		logger:   zap.NewNop(),
		attempts: 2,
		delay:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the underlying store.
func (a *Aggregator) Store() *Store {
	return a.store
}

// Record appends the summary row for result. It returns *pipeline.ExportError
// when the row could not be written; the result itself is left untouched.
func (a *Aggregator) Record(ctx context.Context, job string, result *pipeline.JobResult) error {
	row := RowFromResult(job, result)

	err := retry.Do(
		func() error { return a.store.Append(row) },
		retry.Attempts(a.attempts),
		retry.Delay(a.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Warn("Summary write failed, retrying",
				zap.String("job", job),
				zap.String("path", a.store.Path()),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		a.logger.Error("Summary row not written",
			zap.String("job", job),
			zap.String("path", a.store.Path()),
			zap.Error(err),
		)
		return &pipeline.ExportError{Op: "append_summary", Path: a.store.Path(), Err: err}
	}

	a.logger.Debug("Summary row written", zap.String("job", job), zap.String("path", a.store.Path()))
	return nil
}
