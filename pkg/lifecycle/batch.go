package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/types"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism caps concurrent actions when RunOptions leaves it unset
const DefaultParallelism = 4

// DefaultWaitTimeout bounds Wait when RunOptions leaves it unset
const DefaultWaitTimeout = 5 * time.Minute

// RunOptions tune one batch
type RunOptions struct {
	Parallelism int
	Wait        bool          // wait for the target state after Perform
	WaitTimeout time.Duration // per instance
	Retries     int           // extra Perform attempts with exponential backoff
}

// BatchExecutor runs one action against many instances
type BatchExecutor struct {
	provider Provider
	logger   *slog.Logger
	backoff  func() backoff.BackOff
}

// Option is a functional option for configuring the BatchExecutor
type Option func(*BatchExecutor)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *BatchExecutor) {
		b.logger = logger
	}
}

// WithBackOff overrides the retry schedule between Perform attempts
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(b *BatchExecutor) {
		b.backoff = factory
	}
}

// NewBatchExecutor creates an executor bound to a provider
func NewBatchExecutor(provider Provider, opts ...Option) *BatchExecutor {
	b := &BatchExecutor{
		provider: provider,
		logger:   slog.Default(),
		backoff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 500 * time.Millisecond
			eb.MaxInterval = 10 * time.Second
			return eb
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run performs action on every instance concurrently, at most
// opts.Parallelism at a time. It returns one result per id, in input order.
// Failures are reported in the results, never as an error.
func (b *BatchExecutor) Run(ctx context.Context, ids []string, action types.LifecycleAction, opts RunOptions) []types.LifecycleResult {
	results := make([]types.LifecycleResult, len(ids))

	if err := CheckAction(action); err != nil {
		for i, id := range ids {
			results[i] = types.NewFailedResult(id, action, hubErrors.Summary(err))
		}
		return results
	}

	limit := opts.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i, id := range ids {
		g.Go(func() error {
			results[i] = b.runOne(ctx, id, action, opts, waitTimeout)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	b.logger.Info("Lifecycle batch finished", "action", action, "instances", len(ids), "succeeded", ok)
	return results
}

func (b *BatchExecutor) runOne(ctx context.Context, id string, action types.LifecycleAction, opts RunOptions, waitTimeout time.Duration) types.LifecycleResult {
	if ctx.Err() != nil {
		return types.NewFailedResult(id, action, "cancelled before start")
	}

	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	result, err := backoff.Retry(ctx, func() (types.LifecycleResult, error) {
		r, err := b.provider.Perform(ctx, id, action)
		if err != nil {
			if hubErrors.IsCode(err, hubErrors.ErrAuth) || hubErrors.IsCode(err, hubErrors.ErrConfig) {
				return r, backoff.Permanent(err)
			}
			return r, err
		}
		return r, nil
	},
		backoff.WithBackOff(b.backoff()),
		backoff.WithMaxTries(uint(retries+1)),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		b.logger.Warn("Lifecycle action failed", "instance", id, "action", action, "error", err)
		return types.NewFailedResult(id, action, hubErrors.Summary(err))
	}
	if !result.Success || !opts.Wait {
		return result
	}

	waited, err := b.provider.Wait(ctx, id, action.TargetState(), waitTimeout)
	if err != nil {
		return types.NewFailedResult(id, action, hubErrors.Summary(err))
	}
	return waited
}
