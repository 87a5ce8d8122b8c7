package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cloudsentry/api/internal/model"
)

// RetryPolicy bounds how many times an operation is attempted
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs op until it succeeds, the attempts are used up, or ctx is done.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)

	made := 0
	err := backoff.Retry(func() error {
		made++
		return op(ctx)
	}, b)
	return made, err
}

// Save persists results through store under the policy.
func (p RetryPolicy) Save(ctx context.Context, store ResultStore, customerID, jobID string, results []model.ItemResult) (int, error) {
	return p.Do(ctx, func(ctx context.Context) error {
		return store.SaveItemResults(ctx, customerID, jobID, results)
	})
}
